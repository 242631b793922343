package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
)

var (
	ErrUnknownPayload = errors.New("unknown payload kind")
	ErrInvalidPayload = errors.New("invalid payload")
)

// PayloadKind is the tag of the queue payload union.
type PayloadKind struct {
	Entity    Entity
	Operation Operation
}

func (k PayloadKind) String() string {
	return fmt.Sprintf("%s/%s", k.Entity, k.Operation)
}

// Route describes how a payload kind is replayed against the remote API.
// Path may contain an {id} placeholder. New is nil for body-less operations.
type Route struct {
	Method string
	Path   string
	New    func() any
}

// Endpoint renders Path for the given entity id.
func (r Route) Endpoint(entityID string) string {
	return strings.ReplaceAll(r.Path, "{id}", url.PathEscape(entityID))
}

// Registry maps payload kinds to their schema and replay route.
type Registry struct {
	routes map[PayloadKind]Route
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[PayloadKind]Route)}
}

// DefaultRegistry returns the routes of the POS remote API.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(EntitySale, OperationCreate, Route{http.MethodPost, "/sales", func() any { return &Sale{} }})
	r.Register(EntitySale, OperationUpdate, Route{http.MethodPut, "/sales/{id}", func() any { return &Sale{} }})
	r.Register(EntitySale, OperationDelete, Route{http.MethodDelete, "/sales/{id}", nil})

	r.Register(EntityStockAdjustment, OperationCreate, Route{http.MethodPost, "/stock-adjustments", func() any { return &StockAdjustment{} }})

	r.Register(EntityParty, OperationCreate, Route{http.MethodPost, "/parties", func() any { return &Party{} }})
	r.Register(EntityParty, OperationUpdate, Route{http.MethodPut, "/parties/{id}", func() any { return &Party{} }})
	r.Register(EntityParty, OperationDelete, Route{http.MethodDelete, "/parties/{id}", nil})

	r.Register(EntityProduct, OperationUpdate, Route{http.MethodPut, "/products/{id}", func() any { return &Product{} }})

	return r
}

func (r *Registry) Register(e Entity, op Operation, route Route) {
	r.routes[PayloadKind{Entity: e, Operation: op}] = route
}

func (r *Registry) Lookup(e Entity, op Operation) (Route, error) {
	route, ok := r.routes[PayloadKind{Entity: e, Operation: op}]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrUnknownPayload, PayloadKind{e, op})
	}
	return route, nil
}

type validator interface {
	Validate() error
}

// Build resolves the route for (e, op), checks that payload has the schema
// registered for it and returns the replay shape of a new queue item.
func (r *Registry) Build(e Entity, op Operation, entityID string, payload any) (*QueueItem, error) {
	route, err := r.Lookup(e, op)
	if err != nil {
		return nil, err
	}

	item := &QueueItem{
		Operation: op,
		Entity:    e,
		EntityID:  entityID,
		Endpoint:  route.Endpoint(entityID),
		Method:    route.Method,
	}

	if route.New == nil {
		return item, nil
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: %s requires a body", ErrInvalidPayload, PayloadKind{e, op})
	}
	if want, got := reflect.TypeOf(route.New()), reflect.TypeOf(payload); want != got {
		return nil, fmt.Errorf("%w: %s expects %s, got %s", ErrInvalidPayload, PayloadKind{e, op}, want, got)
	}
	if v, ok := payload.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	item.Payload = raw
	return item, nil
}

// Decode deserializes and validates the payload of item before replay.
// Body-less kinds return nil.
func (r *Registry) Decode(item *QueueItem) (any, error) {
	route, err := r.Lookup(item.Entity, item.Operation)
	if err != nil {
		return nil, err
	}
	if route.New == nil {
		return nil, nil
	}

	v := route.New()
	if err := json.Unmarshal(item.Payload, v); err != nil {
		return nil, fmt.Errorf("%w: item %d: %w", ErrInvalidPayload, item.ID, err)
	}
	if val, ok := v.(validator); ok {
		if err := val.Validate(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %w", ErrInvalidPayload, item.ID, err)
		}
	}
	return v, nil
}

// Rebind points item at a new entity id, re-rendering its endpoint and, for
// payloads carrying the id, the body.
func (r *Registry) Rebind(item *QueueItem, entityID string) error {
	route, err := r.Lookup(item.Entity, item.Operation)
	if err != nil {
		return err
	}
	item.EntityID = entityID
	item.Endpoint = route.Endpoint(entityID)

	if route.New == nil || len(item.Payload) == 0 {
		return nil
	}
	v := route.New()
	if err := json.Unmarshal(item.Payload, v); err != nil {
		return fmt.Errorf("%w: item %d: %w", ErrInvalidPayload, item.ID, err)
	}
	if rec, ok := v.(Record); ok {
		m := rec.Meta()
		if m.TempID == "" && IsTempID(m.ID) {
			m.TempID = m.ID
		}
		m.ID = entityID
		m.ServerID = entityID
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	item.Payload = raw
	return nil
}

// Rebase sets the server version a queued UPDATE is based on.
func (r *Registry) Rebase(item *QueueItem, version int64) error {
	route, err := r.Lookup(item.Entity, item.Operation)
	if err != nil {
		return err
	}
	if route.New == nil || len(item.Payload) == 0 {
		return nil
	}
	v := route.New()
	if err := json.Unmarshal(item.Payload, v); err != nil {
		return fmt.Errorf("%w: item %d: %w", ErrInvalidPayload, item.ID, err)
	}
	rec, ok := v.(Record)
	if !ok {
		return nil
	}
	rec.Meta().Version = version
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	item.Payload = raw
	return nil
}

// DocVersion returns the "version" of a server document, or 0.
func DocVersion(doc json.RawMessage) int64 {
	var v struct {
		Version int64 `json:"version"`
	}
	if len(doc) == 0 || json.Unmarshal(doc, &v) != nil {
		return 0
	}
	return v.Version
}

// PayloadVersion returns the server version a queued payload is based on.
func PayloadVersion(item *QueueItem) int64 {
	return DocVersion(item.Payload)
}

// DocTempID returns the "tempId" a server document echoes, or "".
func DocTempID(doc json.RawMessage) string {
	var v struct {
		TempID string `json:"tempId"`
	}
	if len(doc) == 0 || json.Unmarshal(doc, &v) != nil {
		return ""
	}
	return v.TempID
}
