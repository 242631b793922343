package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/netx"
)

var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client over the REST API rooted at baseURL.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration

	mu       sync.RWMutex
	deviceID string
	token    string
}

type Option func(*HTTPClient)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.timeout = d }
}

func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{},
		timeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SetDeviceID sets the value sent in the X-Device-ID header.
func (c *HTTPClient) SetDeviceID(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

func (c *HTTPClient) device() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// SetToken sets the bearer token sent in the Authorization header.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *HTTPClient) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    []byte
	headers map[string]string
}

func (c *HTTPClient) do(ctx context.Context, r request) (int, http.Header, []byte, error) {
	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := netx.JoinURL(c.baseURL, r.path, r.query)

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(reqCtx, r.method, target, body)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := c.device(); id != "" {
		req.Header.Set(common.DeviceIDHeader, id)
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, mapError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := netx.ReadBody(resp.Body, netx.DefaultMaxBody)
	if err != nil {
		return 0, nil, nil, mapError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, resp.Header, data, StatusError(r.method, r.path, resp.StatusCode, data)
	}
	return resp.StatusCode, resp.Header, data, nil
}

type registerBody struct {
	Token string `json:"token"`
}

func (c *HTTPClient) Register(ctx context.Context, device models.DeviceInfo) (string, error) {
	body, err := json.Marshal(device)
	if err != nil {
		return "", err
	}
	status, _, data, err := c.do(ctx, request{method: http.MethodPost, path: "/sync/register", body: body})
	if status == http.StatusConflict {
		// Already registered.
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var rb registerBody
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &rb); err != nil {
			return "", fmt.Errorf("POST /sync/register: decode response: %w", err)
		}
	}
	return rb.Token, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	_, _, _, err := c.do(ctx, request{method: http.MethodGet, path: "/sync/health"})
	return err
}

func entitiesQuery(entities []string) url.Values {
	q := url.Values{}
	if len(entities) > 0 {
		q.Set("entities", strings.Join(entities, ","))
	}
	return q
}

func decodeSync(method, path string, data []byte) (*models.SyncResponse, error) {
	var resp models.SyncResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if resp.Changes == nil {
		resp.Changes = map[string]models.ChangeSet{}
	}
	return &resp, nil
}

func (c *HTTPClient) Full(ctx context.Context, entities []string) (*models.SyncResponse, error) {
	_, _, data, err := c.do(ctx, request{method: http.MethodGet, path: "/sync/full", query: entitiesQuery(entities)})
	if err != nil {
		return nil, err
	}
	resp, err := decodeSync(http.MethodGet, "/sync/full", data)
	if err != nil {
		return nil, err
	}
	resp.Full = true
	return resp, nil
}

func (c *HTTPClient) Changes(ctx context.Context, since string, entities []string) (*models.SyncResponse, error) {
	q := entitiesQuery(entities)
	q.Set("since", since)
	_, _, data, err := c.do(ctx, request{method: http.MethodGet, path: "/sync/changes", query: q})
	if err != nil {
		return nil, err
	}
	return decodeSync(http.MethodGet, "/sync/changes", data)
}

type replayBody struct {
	ID        models.FlexibleID `json:"id"`
	Duplicate bool              `json:"duplicate"`
	Data      json.RawMessage   `json:"data"`
}

func (c *HTTPClient) Replay(ctx context.Context, r models.ReplayRequest) (*models.ReplayResponse, error) {
	headers := map[string]string{common.IdempotencyKeyHeader: r.IdempotencyKey}
	if r.Force {
		headers[common.ConflictResolutionHeader] = common.ClientWins
	}

	var body []byte
	if len(r.Payload) > 0 {
		body = r.Payload
	}
	_, header, data, err := c.do(ctx, request{method: r.Method, path: r.Endpoint, body: body, headers: headers})
	if err != nil {
		return nil, err
	}

	resp := &models.ReplayResponse{Body: data}
	resp.Duplicate = strings.EqualFold(header.Get(common.ReplayedHeader), "true")
	if len(bytes.TrimSpace(data)) == 0 {
		return resp, nil
	}

	var rb replayBody
	if err := json.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("%s %s: decode response: %w", r.Method, r.Endpoint, err)
	}
	resp.ServerID = string(rb.ID)
	resp.Duplicate = resp.Duplicate || rb.Duplicate
	if len(rb.Data) > 0 {
		resp.Body = rb.Data
		if resp.ServerID == "" {
			var inner replayBody
			if json.Unmarshal(rb.Data, &inner) == nil {
				resp.ServerID = string(inner.ID)
			}
		}
	}
	return resp, nil
}

func (c *HTTPClient) Batch(ctx context.Context, r models.BatchRequest) (*models.BatchResponse, error) {
	if r.DeviceID == "" {
		r.DeviceID = c.device()
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	_, _, data, err := c.do(ctx, request{method: http.MethodPost, path: "/sync/batch", body: body})
	if err != nil {
		return nil, err
	}
	var resp models.BatchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("POST /sync/batch: decode response: %w", err)
	}
	return &resp, nil
}
