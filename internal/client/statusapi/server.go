// Package statusapi exposes the sync state and the queue controls on a
// local HTTP port for the till UI.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrijs2005/posync/internal/client/conflict"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/orchestrator"
	"github.com/dmitrijs2005/posync/internal/client/queue"
	"github.com/dmitrijs2005/posync/internal/client/syncer"
	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/logging"
)

// Controller is the orchestrator surface used by the API.
type Controller interface {
	Snapshot() orchestrator.StateSnapshot
	TriggerSync(ctx context.Context) (syncer.Result, error)
	TriggerDrain(ctx context.Context) (queue.DrainResult, error)
	Refresh(ctx context.Context)
}

// QueueAdmin is the queue administration surface.
type QueueAdmin interface {
	List(ctx context.Context, status models.QueueStatus) ([]*models.QueueItem, error)
	Get(ctx context.Context, id int64) (*models.QueueItem, error)
	Retry(ctx context.Context, id int64) (*models.QueueItem, error)
	Discard(ctx context.Context, id int64) error
	Resolve(ctx context.Context, id int64, strategy conflict.Strategy, merged json.RawMessage) (*models.QueueItem, error)
}

type Server struct {
	ctl   Controller
	queue QueueAdmin
	log   logging.Logger
}

func New(ctl Controller, q QueueAdmin, log logging.Logger) *Server {
	return &Server{ctl: ctl, queue: q, log: log.With("component", "statusapi")}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.status)
	r.Post("/sync", s.sync)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", s.listQueue)
		r.Post("/drain", s.drain)
		r.Get("/{id}", s.getItem)
		r.Delete("/{id}", s.discard)
		r.Post("/{id}/retry", s.retry)
		r.Post("/{id}/resolve", s.resolve)
	})
	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info(ctx, "status api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	if k := common.Classify(err); k != common.KindUnknown {
		resp.Kind = k.String()
	}
	writeJSON(w, status, resp)
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case queue.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrNotRetryable),
		errors.Is(err, queue.ErrNotInConflict),
		errors.Is(err, queue.ErrItemInFlight):
		return http.StatusConflict
	case errors.Is(err, conflict.ErrUnknownStrategy),
		errors.Is(err, queue.ErrMergeNeedsBody),
		errors.Is(err, models.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch common.Classify(err) {
	case common.KindNetwork, common.KindTimeout, common.KindServer, common.KindConflict, common.KindRejected, common.KindNotFound:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctl.TriggerSync(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctl.TriggerDrain(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	status := models.QueueStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed, models.StatusConflict:
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown status "+strconv.Quote(string(status))))
		return
	}

	items, err := s.queue.List(r.Context(), status)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if items == nil {
		items = []*models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid queue item id"))
		return 0, false
	}
	return id, true
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	item, err := s.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	item, err := s.queue.Retry(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.ctl.Refresh(r.Context())
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) discard(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Discard(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.ctl.Refresh(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type resolveRequest struct {
	Strategy string          `json:"strategy"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	strategy, err := conflict.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	item, err := s.queue.Resolve(r.Context(), id, strategy, req.Payload)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.ctl.Refresh(r.Context())
	writeJSON(w, http.StatusOK, item)
}
