// Package api serves the sync REST API over chi.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrijs2005/posync/internal/logging"
	"github.com/dmitrijs2005/posync/internal/server/services"
)

// SyncService is the service surface behind the routes.
type SyncService interface {
	Register(ctx context.Context, info services.DeviceInfo) (*services.RegisterResult, error)
	Full(ctx context.Context, collections []string) (*services.SyncResponse, error)
	Changes(ctx context.Context, since string, collections []string) (*services.SyncResponse, error)
	Apply(ctx context.Context, w services.Write) (*services.Outcome, error)
	Batch(ctx context.Context, req services.BatchRequest) *services.BatchResponse
}

// resources maps URL segments onto collections.
var resources = map[string]string{
	"categories":        services.CollectionCategories,
	"products":          services.CollectionProducts,
	"parties":           services.CollectionParties,
	"sales":             services.CollectionSales,
	"stock-adjustments": services.CollectionStockAdjustments,
}

type Server struct {
	svc       SyncService
	basePath  string
	secretKey []byte
	maxBody   int64
	log       logging.Logger
}

type Option func(*Server)

// WithBasePath mounts every route under p, e.g. "/api".
func WithBasePath(p string) Option {
	return func(s *Server) { s.basePath = p }
}

// WithSecretKey requires a device token on every route except health and
// register.
func WithSecretKey(key []byte) Option {
	return func(s *Server) { s.secretKey = key }
}

func WithMaxBody(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

func New(svc SyncService, log logging.Logger, opts ...Option) *Server {
	s := &Server{svc: svc, log: log.With("component", "api")}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.RequestID)
	root.Use(middleware.Recoverer)
	root.Use(s.logRequests)

	api := chi.NewRouter()
	api.Get("/sync/health", s.health)
	api.Post("/sync/register", s.register)

	api.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/sync/full", s.full)
		r.Get("/sync/changes", s.changes)
		r.Post("/sync/batch", s.batch)

		for segment, collection := range resources {
			r.Route("/"+segment, func(r chi.Router) {
				r.Post("/", s.write(collection, services.ActionCreate))
				r.Put("/{id}", s.write(collection, services.ActionUpdate))
				r.Delete("/{id}", s.write(collection, services.ActionDelete))
			})
		}
	})

	if s.basePath == "" || s.basePath == "/" {
		root.Mount("/", api)
	} else {
		root.Mount(s.basePath, api)
	}
	return root
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
	s.log.Info(ctx, "sync api listening", "addr", ln.Addr().String(), "base_path", s.basePath)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
