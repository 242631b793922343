package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/server/auth"
	"github.com/dmitrijs2005/posync/internal/server/services"
)

type ctxKey int

const deviceKey ctxKey = iota

// deviceID returns the authenticated device, or the X-Device-ID header when
// authentication is off.
func deviceID(r *http.Request) string {
	if id, ok := r.Context().Value(deviceKey).(string); ok {
		return id
	}
	return r.Header.Get(common.DeviceIDHeader)
}

func unauthorized(msg string) *services.Error {
	return &services.Error{Status: http.StatusUnauthorized, Code: services.CodeUnauthorized, Message: msg}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.secretKey) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.writeError(w, r, unauthorized("missing bearer token"))
			return
		}
		id, err := auth.DeviceIDFromToken(token, s.secretKey)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "token expired"
			}
			s.writeError(w, r, unauthorized(msg))
			return
		}
		if h := r.Header.Get(common.DeviceIDHeader); h != "" && h != id {
			s.writeError(w, r, &services.Error{
				Status:  http.StatusForbidden,
				Code:    services.CodeUnauthorized,
				Message: "token was issued to another device",
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey, id)))
	})
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
			"device", r.Header.Get(common.DeviceIDHeader),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
