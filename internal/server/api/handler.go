package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/netx"
	"github.com/dmitrijs2005/posync/internal/server/services"
	"github.com/dmitrijs2005/posync/internal/shared"
)

type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *services.Error
	if !errors.As(err, &se) {
		s.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
		se = &services.Error{Status: http.StatusInternalServerError, Code: services.CodeInternal, Message: "internal error"}
	}
	writeJSON(w, se.Status, errorBody{Code: se.Code, Message: se.Message, Error: se.Message, Data: se.Data})
}

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	b, err := netx.ReadBody(r.Body, s.maxBody)
	if errors.Is(err, netx.ErrBodyTooLarge) {
		return nil, &services.Error{Status: http.StatusRequestEntityTooLarge, Code: services.CodeValidation, Message: err.Error()}
	}
	return b, err
}

func (s *Server) decode(r *http.Request, v any) error {
	b, err := s.readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return &services.Error{Status: http.StatusBadRequest, Code: services.CodeValidation, Message: "malformed JSON body"}
	}
	return nil
}

func entities(r *http.Request) []string {
	return shared.SplitList(r.URL.Query().Get("entities"))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var info services.DeviceInfo
	if err := s.decode(r, &info); err != nil {
		s.writeError(w, r, err)
		return
	}
	if info.DeviceID == "" {
		info.DeviceID = r.Header.Get(common.DeviceIDHeader)
	}

	res, err := s.svc.Register(r.Context(), info)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) full(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Full(r.Context(), entities(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Changes(r.Context(), r.URL.Query().Get("since"), entities(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	var req services.BatchRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if id := deviceID(r); id != "" {
		req.DeviceID = id
	}
	writeJSON(w, http.StatusOK, s.svc.Batch(r.Context(), req))
}

func (s *Server) write(collection string, action services.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if action != services.ActionDelete {
			var err error
			if body, err = s.readBody(r); err != nil {
				s.writeError(w, r, err)
				return
			}
		}

		out, err := s.svc.Apply(r.Context(), services.Write{
			Key:        r.Header.Get(common.IdempotencyKeyHeader),
			DeviceID:   deviceID(r),
			Collection: collection,
			Action:     action,
			ID:         chi.URLParam(r, "id"),
			Data:       body,
			Force:      r.Header.Get(common.ConflictResolutionHeader) == common.ClientWins,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if out.Replayed {
			w.Header().Set(common.ReplayedHeader, "true")
		}
		resp, err := out.Body()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if resp == nil {
			w.WriteHeader(out.Status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(out.Status)
		_, _ = w.Write(resp)
	}
}
