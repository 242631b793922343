package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/netx"
)

// Server error codes with a dedicated meaning.
const (
	CodeCheckpointInvalid = "SYNC_CHECKPOINT_INVALID"
	CodeNoPreviousSync    = "NO_PREVIOUS_SYNC"
	CodeNotFound          = "NOT_FOUND"
)

// HTTPError is a non-2xx answer of the API. It unwraps to the taxonomy
// sentinel matching its status.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
	Data       json.RawMessage
	kind       error
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, msg)
}

func (e *HTTPError) Unwrap() error { return e.kind }

type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// StatusError builds the error for a non-2xx answer with the given body.
func StatusError(method, path string, status int, body []byte) error {
	e := &HTTPError{Method: method, Path: path, StatusCode: status}

	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		e.Code = strings.ToUpper(eb.Code)
		e.Message = eb.Message
		if e.Message == "" {
			e.Message = eb.Error
		}
		e.Data = eb.Data
	}

	switch {
	case e.Code == CodeCheckpointInvalid || e.Code == CodeNoPreviousSync || status == http.StatusGone:
		e.kind = common.ErrCheckpointInvalid
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		e.kind = common.ErrConflict
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.kind = common.ErrTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		e.kind = common.ErrServer
	case status == http.StatusNotFound:
		e.kind = common.ErrRemoteNotFound
	default:
		e.kind = common.ErrRejected
	}
	return e
}

// mapError converts a transport error into the taxonomy. Cancellation by
// the caller is returned unchanged.
func mapError(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == context.Canceled {
		return err
	}
	if netx.IsTimeout(err) {
		return fmt.Errorf("%w: %w", common.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", common.ErrNetwork, err)
}

// ServerCopy returns the server's current record attached to a conflict.
func ServerCopy(err error) json.RawMessage {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Data
	}
	return nil
}
