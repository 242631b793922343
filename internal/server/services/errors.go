package services

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error codes returned in the error body.
const (
	CodeCheckpointInvalid = "SYNC_CHECKPOINT_INVALID"
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeUnprocessable     = "UNPROCESSABLE"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInternal          = "INTERNAL"
)

// Error is a failure that maps onto an HTTP answer.
type Error struct {
	Status  int
	Code    string
	Message string
	// Data is the server copy of the record on a conflict.
	Data json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var ErrCheckpointInvalid = &Error{
	Status:  http.StatusGone,
	Code:    CodeCheckpointInvalid,
	Message: "checkpoint is not recognized, a full sync is required",
}

func validationError(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(collection, id string) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", collection, id)}
}

func unprocessableError(format string, args ...any) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Code: CodeUnprocessable, Message: fmt.Sprintf(format, args...)}
}

func conflictError(server json.RawMessage) *Error {
	return &Error{
		Status:  http.StatusConflict,
		Code:    CodeConflict,
		Message: "record was changed on the server after the client last synced it",
		Data:    server,
	}
}
