package common

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Remote errors.
	ErrNetwork           = errors.New("network error")
	ErrOffline           = errors.New("offline")
	ErrTimeout           = errors.New("timeout")
	ErrConflict          = errors.New("conflict")
	ErrCheckpointInvalid = errors.New("sync checkpoint invalid")
	ErrServer            = errors.New("server error")
	ErrRejected          = errors.New("request rejected")
	ErrRemoteNotFound    = errors.New("record not found on server")

	// Local persistence errors.
	ErrStorage       = errors.New("storage error")
	ErrorNotFound    = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// StorageError wraps a local persistence failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// WrapStorage returns nil for a nil err, err itself for not-found and
// already-exists outcomes and a *StorageError otherwise.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrorNotFound) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ErrorKind is the classification a write attempt or a replay is switched on.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindOffline
	KindNetwork
	KindTimeout
	KindServer
	KindConflict
	KindRejected
	KindCheckpointInvalid
	KindStorage
	KindCanceled
	KindNotFound
	// KindPending marks a write queued behind an earlier intent for the
	// same record without being attempted.
	KindPending
	KindUnknown
)

var kindNames = map[ErrorKind]string{
	KindNone:              "none",
	KindOffline:           "offline",
	KindNetwork:           "network",
	KindTimeout:           "timeout",
	KindServer:            "server",
	KindConflict:          "conflict",
	KindRejected:          "rejected",
	KindCheckpointInvalid: "checkpoint_invalid",
	KindStorage:           "storage",
	KindCanceled:          "canceled",
	KindNotFound:          "not_found",
	KindPending:           "pending",
	KindUnknown:           "unknown",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Transient reports whether a retry may succeed without any change.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindOffline, KindNetwork, KindTimeout, KindServer:
		return true
	}
	return false
}

// OfflineCaused reports whether a direct write should fall back to the queue.
func (k ErrorKind) OfflineCaused() bool {
	return k.Transient()
}

// Classify maps err onto the taxonomy. Order matters: a timeout wrapped in a
// network error is still a timeout.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrOffline):
		return KindOffline
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrCheckpointInvalid):
		return KindCheckpointInvalid
	case errors.Is(err, ErrServer):
		return KindServer
	case errors.Is(err, ErrRemoteNotFound):
		return KindNotFound
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}
