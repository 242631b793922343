// Package client talks to the POS backend sync API.
//
// # Overview
//
// Client is the transport-agnostic contract used by the sync engine:
// device registration, a cheap health check, full and incremental
// snapshots, single intent replay and the optional batch endpoint.
// HTTPClient implements it over REST/JSON.
//
// # Error Handling
//
// Every failure is mapped onto the sentinels in package common so callers
// can switch on common.Classify:
//
//   - transport failures: common.ErrNetwork, or common.ErrTimeout when the
//     per-request deadline expired
//   - 408: common.ErrTimeout
//   - 409/412: common.ErrConflict (the server copy is kept in HTTPError.Data)
//   - 410 or an error code of SYNC_CHECKPOINT_INVALID / NO_PREVIOUS_SYNC:
//     common.ErrCheckpointInvalid
//   - 429 and 5xx: common.ErrServer
//   - other 4xx: common.ErrRejected
//
// # Idempotency
//
// Replay and batch operations carry the intent's idempotency key in the
// Idempotency-Key header (and in the body for batch). A response flagged as
// a replay of an earlier delivery is reported with Duplicate set and treated
// by callers as success.
package client
