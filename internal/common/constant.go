// Package common contains the header names and the error taxonomy shared by
// the remote client, the reference server, the storage engines and the sync
// components.
package common

const (
	// IdempotencyKeyHeader carries the queue item's idempotency key on replay.
	IdempotencyKeyHeader = "Idempotency-Key"

	// DeviceIDHeader identifies the registered device on every request.
	DeviceIDHeader = "X-Device-ID"

	// ConflictResolutionHeader asks the server to overwrite its copy.
	ConflictResolutionHeader = "X-Conflict-Resolution"

	// ReplayedHeader is set to "true" on the stored answer to a repeated key.
	ReplayedHeader = "Idempotent-Replayed"

	// ClientWins is the ConflictResolutionHeader value that forces a write.
	ClientWins = "client_wins"
)
