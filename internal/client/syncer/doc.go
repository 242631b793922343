// Package syncer keeps the local read model in step with the server.
//
// Coordinator asks the backend for the changes since the stored checkpoint
// (or for a full snapshot when there is none), applies them in a single
// storage transaction and only then stores the new checkpoint. A crash or
// error mid-apply leaves the old checkpoint in place, and the next attempt
// re-applies the same changes, which upsert and delete tolerate.
//
// Records with an unfinished queue item belong to the queue processor until
// that item completes; incoming changes for them are skipped.
package syncer
