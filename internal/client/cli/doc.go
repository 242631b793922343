// Package cli provides the interactive till console.
//
// It drives the same orchestrator, queue and write services as the status
// API: inspect the sync state, trigger a sync or a drain, administer queue
// items (retry, discard, resolve conflicts), reset the checkpoint, run the
// document store to SQLite migration and record sales, stock adjustments and
// parties from the keyboard.
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
// See runREPL for the command set.
package cli
