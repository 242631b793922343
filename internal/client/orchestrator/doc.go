// Package orchestrator is the facade the rest of the application talks to.
//
// It owns the sync state (online flag, activity, queue counters, last sync
// time, last error) as its only writer and publishes immutable snapshots to
// subscribers. It schedules the queue drain and the incremental sync on
// timers and on the online edge, and collapses concurrent triggers of the
// same task into one run.
package orchestrator
