// Package queue drains the durable operation queue against the backend.
//
// # Overview
//
// Processor replays queued intents in creation order, one entity record at
// a time: an item is only attempted once every earlier item for the same
// record has completed. Items waiting out their backoff are skipped without
// holding up other records.
//
// # Outcomes
//
//   - success: the local record is reconciled (temp id to server id) and
//     the item completes in the same transaction
//   - transient failure (network, timeout, 5xx): attempts grows; the item
//     returns to pending until MaxAttempts, then fails
//   - conflict: the item is parked in conflict with the server copy; the
//     configured strategy is applied when it is automatic
//   - rejection: the item fails without retry
//
// A drain stops early when the monitor reports the link went down. Items
// left in processing by a crash are moved back to pending by Reclaim.
package queue
