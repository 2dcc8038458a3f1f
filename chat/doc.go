// Package chat contains the hybrid message ingestion core.
//
// Two ingestion strategies feed a single Sink:
//   - PushIngestor: holds a real-time gateway subscription and forwards
//     monitored messages as they arrive.
//   - PullIngestor: periodically fetches each monitored channel after a
//     persisted cursor, in batches, with retries and backoff.
//
// ModeArbiter decides which strategy should run from the number of live
// client sessions, with a debounce so short flaps do not toggle the
// upstream connection. Orchestrator wires the three together and reports
// health and stats.
//
// Delivery is at-least-once. Sinks must treat ExternalID as an idempotency
// key.
package chat
