// Package followup implements the per-session-key pending-work queue: queue
// modes, overflow drop policies, de-duplication, debounce bookkeeping, and
// batching of queued runs into executor-sized units of work.
package followup
