// Package idempotency provides short-lived de-duplication of retried submit
// requests, caching each operation's accepted run id and final outcome for a
// configurable window. Process lifetime only; the durable session store, not
// this cache, is the source of truth across restarts.
package idempotency
