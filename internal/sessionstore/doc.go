// Package sessionstore persists per-session-key records as a single
// human-readable JSON document, replaced atomically on every save, with a
// bounded-staleness read cache keyed by path.
package sessionstore
