// Package coordinator serializes concurrently-arriving triggers into
// at-most-one-active-run per session key. Triggers for an idle key invoke the
// executor immediately; triggers for a busy key enter its followup queue and
// are drained, possibly merged, when the active run completes. All state is
// owned by a Coordinator instance so independent coordinators never share
// queues or caches.
package coordinator
