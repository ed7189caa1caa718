// ABOUTME: RunCoordinator: accepts triggers, enforces one active run per session key,
// ABOUTME: enqueues overflow, and drains queues into executor calls on completion.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/followup"
	"github.com/2389/loom-gateway/internal/idempotency"
	"github.com/2389/loom-gateway/internal/sessionstore"
)

// Run status values. Submit reports "accepted" for anything that will run;
// terminal statuses land on the run record and in the idempotency cache.
const (
	StatusAccepted  = "accepted"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
	StatusTimeout   = "timeout"
)

// ErrQueueFull is returned when a submit is refused under the "new" drop
// policy. The rejection is explicit, never a silent drop.
var ErrQueueFull = errors.New("rejected: queue full")

// ErrRunNotFound is returned for operations on an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// ValidationError describes a malformed trigger, rejected before any state
// change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trigger: %s: %s", e.Field, e.Reason)
}

// Result is what the executor produces for one call.
type Result struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Executor is the opaque agent capability. It must honor cancellation and is
// never invoked twice concurrently for the same session key by this
// coordinator.
type Executor interface {
	Execute(ctx context.Context, params followup.RunParams, prompt string) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, params followup.RunParams, prompt string) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, params followup.RunParams, prompt string) (Result, error) {
	return f(ctx, params, prompt)
}

// Options configures a Coordinator.
type Options struct {
	// StorePath is the session document this coordinator owns.
	StorePath string
	// Policy is the default queue policy for keys without overrides.
	Policy followup.Policy
	// PolicyFor, when set, supplies the base policy per session key and
	// originating route (e.g. per-channel configuration). Per-session
	// overrides from the store still apply on top.
	PolicyFor func(sessionKey string, route followup.Route) followup.Policy
	// IdleThreshold is how long a session entry may sit untouched before the
	// next run gets a fresh session id.
	IdleThreshold time.Duration
	// IdempotencyTTL and IdempotencyMaxEntries bound the retry cache.
	IdempotencyTTL        time.Duration
	IdempotencyMaxEntries int
}

// SubmitRequest is one inbound trigger asking for an agent turn.
type SubmitRequest struct {
	SessionKey     string
	Prompt         string
	IdempotencyKey string
	MessageID      string
	Route          followup.Route
	Params         followup.RunParams
}

// SubmitResult reports how a trigger was received.
type SubmitResult struct {
	RunID  string
	Status string
	Error  string
}

// WaitResult is the terminal view of a run.
type WaitResult struct {
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
	Error     string
}

// runRecord tracks one accepted trigger through its lifecycle.
type runRecord struct {
	id         string
	sessionKey string
	idemKey    string
	status     string
	startedAt  time.Time
	endedAt    time.Time
	errMsg     string
	text       string
	done       chan struct{}
}

// activeCall is the busy marker for a session key. No per-key lock is held
// while the executor call is outstanding; only this marker.
type activeCall struct {
	runIDs []string
	cancel context.CancelFunc
}

func (a *activeCall) has(runID string) bool {
	for _, id := range a.runIDs {
		if id == runID {
			return true
		}
	}
	return false
}

// Coordinator ties the session store, idempotency cache, and followup queues
// together around an injected executor.
type Coordinator struct {
	mu     sync.Mutex
	queues map[string]*followup.Queue
	active map[string]*activeCall
	runs   map[string]*runRecord

	// saveMu serializes the load-modify-save of the shared store document so
	// concurrently finishing keys never lose each other's updates.
	saveMu sync.Mutex

	exec   Executor
	store  *sessionstore.Store
	idem   *idempotency.Cache
	opts   Options
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Coordinator. The store is shared; the coordinator assumes it
// is the single writer process for opts.StorePath.
func New(exec Executor, store *sessionstore.Store, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy == (followup.Policy{}) {
		opts.Policy = followup.DefaultPolicy()
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 10 * time.Minute
	}
	if opts.IdempotencyMaxEntries <= 0 {
		opts.IdempotencyMaxEntries = 4096
	}

	c := &Coordinator{
		queues: make(map[string]*followup.Queue),
		active: make(map[string]*activeCall),
		runs:   make(map[string]*runRecord),
		exec:   exec,
		store:  store,
		idem:   idempotency.New(opts.IdempotencyTTL, opts.IdempotencyMaxEntries),
		opts:   opts,
		logger: logger.With("component", "coordinator"),
		done:   make(chan struct{}),
	}
	go c.sweepRecords()
	return c
}

// Close stops background work and cancels all in-flight executor calls.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, call := range c.active {
			if call.cancel != nil {
				call.cancel()
			}
		}
		c.mu.Unlock()
		c.idem.Close()
	})
}

// Submit accepts a trigger. If the session key is idle the executor is
// invoked immediately; otherwise the trigger joins the key's followup queue.
// A repeated submit with the same idempotency key returns the originally
// accepted run id (and, after completion, the terminal outcome) without a
// second executor call.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.SessionKey == "" {
		return SubmitResult{Status: StatusError}, &ValidationError{Field: "session_key", Reason: "required"}
	}
	if req.Prompt == "" {
		return SubmitResult{Status: StatusError}, &ValidationError{Field: "prompt", Reason: "required"}
	}

	// Resolve run parameters at schedule time: session overrides merged now
	// and frozen, so later patches never change an already-queued item.
	entries := c.store.Load(c.opts.StorePath)
	entry := entries[req.SessionKey]
	params := resolveParams(req.Params, entry)

	runID := uuid.New().String()
	run := &followup.Run{
		ID:         runID,
		Prompt:     req.Prompt,
		MessageID:  req.MessageID,
		Route:      req.Route,
		EnqueuedAt: time.Now(),
		Params:     params,
	}

	c.mu.Lock()

	if req.IdempotencyKey != "" {
		if outcome, ok := c.idem.Get(req.IdempotencyKey); ok {
			c.mu.Unlock()
			c.logger.Debug("duplicate submit absorbed",
				"session_key", req.SessionKey,
				"idempotency_key", req.IdempotencyKey,
				"run_id", outcome.RunID)
			return SubmitResult{RunID: outcome.RunID, Status: outcome.Status, Error: outcome.Error}, nil
		}
	}

	if _, busy := c.active[req.SessionKey]; !busy {
		rec := c.newRecordLocked(runID, req.SessionKey, req.IdempotencyKey, StatusRunning)
		c.active[req.SessionKey] = &activeCall{runIDs: []string{runID}}
		if req.IdempotencyKey != "" {
			c.idem.Put(req.IdempotencyKey, idempotency.Outcome{RunID: runID, Status: StatusAccepted})
		}
		c.mu.Unlock()

		batch := &followup.Batch{
			Runs:   []*followup.Run{run},
			Prompt: run.Prompt,
			Params: run.Params,
			Route:  run.Route,
		}
		go c.runSession(req.SessionKey, batch, []*runRecord{rec})
		return SubmitResult{RunID: runID, Status: StatusAccepted}, nil
	}

	q := c.queues[req.SessionKey]
	if q == nil {
		q = followup.NewQueue(c.policyFor(req.SessionKey, req.Route, entry))
		c.queues[req.SessionKey] = q
	}

	status, accepted := q.Enqueue(run)
	switch status {
	case followup.RejectedFull:
		if req.IdempotencyKey != "" {
			c.idem.Put(req.IdempotencyKey, idempotency.Outcome{
				RunID:  runID,
				Status: StatusRejected,
				Error:  ErrQueueFull.Error(),
			})
		}
		c.mu.Unlock()
		c.logger.Info("submit rejected, queue full",
			"session_key", req.SessionKey, "cap", q.Policy().Cap)
		return SubmitResult{RunID: runID, Status: StatusRejected, Error: ErrQueueFull.Error()}, ErrQueueFull

	case followup.Deduplicated:
		if req.IdempotencyKey != "" {
			c.idem.Put(req.IdempotencyKey, idempotency.Outcome{RunID: accepted.ID, Status: StatusAccepted})
		}
		c.mu.Unlock()
		c.logger.Debug("submit deduplicated onto queued run",
			"session_key", req.SessionKey, "run_id", accepted.ID)
		return SubmitResult{RunID: accepted.ID, Status: StatusAccepted}, nil
	}

	c.newRecordLocked(runID, req.SessionKey, req.IdempotencyKey, StatusQueued)
	if req.IdempotencyKey != "" {
		c.idem.Put(req.IdempotencyKey, idempotency.Outcome{RunID: runID, Status: StatusAccepted})
	}
	depth := q.Len()
	c.mu.Unlock()

	c.logger.Debug("trigger queued",
		"session_key", req.SessionKey, "run_id", runID, "depth", depth)
	return SubmitResult{RunID: runID, Status: StatusAccepted}, nil
}

// Depth returns the number of queued (not yet started) runs for a key.
func (c *Coordinator) Depth(sessionKey string) int {
	c.mu.Lock()
	q := c.queues[sessionKey]
	c.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.Len()
}

// Abort signals cancellation for a run. A running run has its executor
// context cancelled; a queued run is removed from its queue. Other queued
// items are unaffected. Returns false for unknown or already-finished runs.
func (c *Coordinator) Abort(runID string) bool {
	c.mu.Lock()
	rec, ok := c.runs[runID]
	if !ok {
		c.mu.Unlock()
		return false
	}

	switch rec.status {
	case StatusRunning:
		call := c.active[rec.sessionKey]
		if call == nil || !call.has(runID) || call.cancel == nil {
			c.mu.Unlock()
			return false
		}
		cancel := call.cancel
		c.mu.Unlock()
		cancel()
		return true

	case StatusQueued:
		q := c.queues[rec.sessionKey]
		if q == nil || !q.Remove(runID) {
			c.mu.Unlock()
			return false
		}
		c.finishRecordLocked(rec, StatusCancelled, "cancelled before start", "")
		c.mu.Unlock()
		return true

	default:
		c.mu.Unlock()
		return false
	}
}

// Wait blocks until the run reaches a terminal status or the timeout
// elapses. Runs unknown to this process are resolved from durable state, so
// a caller that did not originate the run can still observe its outcome.
func (c *Coordinator) Wait(ctx context.Context, runID string, timeout time.Duration) WaitResult {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	c.mu.Lock()
	rec := c.runs[runID]
	c.mu.Unlock()

	if rec != nil {
		select {
		case <-rec.done:
			return c.snapshot(rec)
		case <-deadline.C:
			return WaitResult{Status: StatusTimeout}
		case <-ctx.Done():
			return WaitResult{Status: StatusTimeout}
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		entries := c.store.Load(c.opts.StorePath)
		for _, entry := range entries {
			if entry.LastRunID == runID && entry.LastRunStatus != "" {
				return WaitResult{Status: entry.LastRunStatus, Error: entry.LastRunError}
			}
		}
		select {
		case <-deadline.C:
			return WaitResult{Status: StatusTimeout}
		case <-ctx.Done():
			return WaitResult{Status: StatusTimeout}
		case <-ticker.C:
		}
	}
}

// runSession executes the first batch for a key and then drains its queue
// until nothing remains. Exactly one runSession exists per busy key.
func (c *Coordinator) runSession(key string, first *followup.Batch, recs []*runRecord) {
	c.executeBatch(key, first, recs)
	c.drainLoop(key)
}

// drainLoop works through the key's queued runs. The queue's draining flag
// guards re-entrancy; teardown of the queue and the busy marker is atomic
// with the emptiness check so late arrivals are never stranded.
func (c *Coordinator) drainLoop(key string) {
	c.mu.Lock()
	q := c.queues[key]
	if q == nil {
		delete(c.active, key)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if !q.BeginDrain() {
		return
	}
	defer q.EndDrain()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.waitDebounce(q)

		batch := q.NextBatch()
		if batch == nil {
			c.mu.Lock()
			if q.Drained() {
				delete(c.queues, key)
				delete(c.active, key)
				c.mu.Unlock()
				c.logger.Debug("session idle", "session_key", key)
				return
			}
			c.mu.Unlock()
			continue
		}

		c.executeBatch(key, batch, c.recordsFor(key, batch))
	}
}

// waitDebounce sleeps until the configured quiet period after the last
// enqueue has passed, re-checking when new items arrive mid-wait. No drain
// fires before lastEnqueuedAt+debounce.
func (c *Coordinator) waitDebounce(q *followup.Queue) {
	debounce := q.Policy().Debounce
	if debounce <= 0 {
		return
	}
	for {
		last := q.LastEnqueuedAt()
		if last.IsZero() {
			return
		}
		remaining := debounce - time.Since(last)
		if remaining <= 0 {
			return
		}
		timer := time.NewTimer(remaining)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// recordsFor returns the run records behind a batch, synthesizing one for a
// summary-only turn.
func (c *Coordinator) recordsFor(key string, batch *followup.Batch) []*runRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	if batch.SummaryOnly {
		rec := c.newRecordLocked(uuid.New().String(), key, "", StatusQueued)
		return []*runRecord{rec}
	}

	recs := make([]*runRecord, 0, len(batch.Runs))
	for _, run := range batch.Runs {
		if rec, ok := c.runs[run.ID]; ok {
			recs = append(recs, rec)
		}
	}
	return recs
}

// executeBatch performs one executor call for a key and records the outcome.
// The coordinator lock is never held across the call; the busy marker alone
// keeps the key serialized.
func (c *Coordinator) executeBatch(key string, batch *followup.Batch, recs []*runRecord) {
	if len(recs) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	runIDs := make([]string, len(recs))
	for i, rec := range recs {
		runIDs[i] = rec.id
	}

	c.mu.Lock()
	c.active[key] = &activeCall{runIDs: runIDs, cancel: cancel}
	for _, rec := range recs {
		rec.status = StatusRunning
		rec.startedAt = now
	}
	c.mu.Unlock()

	// Session id resolves at execution time: a stale or missing entry rolls
	// exactly one fresh id even with several runs queued behind it.
	entries := c.store.Load(c.opts.StorePath)
	entry := entries[key]
	sessionID := entry.SessionID
	if sessionID == "" || entry.Stale(c.opts.IdleThreshold, now) {
		sessionID = uuid.New().String()
		c.logger.Debug("issuing fresh session id",
			"session_key", key, "stale", entry.SessionID != "")
	}

	params := batch.Params
	params.SessionID = sessionID

	c.logger.Debug("executing run",
		"session_key", key, "run_ids", runIDs, "merged", len(recs) > 1)

	result, execErr := c.exec.Execute(ctx, params, batch.Prompt)

	status := StatusOK
	errMsg := ""
	if execErr != nil {
		status = StatusError
		errMsg = execErr.Error()
		if ctx.Err() != nil {
			status = StatusCancelled
		}
		c.logger.Warn("executor call failed",
			"session_key", key, "run_ids", runIDs, "status", status, "error", execErr)
	}

	lastRunID := runIDs[len(runIDs)-1]
	c.persistOutcome(key, sessionID, batch, result, lastRunID, status, errMsg)

	c.mu.Lock()
	for _, rec := range recs {
		c.finishRecordLocked(rec, status, errMsg, result.Text)
	}
	c.mu.Unlock()
}

// persistOutcome applies the completed run's mutations to the session entry.
// Save failures are logged, not fatal: a lost mutation is acceptable, a
// corrupted file is not.
func (c *Coordinator) persistOutcome(key, sessionID string, batch *followup.Batch, result Result, lastRunID, status, errMsg string) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	entries := c.store.Load(c.opts.StorePath)
	entry := entries[key]

	entry.SessionID = sessionID
	if !batch.Params.Synthetic {
		entry.UpdatedAt = time.Now().UnixMilli()
	}
	if batch.Route.Channel != "" {
		entry.LastChannel = batch.Route.Channel
		entry.LastTo = batch.Route.To
	}
	entry.InputTokens += result.InputTokens
	entry.OutputTokens += result.OutputTokens
	entry.LastRunID = lastRunID
	entry.LastRunStatus = status
	entry.LastRunError = errMsg
	entries[key] = entry

	if err := c.store.Save(c.opts.StorePath, entries); err != nil {
		c.logger.Warn("failed to persist session entry",
			"session_key", key, "error", err)
	}
}

// policyFor computes the effective queue policy for a key: channel base
// policy, then per-session overrides from the store entry. Loose override
// strings are normalized here, at the configuration edge of the queue.
func (c *Coordinator) policyFor(key string, route followup.Route, entry sessionstore.Entry) followup.Policy {
	policy := c.opts.Policy
	if c.opts.PolicyFor != nil {
		policy = c.opts.PolicyFor(key, route)
	}

	if entry.QueueMode != "" {
		if mode, err := followup.ParseMode(entry.QueueMode); err == nil {
			policy.Mode = mode
		} else {
			c.logger.Warn("ignoring bad queue mode override", "session_key", key, "value", entry.QueueMode)
		}
	}
	if entry.QueueDebounceMs != nil {
		policy.Debounce = time.Duration(*entry.QueueDebounceMs) * time.Millisecond
	}
	if entry.QueueCap != nil {
		policy.Cap = *entry.QueueCap
	}
	if entry.QueueDrop != "" {
		if drop, err := followup.ParseDropPolicy(entry.QueueDrop); err == nil {
			policy.Drop = drop
		} else {
			c.logger.Warn("ignoring bad drop policy override", "session_key", key, "value", entry.QueueDrop)
		}
	}
	return policy
}

// newRecordLocked registers a run record. Must be called with mu held.
func (c *Coordinator) newRecordLocked(runID, key, idemKey, status string) *runRecord {
	rec := &runRecord{
		id:         runID,
		sessionKey: key,
		idemKey:    idemKey,
		status:     status,
		done:       make(chan struct{}),
	}
	c.runs[runID] = rec
	return rec
}

// finishRecordLocked moves a record to a terminal status exactly once and
// completes its idempotency entry. Must be called with mu held.
func (c *Coordinator) finishRecordLocked(rec *runRecord, status, errMsg, text string) {
	select {
	case <-rec.done:
		return
	default:
	}
	rec.status = status
	rec.errMsg = errMsg
	rec.text = text
	rec.endedAt = time.Now()
	close(rec.done)

	if rec.idemKey != "" {
		c.idem.Complete(rec.idemKey, status, errMsg)
	}
}

// snapshot copies a record's terminal view under the lock.
func (c *Coordinator) snapshot(rec *runRecord) WaitResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WaitResult{
		Status:    rec.status,
		StartedAt: rec.startedAt,
		EndedAt:   rec.endedAt,
		Error:     rec.errMsg,
	}
}

// sweepRecords prunes finished run records an hour after completion so the
// registry does not grow without bound.
func (c *Coordinator) sweepRecords() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			c.mu.Lock()
			for id, rec := range c.runs {
				if !rec.endedAt.IsZero() && rec.endedAt.Before(cutoff) {
					delete(c.runs, id)
				}
			}
			c.mu.Unlock()
		}
	}
}

// resolveParams merges explicit trigger params with per-session overrides.
func resolveParams(params followup.RunParams, entry sessionstore.Entry) followup.RunParams {
	if params.Model == "" {
		params.Model = entry.Model
	}
	if params.ThinkingLevel == "" {
		params.ThinkingLevel = entry.ThinkingLevel
	}
	if params.VerboseLevel == "" {
		params.VerboseLevel = entry.VerboseLevel
	}
	if params.ReasoningLevel == "" {
		params.ReasoningLevel = entry.ReasoningLevel
	}
	return params
}
