// ABOUTME: Tests for the run coordinator: serialization, idempotency, dedupe,
// ABOUTME: drop policies, collect merging, debounce, abort, and durable wait.

package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/followup"
	"github.com/2389/loom-gateway/internal/sessionstore"
)

const testKey = "agent:main:main"

type execCall struct {
	Params followup.RunParams
	Prompt string
}

// fakeExec is a controllable executor: prompts matching gatePrefix block
// until the gate opens, prompts matching failPrefix return an error.
type fakeExec struct {
	mu         sync.Mutex
	calls      []execCall
	gate       chan struct{}
	gatePrefix string
	failPrefix string
	result     Result
}

func newFakeExec() *fakeExec {
	return &fakeExec{result: Result{Text: "done", InputTokens: 10, OutputTokens: 20}}
}

func (f *fakeExec) Execute(ctx context.Context, params followup.RunParams, prompt string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{Params: params, Prompt: prompt})
	gate, gatePrefix, failPrefix, result := f.gate, f.gatePrefix, f.failPrefix, f.result
	f.mu.Unlock()

	if gate != nil && (gatePrefix == "" || strings.HasPrefix(prompt, gatePrefix)) {
		select {
		case <-gate:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if failPrefix != "" && strings.HasPrefix(prompt, failPrefix) {
		return Result{}, errors.New("boom")
	}
	return result, nil
}

func (f *fakeExec) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, call := range f.calls {
		out[i] = call.Prompt
	}
	return out
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExec) lastParams() followup.RunParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1].Params
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, exec Executor, policy followup.Policy) (*Coordinator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := sessionstore.New(testLogger(), sessionstore.Options{Freshness: time.Hour})
	c := New(exec, store, testLogger(), Options{
		StorePath:     path,
		Policy:        policy,
		IdleThreshold: time.Hour,
	})
	t.Cleanup(c.Close)
	return c, path
}

func followupPolicy() followup.Policy {
	return followup.Policy{
		Mode:     followup.ModeFollowup,
		Debounce: 0,
		Cap:      20,
		Drop:     followup.DropSummarize,
		Dedupe:   followup.DedupeMessageID,
	}
}

func submit(t *testing.T, c *Coordinator, req SubmitRequest) SubmitResult {
	t.Helper()
	res, err := c.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	return res
}

func waitOK(t *testing.T, c *Coordinator, runID string) WaitResult {
	t.Helper()
	res := c.Wait(context.Background(), runID, 5*time.Second)
	require.Equal(t, StatusOK, res.Status, "run %s: %s", runID, res.Error)
	return res
}

func TestSubmit_Validation(t *testing.T) {
	exec := newFakeExec()
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	var vErr *ValidationError

	_, err := c.Submit(context.Background(), SubmitRequest{Prompt: "hi"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "session_key", vErr.Field)

	_, err = c.Submit(context.Background(), SubmitRequest{SessionKey: testKey})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "prompt", vErr.Field)

	assert.Equal(t, 0, exec.count(), "validation failures must not reach the executor")
}

func TestSubmit_IdleKeyExecutesImmediately(t *testing.T) {
	exec := newFakeExec()
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	res := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "hello"})
	waitOK(t, c, res.RunID)

	assert.Equal(t, []string{"hello"}, exec.prompts())
	assert.Equal(t, 0, c.Depth(testKey))
}

func TestSubmit_SerializedInArrivalOrder(t *testing.T) {
	// Debounce 0, mode followup: every accepted submit produces exactly one
	// executor call, in arrival order.
	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "first"
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "first"})
	a := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "a"})
	b := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "b"})
	cc := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "c"})

	assert.Equal(t, 3, c.Depth(testKey))
	close(exec.gate)

	waitOK(t, c, first.RunID)
	waitOK(t, c, a.RunID)
	waitOK(t, c, b.RunID)
	waitOK(t, c, cc.RunID)

	assert.Equal(t, []string{"first", "a", "b", "c"}, exec.prompts())
	assert.Equal(t, 0, c.Depth(testKey))
}

func TestSubmit_IdempotentRetryWhileBusy(t *testing.T) {
	exec := newFakeExec()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	req := SubmitRequest{SessionKey: testKey, Prompt: "work", IdempotencyKey: "op-1"}
	first := submit(t, c, req)
	retry := submit(t, c, req)

	assert.Equal(t, first.RunID, retry.RunID, "retry must observe the same accepted run id")
	assert.Equal(t, 0, c.Depth(testKey), "retry must not enqueue a second item")

	close(exec.gate)
	waitOK(t, c, first.RunID)
	assert.Equal(t, 1, exec.count(), "only one executor call for the retried submit")

	// A late retry after completion observes the terminal outcome.
	late, err := c.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, late.RunID)
	assert.Equal(t, StatusOK, late.Status)
	assert.Equal(t, 1, exec.count())
}

func TestSubmit_MessageIDDedupeWhileBusy(t *testing.T) {
	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "first"
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	route := followup.Route{Channel: "telegram", To: "100"}
	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "first"})

	one := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "hello", MessageID: "m1", Route: route})
	two := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "hello again", MessageID: "m1", Route: route})

	assert.Equal(t, one.RunID, two.RunID, "identical message id and route collapse onto one queued item")
	assert.Equal(t, 1, c.Depth(testKey))

	close(exec.gate)
	waitOK(t, c, first.RunID)
	waitOK(t, c, one.RunID)
	assert.Equal(t, 2, exec.count())
}

func TestSubmit_DropNewRejectsAtCap(t *testing.T) {
	policy := followupPolicy()
	policy.Cap = 2
	policy.Drop = followup.DropNew

	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "first"
	c, _ := newTestCoordinator(t, exec, policy)

	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "first"})
	submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "q1"})
	submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "q2"})

	res, err := c.Submit(context.Background(), SubmitRequest{SessionKey: testKey, Prompt: "q3"})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, 2, c.Depth(testKey), "queue length unchanged by the rejected item")

	close(exec.gate)
	waitOK(t, c, first.RunID)
	c.Wait(context.Background(), res.RunID, 100*time.Millisecond)
	assert.NotContains(t, exec.prompts(), "q3")
}

func TestSubmit_DropOldEvictsOldest(t *testing.T) {
	policy := followupPolicy()
	policy.Cap = 2
	policy.Drop = followup.DropOld

	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "first"
	c, _ := newTestCoordinator(t, exec, policy)

	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "first"})
	submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "q1"})
	q2 := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "q2"})
	q3 := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "q3"})

	assert.Equal(t, 2, c.Depth(testKey))

	close(exec.gate)
	waitOK(t, c, first.RunID)
	waitOK(t, c, q2.RunID)
	waitOK(t, c, q3.RunID)

	prompts := exec.prompts()
	assert.NotContains(t, prompts, "q1", "the evicted item never reaches the executor")
	assert.Contains(t, prompts, "q2")
	assert.Contains(t, prompts, "q3")
}

func TestSubmit_DropSummarizeSurfacesEvictedPrompts(t *testing.T) {
	policy := followupPolicy()
	policy.Cap = 2
	policy.Drop = followup.DropSummarize

	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "first"
	c, _ := newTestCoordinator(t, exec, policy)

	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "first"})
	submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "the dropped message"})
	submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "q2"})
	q3 := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "q3"}) // evicts "the dropped message"

	close(exec.gate)
	waitOK(t, c, first.RunID)
	waitOK(t, c, q3.RunID)

	joined := strings.Join(exec.prompts(), "\n===\n")
	assert.Contains(t, joined, "dropped due to queue overflow")
	assert.Contains(t, joined, "the dropped message")
}

func TestSubmit_CollectMergesBurst(t *testing.T) {
	// mode=collect, cap=20, debounce=50ms: a burst queued behind an active
	// run drains as exactly one merged executor call in arrival order.
	policy := followup.Policy{
		Mode:     followup.ModeCollect,
		Debounce: 50 * time.Millisecond,
		Cap:      20,
		Drop:     followup.DropSummarize,
		Dedupe:   followup.DedupeMessageID,
	}

	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "first"
	c, _ := newTestCoordinator(t, exec, policy)

	route := followup.Route{Channel: "telegram", To: "100"}
	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "first", Route: route})
	a := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "A", Route: route})
	b := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "B", Route: route})
	cc := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "C", Route: route})

	close(exec.gate)
	waitOK(t, c, first.RunID)
	waitOK(t, c, a.RunID)
	waitOK(t, c, b.RunID)
	waitOK(t, c, cc.RunID)

	prompts := exec.prompts()
	require.Len(t, prompts, 2, "burst must drain as one merged call")
	merged := prompts[1]
	ia := strings.Index(merged, "A")
	ib := strings.Index(merged, "B")
	ic := strings.Index(merged, "C")
	assert.True(t, ia >= 0 && ia < ib && ib < ic, "merged prompt %q not in arrival order", merged)
}

func TestSubmit_CollectSplitsAcrossRoutes(t *testing.T) {
	policy := followupPolicy()
	policy.Mode = followup.ModeCollect

	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "first"
	c, _ := newTestCoordinator(t, exec, policy)

	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "first"})
	a := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "A", Route: followup.Route{Channel: "telegram", To: "100"}})
	b := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "B", Route: followup.Route{Channel: "discord", To: "c9"}})

	close(exec.gate)
	waitOK(t, c, first.RunID)
	waitOK(t, c, a.RunID)
	waitOK(t, c, b.RunID)

	assert.Equal(t, []string{"first", "A", "B"}, exec.prompts(),
		"items from different routes drain as separate calls")
}

func TestSubmit_ExecutorFailureDoesNotStopDrain(t *testing.T) {
	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "first"
	exec.failPrefix = "fail"
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "first"})
	bad := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "fail-this"})
	good := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "okay"})

	close(exec.gate)
	waitOK(t, c, first.RunID)

	badRes := c.Wait(context.Background(), bad.RunID, 5*time.Second)
	assert.Equal(t, StatusError, badRes.Status)
	assert.Contains(t, badRes.Error, "boom")

	waitOK(t, c, good.RunID)
	assert.Equal(t, 3, exec.count())
}

func TestSubmit_UnrelatedKeysRunInParallel(t *testing.T) {
	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "slow"
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	blocked := submit(t, c, SubmitRequest{SessionKey: "agent:main:main", Prompt: "slow work"})
	other := submit(t, c, SubmitRequest{SessionKey: "agent:ops:main", Prompt: "quick"})

	// The unrelated key completes while the first is still blocked.
	waitOK(t, c, other.RunID)

	close(exec.gate)
	waitOK(t, c, blocked.RunID)
}

func TestWait_Timeout(t *testing.T) {
	exec := newFakeExec()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	res := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "blocked"})

	got := c.Wait(context.Background(), res.RunID, 50*time.Millisecond)
	assert.Equal(t, StatusTimeout, got.Status)

	close(exec.gate)
	waitOK(t, c, res.RunID)
}

func TestWait_UnknownRunFromDurableState(t *testing.T) {
	exec := newFakeExec()
	c1, path := newTestCoordinator(t, exec, followupPolicy())

	res := submit(t, c1, SubmitRequest{SessionKey: testKey, Prompt: "hello"})
	waitOK(t, c1, res.RunID)

	// A second coordinator over the same store path never saw this run
	// in-memory; it must resolve the status from durable state.
	store := sessionstore.New(testLogger(), sessionstore.Options{DisableCache: true})
	c2 := New(newFakeExec(), store, testLogger(), Options{StorePath: path, Policy: followupPolicy()})
	t.Cleanup(c2.Close)

	got := c2.Wait(context.Background(), res.RunID, 2*time.Second)
	assert.Equal(t, StatusOK, got.Status)
}

func TestWait_UnknownRunTimesOut(t *testing.T) {
	exec := newFakeExec()
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	got := c.Wait(context.Background(), "no-such-run", 150*time.Millisecond)
	assert.Equal(t, StatusTimeout, got.Status)
}

func TestAbort_RunningRun(t *testing.T) {
	exec := newFakeExec()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	res := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "long running"})

	// Give the executor goroutine a moment to start the call.
	require.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, c.Abort(res.RunID))

	got := c.Wait(context.Background(), res.RunID, 5*time.Second)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestAbort_QueuedRunLeavesOthersAlone(t *testing.T) {
	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "first"
	c, _ := newTestCoordinator(t, exec, followupPolicy())

	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "first"})
	doomed := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "doomed"})
	kept := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "kept"})

	assert.True(t, c.Abort(doomed.RunID))
	assert.False(t, c.Abort(doomed.RunID), "second abort of the same run is a no-op")
	assert.Equal(t, 1, c.Depth(testKey))

	got := c.Wait(context.Background(), doomed.RunID, time.Second)
	assert.Equal(t, StatusCancelled, got.Status)

	close(exec.gate)
	waitOK(t, c, first.RunID)
	waitOK(t, c, kept.RunID)
	assert.NotContains(t, exec.prompts(), "doomed")
}

func TestAbort_UnknownRun(t *testing.T) {
	exec := newFakeExec()
	c, _ := newTestCoordinator(t, exec, followupPolicy())
	assert.False(t, c.Abort("no-such-run"))
}

func TestSession_StaleEntryGetsFreshID(t *testing.T) {
	exec := newFakeExec()
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := sessionstore.New(testLogger(), sessionstore.Options{DisableCache: true})

	// Seed an entry idle past the threshold.
	staleAt := time.Now().Add(-2 * time.Hour).UnixMilli()
	require.NoError(t, store.Save(path, map[string]sessionstore.Entry{
		testKey: {SessionID: "old-session", UpdatedAt: staleAt},
	}))

	c := New(exec, store, testLogger(), Options{
		StorePath:     path,
		Policy:        followupPolicy(),
		IdleThreshold: time.Hour,
	})
	t.Cleanup(c.Close)

	res := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "hello"})
	waitOK(t, c, res.RunID)

	params := exec.lastParams()
	assert.NotEmpty(t, params.SessionID)
	assert.NotEqual(t, "old-session", params.SessionID, "stale entry must get a fresh session id")

	entries := store.Load(path)
	assert.Equal(t, params.SessionID, entries[testKey].SessionID)
	assert.Greater(t, entries[testKey].UpdatedAt, staleAt)
}

func TestSession_FreshEntryKeepsID(t *testing.T) {
	exec := newFakeExec()
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := sessionstore.New(testLogger(), sessionstore.Options{DisableCache: true})

	require.NoError(t, store.Save(path, map[string]sessionstore.Entry{
		testKey: {SessionID: "live-session", UpdatedAt: time.Now().UnixMilli()},
	}))

	c := New(exec, store, testLogger(), Options{
		StorePath:     path,
		Policy:        followupPolicy(),
		IdleThreshold: time.Hour,
	})
	t.Cleanup(c.Close)

	res := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "hello"})
	waitOK(t, c, res.RunID)

	assert.Equal(t, "live-session", exec.lastParams().SessionID)
}

func TestSession_SyntheticRunDoesNotRefreshTimestamp(t *testing.T) {
	exec := newFakeExec()
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := sessionstore.New(testLogger(), sessionstore.Options{DisableCache: true})

	seeded := time.Now().Add(-10 * time.Minute).UnixMilli()
	require.NoError(t, store.Save(path, map[string]sessionstore.Entry{
		testKey: {SessionID: "live-session", UpdatedAt: seeded},
	}))

	c := New(exec, store, testLogger(), Options{
		StorePath:     path,
		Policy:        followupPolicy(),
		IdleThreshold: time.Hour,
	})
	t.Cleanup(c.Close)

	res := submit(t, c, SubmitRequest{
		SessionKey: testKey,
		Prompt:     "heartbeat",
		Params:     followup.RunParams{Synthetic: true},
	})
	waitOK(t, c, res.RunID)

	entries := store.Load(path)
	assert.Equal(t, seeded, entries[testKey].UpdatedAt,
		"heartbeat activity must not reset the idle clock")
	assert.Equal(t, res.RunID, entries[testKey].LastRunID,
		"run bookkeeping still lands in durable state")
}

func TestSession_CompletedRunPersistsOutcomeAndUsage(t *testing.T) {
	exec := newFakeExec()
	c, path := newTestCoordinator(t, exec, followupPolicy())

	route := followup.Route{Channel: "telegram", To: "100"}
	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "one", Route: route})
	waitOK(t, c, first.RunID)
	second := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "two", Route: route})
	waitOK(t, c, second.RunID)

	store := sessionstore.New(testLogger(), sessionstore.Options{DisableCache: true})
	entries := store.Load(path)
	entry := entries[testKey]

	assert.Equal(t, second.RunID, entry.LastRunID)
	assert.Equal(t, StatusOK, entry.LastRunStatus)
	assert.Equal(t, "telegram", entry.LastChannel)
	assert.Equal(t, "100", entry.LastTo)
	assert.Equal(t, int64(20), entry.InputTokens, "usage accumulates across runs")
	assert.Equal(t, int64(40), entry.OutputTokens)
}

func TestSession_OverridesResolvedAtScheduleTime(t *testing.T) {
	exec := newFakeExec()
	exec.gate = make(chan struct{})
	exec.gatePrefix = "first"
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := sessionstore.New(testLogger(), sessionstore.Options{DisableCache: true})

	require.NoError(t, store.Save(path, map[string]sessionstore.Entry{
		testKey: {Model: "haiku", UpdatedAt: time.Now().UnixMilli()},
	}))

	c := New(exec, store, testLogger(), Options{
		StorePath:     path,
		Policy:        followupPolicy(),
		IdleThreshold: time.Hour,
	})
	t.Cleanup(c.Close)

	first := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "first"})
	queued := submit(t, c, SubmitRequest{SessionKey: testKey, Prompt: "queued"})

	// Change the override while the item is already queued: the queued run
	// keeps the parameters captured at schedule time.
	entries := store.Load(path)
	entry := entries[testKey]
	entry.Model = "opus"
	entries[testKey] = entry
	require.NoError(t, store.Save(path, entries))

	close(exec.gate)
	waitOK(t, c, first.RunID)
	waitOK(t, c, queued.RunID)

	assert.Equal(t, "haiku", exec.lastParams().Model)
}

func TestCoordinator_InstancesDoNotShareState(t *testing.T) {
	exec1 := newFakeExec()
	exec2 := newFakeExec()
	c1, _ := newTestCoordinator(t, exec1, followupPolicy())
	c2, _ := newTestCoordinator(t, exec2, followupPolicy())

	res := submit(t, c1, SubmitRequest{SessionKey: testKey, Prompt: "only c1"})
	waitOK(t, c1, res.RunID)

	assert.Equal(t, 1, exec1.count())
	assert.Equal(t, 0, exec2.count())
	assert.Equal(t, 0, c2.Depth(testKey))
}
