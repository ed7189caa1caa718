// ABOUTME: Per-session-key pending-work queue with dedupe, cap/drop policy, and batching.
// ABOUTME: Owns queued runs exclusively until dequeued; each is consumed exactly once.

package followup

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// summaryTruncateAt bounds each evicted prompt's synopsis in a drop summary.
const summaryTruncateAt = 160

// Route identifies where a trigger originated, used for reply routing and
// for deciding whether queued items may be merged into one executor call.
type Route struct {
	Channel   string // e.g. "telegram", "discord"
	To        string // destination id on that channel
	AccountID string // optional multi-account discriminator
}

// Routable reports whether the route can deliver a reply.
func (r Route) Routable() bool {
	return r.Channel != "" && r.To != ""
}

// key returns the merge-equality identity of the route.
func (r Route) key() string {
	return r.Channel + "\x00" + r.To + "\x00" + r.AccountID
}

// RunParams are the executor parameters resolved when a run is scheduled.
// They are frozen at enqueue time: a later override never retroactively
// changes an already-queued item. SessionID is resolved at execution time.
type RunParams struct {
	SessionID      string
	Model          string
	ThinkingLevel  string
	VerboseLevel   string
	ReasoningLevel string
	// Synthetic marks heartbeat-style runs whose completion must not refresh
	// the session entry's user-visible timestamp.
	Synthetic bool
}

// Run is one ephemeral unit of queued work.
type Run struct {
	ID         string
	Prompt     string
	MessageID  string // optional, for message-id dedupe
	Route      Route
	EnqueuedAt time.Time
	Params     RunParams
}

// EnqueueStatus reports what happened to a submitted item.
type EnqueueStatus int

const (
	// Enqueued means the item was appended to the queue.
	Enqueued EnqueueStatus = iota
	// Deduplicated means an equivalent item was already queued; the existing
	// run absorbs this submit.
	Deduplicated
	// RejectedFull means the queue was at capacity under the "new" drop
	// policy and the incoming item was refused.
	RejectedFull
)

// Batch is one unit of work handed to the executor: a merged collect batch,
// a single queued run, or a synthetic summary-only turn.
type Batch struct {
	Runs        []*Run // source runs in arrival order; empty for summary-only
	Prompt      string
	Params      RunParams
	Route       Route
	SummaryOnly bool
}

// Queue is the in-memory pending-work state for one session key. Created
// lazily on first enqueue; discarded once empty and not draining.
type Queue struct {
	mu             sync.Mutex
	policy         Policy
	runs           []*Run
	draining       bool
	noMerge        bool // sticky per-burst: once merging proved unsafe, stay item-wise
	lastEnqueuedAt time.Time
	dropped        int
	dropSummaries  []string
	lastParams     RunParams
	lastRoute      Route
}

// NewQueue creates a queue governed by the given policy.
func NewQueue(policy Policy) *Queue {
	return &Queue{policy: policy}
}

// Policy returns the queue's effective policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Enqueue applies dedupe and the cap/drop policy, then appends the run.
// When the result is Deduplicated the returned run is the existing queued
// item that absorbed the submit; otherwise it is the given run or nil.
func (q *Queue) Enqueue(run *Run) (EnqueueStatus, *Run) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing := q.findDuplicateLocked(run); existing != nil {
		return Deduplicated, existing
	}

	if q.policy.Cap > 0 && len(q.runs) >= q.policy.Cap {
		switch q.policy.Drop {
		case DropNew:
			return RejectedFull, nil
		case DropOld:
			q.runs = q.runs[1:]
		case DropSummarize:
			evicted := q.runs[0]
			q.runs = q.runs[1:]
			q.dropped++
			q.dropSummaries = append(q.dropSummaries, truncate(evicted.Prompt, summaryTruncateAt))
		}
	}

	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = time.Now()
	}
	q.runs = append(q.runs, run)
	q.lastEnqueuedAt = run.EnqueuedAt
	q.lastParams = run.Params
	q.lastRoute = run.Route
	return Enqueued, run
}

// findDuplicateLocked returns an already-queued run equivalent to the
// candidate under the queue's dedupe mode. Must be called with mu held.
func (q *Queue) findDuplicateLocked(run *Run) *Run {
	switch q.policy.Dedupe {
	case DedupeMessageID:
		if run.MessageID == "" {
			return nil
		}
		for _, queued := range q.runs {
			if queued.MessageID == run.MessageID && queued.Route.key() == run.Route.key() {
				return queued
			}
		}
	case DedupePrompt:
		for _, queued := range q.runs {
			if queued.Prompt == run.Prompt && queued.Route.key() == run.Route.key() {
				return queued
			}
		}
	case DedupeNone:
	}
	return nil
}

// Remove deletes a queued-but-not-started run by id, returning true if found.
func (q *Queue) Remove(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, run := range q.runs {
		if run.ID == runID {
			q.runs = append(q.runs[:i], q.runs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued runs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.runs)
}

// LastEnqueuedAt returns the time of the most recent enqueue, zero if none.
func (q *Queue) LastEnqueuedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastEnqueuedAt
}

// PendingSummary reports whether an unsurfaced drop summary remains.
func (q *Queue) PendingSummary() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped > 0
}

// BeginDrain marks the queue as draining. Returns false if a drain loop is
// already running for this queue.
func (q *Queue) BeginDrain() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return false
	}
	q.draining = true
	return true
}

// EndDrain clears the draining flag.
func (q *Queue) EndDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.draining = false
}

// Drained reports whether the queue is finished: nothing queued and no
// pending drop summary. A drained queue is eligible for teardown.
func (q *Queue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.runs) == 0 && q.dropped == 0
}

// NextBatch produces the next unit of work, or nil when nothing remains.
//
// Collect mode merges all currently-queued runs sharing one originating
// route into a single prompt in arrival order, prefixed by any pending drop
// summary. If queued runs span more than one route, merging is unsafe: the
// queue falls back to one run per call and stays item-wise for the rest of
// this burst. All other modes hand over exactly one run per call.
//
// When nothing is queued but a drop summary is pending, a synthetic
// summary-only batch carries it so the agent learns about lost context.
func (q *Queue) NextBatch() *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	summary := q.takeSummaryLocked()

	if len(q.runs) == 0 {
		if summary == "" {
			return nil
		}
		return &Batch{
			Prompt:      summary,
			Params:      q.lastParams,
			Route:       q.lastRoute,
			SummaryOnly: true,
		}
	}

	if q.policy.Mode == ModeCollect && !q.noMerge {
		if q.mergeableLocked() {
			runs := q.runs
			q.runs = nil

			prompts := make([]string, 0, len(runs)+1)
			if summary != "" {
				prompts = append(prompts, summary)
			}
			for _, run := range runs {
				prompts = append(prompts, run.Prompt)
			}

			return &Batch{
				Runs:   runs,
				Prompt: strings.Join(prompts, "\n\n"),
				Params: runs[len(runs)-1].Params,
				Route:  runs[0].Route,
			}
		}
		q.noMerge = true
	}

	run := q.runs[0]
	q.runs = q.runs[1:]

	prompt := run.Prompt
	if summary != "" {
		prompt = summary + "\n\n" + prompt
	}

	return &Batch{
		Runs:   []*Run{run},
		Prompt: prompt,
		Params: run.Params,
		Route:  run.Route,
	}
}

// mergeableLocked reports whether every queued run shares one originating
// route. Must be called with mu held.
func (q *Queue) mergeableLocked() bool {
	first := q.runs[0].Route.key()
	for _, run := range q.runs[1:] {
		if run.Route.key() != first {
			return false
		}
	}
	return true
}

// takeSummaryLocked consumes the accumulated drop summaries, returning the
// contextual text to surface, or "". Must be called with mu held.
func (q *Queue) takeSummaryLocked() string {
	if q.dropped == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%d queued message(s) were dropped due to queue overflow]", q.dropped)
	for _, line := range q.dropSummaries {
		b.WriteString("\n- ")
		b.WriteString(line)
	}

	q.dropped = 0
	q.dropSummaries = nil
	return b.String()
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
