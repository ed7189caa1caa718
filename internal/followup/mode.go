// ABOUTME: Closed unions for queue mode, drop policy, and dedupe mode.
// ABOUTME: Loose config strings are normalized here, never inside the queue logic.

package followup

import (
	"fmt"
	"time"
)

// Mode controls how queued items are handed to the executor. Whether a new
// arrival should abort an in-flight run (steer/interrupt) versus simply queue
// is a scheduling decision made outside the queue; within it, only Collect
// changes behavior (merge versus one item per call).
type Mode int

const (
	ModeSteer Mode = iota
	ModeFollowup
	ModeCollect
	ModeSteerBacklog
	ModeInterrupt
)

// ParseMode normalizes a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "steer":
		return ModeSteer, nil
	case "followup":
		return ModeFollowup, nil
	case "collect":
		return ModeCollect, nil
	case "steer-backlog":
		return ModeSteerBacklog, nil
	case "interrupt":
		return ModeInterrupt, nil
	default:
		return 0, fmt.Errorf("unknown queue mode %q", s)
	}
}

// String returns the configuration spelling of the mode.
func (m Mode) String() string {
	switch m {
	case ModeSteer:
		return "steer"
	case ModeFollowup:
		return "followup"
	case ModeCollect:
		return "collect"
	case ModeSteerBacklog:
		return "steer-backlog"
	case ModeInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// DropPolicy is the overflow rule applied when a queue is at capacity.
type DropPolicy int

const (
	// DropOld evicts from the front of the queue to make room.
	DropOld DropPolicy = iota
	// DropNew rejects the incoming item outright.
	DropNew
	// DropSummarize evicts from the front and keeps a truncated synopsis of
	// each evicted item to surface on a later turn.
	DropSummarize
)

// ParseDropPolicy normalizes a configuration string into a DropPolicy.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "old":
		return DropOld, nil
	case "new":
		return DropNew, nil
	case "summarize":
		return DropSummarize, nil
	default:
		return 0, fmt.Errorf("unknown drop policy %q", s)
	}
}

// String returns the configuration spelling of the drop policy.
func (d DropPolicy) String() string {
	switch d {
	case DropOld:
		return "old"
	case DropNew:
		return "new"
	case DropSummarize:
		return "summarize"
	default:
		return "unknown"
	}
}

// DedupeMode selects how an incoming item is matched against already-queued
// items.
type DedupeMode int

const (
	// DedupeMessageID drops an item whose message id and originating route
	// exactly match one already queued. The default.
	DedupeMessageID DedupeMode = iota
	// DedupePrompt dedupes on exact prompt+route match.
	DedupePrompt
	// DedupeNone never dedupes.
	DedupeNone
)

// ParseDedupeMode normalizes a configuration string into a DedupeMode.
func ParseDedupeMode(s string) (DedupeMode, error) {
	switch s {
	case "message-id":
		return DedupeMessageID, nil
	case "prompt":
		return DedupePrompt, nil
	case "none":
		return DedupeNone, nil
	default:
		return 0, fmt.Errorf("unknown dedupe mode %q", s)
	}
}

// String returns the configuration spelling of the dedupe mode.
func (d DedupeMode) String() string {
	switch d {
	case DedupeMessageID:
		return "message-id"
	case DedupePrompt:
		return "prompt"
	case DedupeNone:
		return "none"
	default:
		return "unknown"
	}
}

// Policy bundles the effective queue behavior for one session key.
type Policy struct {
	Mode     Mode
	Debounce time.Duration
	Cap      int
	Drop     DropPolicy
	Dedupe   DedupeMode
}

// DefaultPolicy returns the process-wide queue defaults.
func DefaultPolicy() Policy {
	return Policy{
		Mode:     ModeCollect,
		Debounce: time.Second,
		Cap:      20,
		Drop:     DropSummarize,
		Dedupe:   DedupeMessageID,
	}
}
