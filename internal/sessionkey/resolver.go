// ABOUTME: Resolves raw channel identities into canonical session keys.
// ABOUTME: Pure string mapping with no I/O; classification by scope prefix.

package sessionkey

import (
	"fmt"
	"strings"
)

// Chat kinds reported by channel adapters.
const (
	KindDirect  = "direct"
	KindGroup   = "group"
	KindChannel = "channel"
)

// Identity is the raw conversation identity reported by a channel adapter.
type Identity struct {
	Provider string // e.g. "telegram", "discord", "slack"
	Kind     string // "direct", "group", or "channel"
	ChatID   string // provider-specific conversation id
}

// Class describes the conversation scope a session key belongs to.
type Class int

const (
	ClassOther Class = iota
	ClassMain
	ClassGroup
	ClassCron
	ClassHook
	ClassNode
)

// String returns the lowercase name of the class.
func (c Class) String() string {
	switch c {
	case ClassMain:
		return "main"
	case ClassGroup:
		return "group"
	case ClassCron:
		return "cron"
	case ClassHook:
		return "hook"
	case ClassNode:
		return "node"
	default:
		return "other"
	}
}

// Main returns the canonical main session key for an agent. All direct chats
// for that agent collapse onto this single key.
func Main(agentID string) string {
	return "agent:" + strings.ToLower(strings.TrimSpace(agentID)) + ":main"
}

// Resolve maps a raw channel identity onto its canonical session key.
// Direct chats collapse onto mainKey so the same logical conversation keeps
// one session across reconnects. Group and channel chats stay distinct per
// provider+kind+id.
func Resolve(id Identity, mainKey string) string {
	kind := strings.ToLower(strings.TrimSpace(id.Kind))
	switch kind {
	case KindGroup, KindChannel:
		provider := strings.ToLower(strings.TrimSpace(id.Provider))
		chatID := strings.TrimSpace(id.ChatID)
		return fmt.Sprintf("%s:%s:%s:%s", agentScope(mainKey), provider, kind, chatID)
	default:
		return mainKey
	}
}

// CronKey returns the session key for a scheduled job under an agent.
func CronKey(mainKey, jobID string) string {
	return agentScope(mainKey) + ":cron:" + strings.TrimSpace(jobID)
}

// HookKey returns the session key for an inbound webhook under an agent.
func HookKey(mainKey, hookID string) string {
	return agentScope(mainKey) + ":hook:" + strings.TrimSpace(hookID)
}

// NodeKey returns the session key for a paired device node under an agent.
func NodeKey(mainKey, nodeID string) string {
	return agentScope(mainKey) + ":node:" + strings.TrimSpace(nodeID)
}

// Classify reports the conversation scope encoded in a session key.
func Classify(key string) Class {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case k == "":
		return ClassOther
	case k == "main" || strings.HasSuffix(k, ":main"):
		return ClassMain
	case strings.Contains(k, ":group:") || strings.Contains(k, ":channel:"):
		return ClassGroup
	case strings.Contains(k, ":cron:"):
		return ClassCron
	case strings.Contains(k, ":hook:"):
		return ClassHook
	case strings.Contains(k, ":node:"):
		return ClassNode
	default:
		return ClassOther
	}
}

// agentScope strips the ":main" suffix so scoped keys nest under the agent
// identity rather than under the main conversation.
func agentScope(mainKey string) string {
	return strings.TrimSuffix(mainKey, ":main")
}
