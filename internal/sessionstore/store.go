// ABOUTME: Durable session-key to session-entry persistence with a read cache.
// ABOUTME: Atomic temp-file+rename writes; cache bounded by freshness and file mod time.

package sessionstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is the persisted record for one session key. Created on the first
// trigger for a key, mutated on every completed run and on explicit patches,
// never deleted except by explicit user action.
type Entry struct {
	SessionID string `json:"sessionId,omitempty"`
	// UpdatedAt is unix milliseconds of the last user-visible mutation.
	// Synthetic/heartbeat runs must not touch it, or idle expiry would
	// never be reached.
	UpdatedAt int64 `json:"updatedAt,omitempty"`

	// Per-session overrides.
	Model          string `json:"model,omitempty"`
	ThinkingLevel  string `json:"thinkingLevel,omitempty"`
	VerboseLevel   string `json:"verboseLevel,omitempty"`
	ReasoningLevel string `json:"reasoningLevel,omitempty"`

	// Queue policy overrides; empty/nil means inherit the configured default.
	QueueMode       string `json:"queueMode,omitempty"`
	QueueDebounceMs *int64 `json:"queueDebounceMs,omitempty"`
	QueueCap        *int   `json:"queueCap,omitempty"`
	QueueDrop       string `json:"queueDrop,omitempty"`

	// Routing metadata from the most recent run.
	LastChannel string `json:"lastChannel,omitempty"`
	LastTo      string `json:"lastTo,omitempty"`

	// Terminal status of the most recent run, readable across restarts.
	LastRunID     string `json:"lastRunId,omitempty"`
	LastRunStatus string `json:"lastRunStatus,omitempty"`
	LastRunError  string `json:"lastRunError,omitempty"`

	// Accumulated token usage.
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`

	ChatType string `json:"chatType,omitempty"`
}

// Stale reports whether the entry has been idle past the threshold. A stale
// entry gets a fresh session id on next use; it is never evicted.
func (e Entry) Stale(idle time.Duration, now time.Time) bool {
	if idle <= 0 || e.UpdatedAt == 0 {
		return false
	}
	return now.UnixMilli()-e.UpdatedAt > idle.Milliseconds()
}

// Options configures the read cache.
type Options struct {
	// Freshness is the wall-clock window within which a cached snapshot may
	// be served. Zero means no time constraint: a cache hit is bounded only
	// by the file modification time check.
	Freshness time.Duration
	// DisableCache forces every Load to re-read the file.
	DisableCache bool
}

// cachedFile is one cached snapshot of a store document.
type cachedFile struct {
	entries map[string]Entry
	readAt  time.Time
	modTime time.Time
}

// Store reads and writes session documents. One Store may serve multiple
// paths; the cache is keyed by path. The design assumes a single writer
// process per store path.
type Store struct {
	mu     sync.Mutex
	cache  map[string]*cachedFile
	opts   Options
	logger *slog.Logger
}

// New creates a Store with the given cache options.
func New(logger *slog.Logger, opts Options) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:  make(map[string]*cachedFile),
		opts:   opts,
		logger: logger.With("component", "sessionstore"),
	}
}

// Load returns the session mapping stored at path. A malformed or missing
// file yields an empty mapping (logged, never fatal). A cached snapshot is
// served only while its age is within the freshness window and the file's
// modification time is unchanged since it was cached.
func (s *Store) Load(path string) map[string]Entry {
	if !s.opts.DisableCache {
		if entries, ok := s.cacheHit(path); ok {
			return entries
		}
	}

	entries, modTime := s.readFile(path)

	if !s.opts.DisableCache {
		s.mu.Lock()
		s.cache[path] = &cachedFile{
			entries: entries,
			readAt:  time.Now(),
			modTime: modTime,
		}
		s.mu.Unlock()
	}

	return copyEntries(entries)
}

// cacheHit returns a copy of the cached snapshot if it is still valid.
func (s *Store) cacheHit(path string) (map[string]Entry, bool) {
	s.mu.Lock()
	cached, ok := s.cache[path]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	if s.opts.Freshness > 0 && time.Since(cached.readAt) >= s.opts.Freshness {
		return nil, false
	}

	// The mod time check is independent of the time window so same-process
	// read-after-write stays consistent even with a long freshness budget.
	info, err := os.Stat(path)
	if err != nil || !info.ModTime().Equal(cached.modTime) {
		return nil, false
	}

	return copyEntries(cached.entries), true
}

// readFile parses the document at path, degrading to an empty mapping.
func (s *Store) readFile(path string) (map[string]Entry, time.Time) {
	var modTime time.Time
	if info, err := os.Stat(path); err == nil {
		modTime = info.ModTime()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read session store", "path", path, "error", err)
		}
		return map[string]Entry{}, modTime
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("malformed session store, starting empty", "path", path, "error", err)
		return map[string]Entry{}, modTime
	}
	if entries == nil {
		entries = map[string]Entry{}
	}
	return entries, modTime
}

// Save serializes the full mapping and replaces the document at path
// atomically: write to a temp file in the same directory, then rename, so
// readers never observe a partial write. The cached snapshot for path is
// invalidated before writing. If the parent directory was removed
// concurrently, its creation is retried once; if that still fails the write
// is dropped (best effort — callers needing durability must verify with a
// subsequent read). All other failures return to the caller.
func (s *Store) Save(path string, entries map[string]Entry) error {
	s.Invalidate(path)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session store: %w", err)
	}
	data = append(data, '\n')

	err = s.writeAtomic(path, data)
	if err != nil && os.IsNotExist(err) {
		dir := filepath.Dir(path)
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			s.logger.Warn("session store directory unrecoverable, dropping write",
				"path", path, "error", mkErr)
			return nil
		}
		err = s.writeAtomic(path, data)
		if err != nil && os.IsNotExist(err) {
			s.logger.Warn("session store write dropped after directory retry",
				"path", path, "error", err)
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("writing session store: %w", err)
	}
	return nil
}

// writeAtomic writes data to path via a same-directory temp file and rename.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sessions-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Invalidate drops any cached snapshot for path. A cache hit is never
// returned once a writer has invalidated it.
func (s *Store) Invalidate(path string) {
	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
}

func copyEntries(entries map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}
