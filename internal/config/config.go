// ABOUTME: Configuration loading and parsing for loom-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/loom-gateway/internal/followup"
)

// Config represents the complete loom-gateway configuration.
type Config struct {
	Server      ServerConfig             `yaml:"server"`
	Agent       AgentConfig              `yaml:"agent"`
	Executor    ExecutorConfig           `yaml:"executor"`
	Store       StoreConfig              `yaml:"store"`
	Session     SessionConfig            `yaml:"session"`
	Queue       QueueConfig              `yaml:"queue"`
	Channels    map[string]ChannelConfig `yaml:"channels"`
	Idempotency IdempotencyConfig        `yaml:"idempotency"`
	Logging     LoggingConfig            `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AgentConfig identifies the agent whose sessions this gateway coordinates.
type AgentConfig struct {
	ID string `yaml:"id"`
}

// ExecutorConfig describes the agent subprocess invoked for each turn.
type ExecutorConfig struct {
	Command []string `yaml:"command"`
}

// StoreConfig holds session store configuration.
type StoreConfig struct {
	Path           string        `yaml:"path"`
	CacheFreshness time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling.
	CacheFreshnessRaw string `yaml:"cache_freshness"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	// IdleMinutes is how long a session may sit untouched before the next
	// run gets a fresh session id. Zero disables staleness.
	IdleMinutes int `yaml:"idle_minutes"`
}

// QueueConfig holds a followup queue policy in its loose string form.
type QueueConfig struct {
	Mode       string        `yaml:"mode"`
	Debounce   time.Duration `yaml:"-"`
	Cap        int           `yaml:"cap"`
	DropPolicy string        `yaml:"drop_policy"`
	Dedupe     string        `yaml:"dedupe"`

	// Raw string value for YAML unmarshaling.
	DebounceRaw string `yaml:"debounce"`
}

// ChannelConfig holds per-channel overrides.
type ChannelConfig struct {
	Queue QueueConfig `yaml:"queue"`
}

// IdempotencyConfig bounds the submit retry cache.
type IdempotencyConfig struct {
	TTL        time.Duration `yaml:"-"`
	MaxEntries int           `yaml:"max_entries"`

	// Raw string value for YAML unmarshaling.
	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if len(c.Executor.Command) == 0 {
		return fmt.Errorf("executor.command is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if _, err := c.Queue.Policy(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	for name, channel := range c.Channels {
		if _, err := channel.Queue.Policy(); err != nil {
			return fmt.Errorf("channels.%s.queue: %w", name, err)
		}
	}

	return nil
}

// Policy converts the loose queue strings into the closed followup unions,
// falling back to the process defaults for unset fields.
func (q QueueConfig) Policy() (followup.Policy, error) {
	policy := followup.DefaultPolicy()

	if q.Mode != "" {
		mode, err := followup.ParseMode(q.Mode)
		if err != nil {
			return followup.Policy{}, err
		}
		policy.Mode = mode
	}
	if q.DebounceRaw != "" {
		policy.Debounce = q.Debounce
	}
	if q.Cap > 0 {
		policy.Cap = q.Cap
	}
	if q.DropPolicy != "" {
		drop, err := followup.ParseDropPolicy(q.DropPolicy)
		if err != nil {
			return followup.Policy{}, err
		}
		policy.Drop = drop
	}
	if q.Dedupe != "" {
		dedupe, err := followup.ParseDedupeMode(q.Dedupe)
		if err != nil {
			return followup.Policy{}, err
		}
		policy.Dedupe = dedupe
	}

	return policy, nil
}

// QueuePolicyFor returns the effective base policy for a channel, falling
// back to the default queue block for channels without overrides.
func (c *Config) QueuePolicyFor(channel string) followup.Policy {
	if channelCfg, ok := c.Channels[channel]; ok {
		merged := channelCfg.Queue
		if merged.Mode == "" {
			merged.Mode = c.Queue.Mode
		}
		if merged.DebounceRaw == "" {
			merged.DebounceRaw = c.Queue.DebounceRaw
			merged.Debounce = c.Queue.Debounce
		}
		if merged.Cap == 0 {
			merged.Cap = c.Queue.Cap
		}
		if merged.DropPolicy == "" {
			merged.DropPolicy = c.Queue.DropPolicy
		}
		if merged.Dedupe == "" {
			merged.Dedupe = c.Queue.Dedupe
		}
		// Field strings were validated at load time.
		policy, _ := merged.Policy()
		return policy
	}
	policy, _ := c.Queue.Policy()
	return policy
}

// IdleThreshold returns the session staleness threshold as a duration.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Session.IdleMinutes) * time.Minute
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Store.CacheFreshnessRaw != "" {
		cfg.Store.CacheFreshness, err = time.ParseDuration(cfg.Store.CacheFreshnessRaw)
		if err != nil {
			return fmt.Errorf("parsing store.cache_freshness %q: %w", cfg.Store.CacheFreshnessRaw, err)
		}
	}

	if cfg.Queue.DebounceRaw != "" {
		cfg.Queue.Debounce, err = time.ParseDuration(cfg.Queue.DebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing queue.debounce %q: %w", cfg.Queue.DebounceRaw, err)
		}
	}

	for name, channel := range cfg.Channels {
		if channel.Queue.DebounceRaw != "" {
			channel.Queue.Debounce, err = time.ParseDuration(channel.Queue.DebounceRaw)
			if err != nil {
				return fmt.Errorf("parsing channels.%s.queue.debounce %q: %w", name, channel.Queue.DebounceRaw, err)
			}
			cfg.Channels[name] = channel
		}
	}

	if cfg.Idempotency.TTLRaw != "" {
		cfg.Idempotency.TTL, err = time.ParseDuration(cfg.Idempotency.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idempotency.ttl %q: %w", cfg.Idempotency.TTLRaw, err)
		}
	}

	return nil
}
