// ABOUTME: Subprocess executor that invokes the agent command for each run
// ABOUTME: Passes prompt on stdin and run parameters as environment variables

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/2389/loom-gateway/internal/coordinator"
	"github.com/2389/loom-gateway/internal/followup"
)

// usage is the optional trailing stdout line reporting token counts.
type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Command executes runs by spawning a configured agent command. Each call
// spawns a fresh process; the coordinator guarantees calls for one session
// key never overlap.
type Command struct {
	argv   []string
	logger *slog.Logger
}

// NewCommand creates a subprocess executor for the given argv. The command
// must have at least one element.
func NewCommand(argv []string, logger *slog.Logger) (*Command, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("executor command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{
		argv:   argv,
		logger: logger.With("component", "executor"),
	}, nil
}

// Execute spawns the agent command, feeds it the prompt, and collects its
// stdout. Cancellation of ctx kills the process.
func (c *Command) Execute(ctx context.Context, params followup.RunParams, prompt string) (coordinator.Result, error) {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(), paramEnv(params)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("spawning agent command",
		"command", c.argv[0], "session_id", params.SessionID)

	err := cmd.Run()
	if ctx.Err() != nil {
		return coordinator.Result{}, ctx.Err()
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return coordinator.Result{}, fmt.Errorf("agent command failed: %s", msg)
	}

	text, u := splitUsage(stdout.String())
	return coordinator.Result{
		Text:         text,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}, nil
}

// paramEnv encodes run parameters as LOOM_* environment variables.
func paramEnv(params followup.RunParams) []string {
	env := []string{
		"LOOM_SESSION_ID=" + params.SessionID,
	}
	if params.Model != "" {
		env = append(env, "LOOM_MODEL="+params.Model)
	}
	if params.ThinkingLevel != "" {
		env = append(env, "LOOM_THINKING_LEVEL="+params.ThinkingLevel)
	}
	if params.VerboseLevel != "" {
		env = append(env, "LOOM_VERBOSE_LEVEL="+params.VerboseLevel)
	}
	if params.ReasoningLevel != "" {
		env = append(env, "LOOM_REASONING_LEVEL="+params.ReasoningLevel)
	}
	if params.Synthetic {
		env = append(env, "LOOM_SYNTHETIC=1")
	}
	return env
}

// splitUsage strips a trailing JSON usage line from the output when present.
// Agent commands that do not report usage are left untouched.
func splitUsage(out string) (string, usage) {
	trimmed := strings.TrimRight(out, "\n")
	idx := strings.LastIndexByte(trimmed, '\n')
	last := trimmed[idx+1:]

	var u usage
	if strings.HasPrefix(last, "{") && json.Unmarshal([]byte(last), &u) == nil &&
		(u.InputTokens > 0 || u.OutputTokens > 0) {
		if idx < 0 {
			return "", u
		}
		return strings.TrimRight(trimmed[:idx], "\n"), u
	}
	return trimmed, usage{}
}
