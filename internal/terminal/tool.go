package terminal

import (
	"context"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
)

// ToolName is the registry name of the terminal tool.
const ToolName = "terminal.run"

type runInput struct {
	Command   string `mapstructure:"command"`
	Cwd       string `mapstructure:"cwd"`
	TimeoutMs int    `mapstructure:"timeoutMs"`
}

// Tool exposes command execution to plans.
type Tool struct {
	maxOutput int
}

// NewTool creates the terminal tool. maxOutput <= 0 uses DefaultMaxOutput.
func NewTool(maxOutput int) *Tool {
	return &Tool{maxOutput: maxOutput}
}

func (t *Tool) Name() string               { return ToolName }
func (t *Tool) Category() policy.Category  { return policy.CategoryHighImpact }
func (t *Tool) RequiresConfirmation() bool { return true }

// Run executes input.command. A timeoutMs below the step ceiling shortens it.
func (t *Tool) Run(ctx context.Context, input map[string]any, rc *engine.RunContext, c engine.Cap) engine.Result {
	if err := c.Check(ToolName); err != nil {
		return engine.Fail(engine.FailurePermissionDenied, err, "", nil)
	}
	var in runInput
	if err := engine.DecodeInput(input, &in); err != nil {
		return engine.Fail(engine.FailureCommandError, err, "", nil)
	}
	timeout := rc.Timeout
	if in.TimeoutMs > 0 {
		if d := time.Duration(in.TimeoutMs) * time.Millisecond; timeout <= 0 || d < timeout {
			timeout = d
		}
	}

	started := time.Now()
	out, err := Exec(ctx, c, in.Command, Options{
		Root:      rc.ProjectRoot,
		Dir:       in.Cwd,
		Timeout:   timeout,
		OnChunk:   rc.Chunk,
		MaxOutput: t.maxOutput,
	})
	meta := map[string]any{
		"stderr":     out.Stderr,
		"timedOut":   out.TimedOut,
		"durationMs": time.Since(started).Milliseconds(),
	}
	if out.ExitCode != nil {
		meta["exitCode"] = *out.ExitCode
	} else {
		meta["exitCode"] = nil
	}
	if out.Truncated {
		meta["truncated"] = true
	}
	if err != nil {
		return engine.Fail(Classify(err), err, out.Stdout, meta)
	}
	return engine.OK(out.Stdout, meta)
}
