package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
)

// FailureClass classifies a failed tool invocation.
type FailureClass string

const (
	FailurePermissionDenied FailureClass = "permission_denied"
	FailureToolUnavailable  FailureClass = "tool_unavailable"
	FailureCommandError     FailureClass = "command_error"
	FailureTimeout          FailureClass = "timeout"
	FailurePartialExecution FailureClass = "partial_execution"
)

// Result is the outcome of one tool invocation. Build it with OK or Fail so
// success and failure fields are never mixed.
type Result struct {
	Success      bool           `json:"success"`
	Output       string         `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	FailureClass FailureClass   `json:"failureClass,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// OK builds a successful result.
func OK(output string, meta map[string]any) Result {
	return Result{Success: true, Output: output, Meta: meta}
}

// Fail builds a failed result. Partial output may be kept for diagnosis.
func Fail(class FailureClass, err error, output string, meta map[string]any) Result {
	msg := "tool failed"
	if err != nil {
		msg = err.Error()
	}
	if class == "" {
		class = FailureCommandError
	}
	return Result{Success: false, Error: msg, FailureClass: class, Output: output, Meta: meta}
}

// Tool is a unit of work the engine can invoke. Implementations must call
// cap.Check(Name()) before doing anything with side effects.
type Tool interface {
	Name() string
	Category() policy.Category
	RequiresConfirmation() bool
	Run(ctx context.Context, input map[string]any, rc *RunContext, c Cap) Result
}

// RunContext is the per-invocation view a tool gets of its run.
type RunContext struct {
	RunID       string
	StepID      string
	ProjectRoot string
	// Timeout is the ceiling for this invocation. Tools may use less.
	Timeout time.Duration

	chunk func(stream, data string)
	stop  *atomic.Bool
}

// NewRunContext builds a RunContext outside of an engine run, for adapters
// that are exercised directly.
func NewRunContext(projectRoot string, timeout time.Duration) *RunContext {
	return &RunContext{ProjectRoot: projectRoot, Timeout: timeout, stop: &atomic.Bool{}}
}

// Chunk streams incremental output for the current step.
func (rc *RunContext) Chunk(stream, data string) {
	if rc == nil || rc.chunk == nil || data == "" {
		return
	}
	rc.chunk(stream, data)
}

// StopRequested reports whether a soft stop was requested for the run.
func (rc *RunContext) StopRequested() bool {
	return rc != nil && rc.stop != nil && rc.stop.Load()
}
