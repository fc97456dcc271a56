package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
)

// NoteToolName is the registry name of the planning note tool.
const NoteToolName = "plan.note"

type noteInput struct {
	Note string `mapstructure:"note"`
}

// noteTool records planner reasoning into the report. It touches nothing.
type noteTool struct{}

func (noteTool) Name() string               { return NoteToolName }
func (noteTool) Category() policy.Category  { return policy.CategoryPlanning }
func (noteTool) RequiresConfirmation() bool { return false }

func (noteTool) Run(_ context.Context, input map[string]any, _ *engine.RunContext, c engine.Cap) engine.Result {
	if err := c.Check(NoteToolName); err != nil {
		return engine.Fail(engine.FailurePermissionDenied, err, "", nil)
	}
	var in noteInput
	if err := engine.DecodeInput(input, &in); err != nil {
		return engine.Fail(engine.FailureCommandError, err, "", nil)
	}
	note := strings.TrimSpace(in.Note)
	if note == "" {
		return engine.Fail(engine.FailureCommandError, fmt.Errorf("%w: note is required", engine.ErrBadInput), "", nil)
	}
	return engine.OK(engine.RedactString(note), map[string]any{"recorded": true})
}
