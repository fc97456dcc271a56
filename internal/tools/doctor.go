package tools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/terminal"
)

// DoctorToolName is the registry name of the diagnostic command tool.
const DoctorToolName = "doctor.command"

// AnyArgs as the last word of a pattern permits any remaining arguments.
const AnyArgs = "*"

// Operands as the last word of a pattern permits remaining arguments that
// are not flags, such as variable names or revisions.
const Operands = "..."

// ErrNotAllowlisted is returned for a diagnostic command outside the allowlist.
var ErrNotAllowlisted = errors.New("command is not on the diagnostic allowlist")

// DefaultDoctorAllowlist maps a program to the argument patterns it may be
// called with. A pattern is a space separated argument list matched in full;
// it may end in AnyArgs or Operands. The bare program is always permitted.
func DefaultDoctorAllowlist() map[string][]string {
	return map[string][]string{
		"uname":    {AnyArgs},
		"uptime":   {},
		"whoami":   {},
		"hostname": {},
		"df":       {AnyArgs},
		"free":     {AnyArgs},
		"ps":       {AnyArgs},
		"ls":       {AnyArgs},
		"node":     {"--version"},
		"npm":      {"--version", "ls " + Operands},
		"go":       {"version", "env " + Operands},
		"python3":  {"--version"},
		"git": {
			"--version",
			"status " + Operands,
			"status --short " + Operands,
			"status --porcelain " + Operands,
			"remote",
			"remote -v",
			"rev-parse " + Operands,
			"rev-parse --show-toplevel",
			"rev-parse --abbrev-ref HEAD",
		},
	}
}

// matchPattern reports whether args satisfy one allowlist pattern.
func matchPattern(pattern string, args []string) bool {
	words := strings.Fields(pattern)
	for i, w := range words {
		switch w {
		case AnyArgs:
			return true
		case Operands:
			for _, a := range args[i:] {
				if strings.HasPrefix(a, "-") {
					return false
				}
			}
			return true
		}
		if i >= len(args) || args[i] != w {
			return false
		}
	}
	return len(args) == len(words)
}

type doctorInput struct {
	Command   string `mapstructure:"command"`
	TimeoutMs int    `mapstructure:"timeoutMs"`
}

// doctorTool runs read-only diagnostics. Commands are matched against the
// allowlist by program base name and full argument list.
type doctorTool struct {
	allow     map[string][]string
	maxOutput int
}

func newDoctorTool(allow map[string][]string, maxOutput int) *doctorTool {
	if allow == nil {
		allow = DefaultDoctorAllowlist()
	}
	return &doctorTool{allow: allow, maxOutput: maxOutput}
}

func (t *doctorTool) Name() string               { return DoctorToolName }
func (t *doctorTool) Category() policy.Category  { return policy.CategoryRead }
func (t *doctorTool) RequiresConfirmation() bool { return false }

func (t *doctorTool) permitted(argv []string) error {
	prog := argv[0]
	if filepath.Base(prog) != prog {
		return fmt.Errorf("%w: %s", ErrNotAllowlisted, prog)
	}
	allowed, ok := t.allow[prog]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAllowlisted, prog)
	}
	args := argv[1:]
	if len(args) == 0 {
		return nil
	}
	for _, pattern := range allowed {
		if matchPattern(pattern, args) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotAllowlisted, strings.Join(argv, " "))
}

func (t *doctorTool) Run(ctx context.Context, input map[string]any, rc *engine.RunContext, c engine.Cap) engine.Result {
	if err := c.Check(DoctorToolName); err != nil {
		return engine.Fail(engine.FailurePermissionDenied, err, "", nil)
	}
	var in doctorInput
	if err := engine.DecodeInput(input, &in); err != nil {
		return engine.Fail(engine.FailureCommandError, err, "", nil)
	}
	argv, err := terminal.Split(in.Command)
	if err != nil {
		return engine.Fail(terminal.Classify(err), err, "", nil)
	}
	if err := t.permitted(argv); err != nil {
		return engine.Fail(engine.FailurePermissionDenied, err, "", nil)
	}
	timeout := rc.Timeout
	if in.TimeoutMs > 0 {
		if d := time.Duration(in.TimeoutMs) * time.Millisecond; timeout <= 0 || d < timeout {
			timeout = d
		}
	}
	out, err := terminal.ExecArgv(ctx, c, argv, terminal.Options{
		Root:      rc.ProjectRoot,
		Timeout:   timeout,
		OnChunk:   rc.Chunk,
		MaxOutput: t.maxOutput,
	})
	meta := map[string]any{"stderr": out.Stderr, "timedOut": out.TimedOut}
	if out.ExitCode != nil {
		meta["exitCode"] = *out.ExitCode
	}
	if err != nil {
		return engine.Fail(terminal.Classify(err), err, out.Stdout, meta)
	}
	return engine.OK(out.Stdout, meta)
}

// allowlisted returns the programs a doctor registry accepts, sorted.
func (t *doctorTool) allowlisted() []string {
	out := make([]string, 0, len(t.allow))
	for prog := range t.allow {
		out = append(out, prog)
	}
	sort.Strings(out)
	return out
}
