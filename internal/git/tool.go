package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 200
)

type gitInput struct {
	Paths   []string `mapstructure:"paths"`
	Path    string   `mapstructure:"path"`
	Staged  bool     `mapstructure:"staged"`
	Limit   int      `mapstructure:"limit"`
	Message string   `mapstructure:"message"`
}

func (in gitInput) allPaths() []string {
	if in.Path == "" {
		return in.Paths
	}
	return append([]string{in.Path}, in.Paths...)
}

type opFunc func(ctx context.Context, r runner, in gitInput) (string, map[string]any, error)

// Tool is one git operation exposed to plans.
type Tool struct {
	name     string
	category policy.Category
	confirm  bool
	echo     bool
	op       opFunc
}

func (t *Tool) Name() string               { return t.name }
func (t *Tool) Category() policy.Category  { return t.category }
func (t *Tool) RequiresConfirmation() bool { return t.confirm }

func (t *Tool) Run(ctx context.Context, input map[string]any, rc *engine.RunContext, c engine.Cap) engine.Result {
	if err := c.Check(t.name); err != nil {
		return engine.Fail(engine.FailurePermissionDenied, err, "", nil)
	}
	var in gitInput
	if err := engine.DecodeInput(input, &in); err != nil {
		return engine.Fail(engine.FailureCommandError, err, "", nil)
	}
	r := runner{cap: c, rc: rc, echo: t.echo}
	if err := r.available(ctx); err != nil {
		return engine.Fail(classify(err), err, "", nil)
	}
	out, meta, err := t.op(ctx, r, in)
	if err != nil {
		return engine.Fail(classify(err), err, out, meta)
	}
	return engine.OK(out, meta)
}

// ReadTools returns the git tools that never modify the repository.
func ReadTools() []engine.Tool {
	return []engine.Tool{
		&Tool{name: "git.status", category: policy.CategoryRead, op: status},
		&Tool{name: "git.log", category: policy.CategoryRead, op: logOp},
		&Tool{name: "git.branch", category: policy.CategoryRead, op: branch},
		&Tool{name: "git.diff", category: policy.CategoryRead, op: diff},
	}
}

// WriteTools returns the git tools that modify the index or history.
func WriteTools() []engine.Tool {
	return []engine.Tool{
		&Tool{name: "git.stage", category: policy.CategorySafeWrite, op: stage},
		&Tool{name: "git.commit", category: policy.CategoryHighImpact, confirm: true, echo: true, op: commit},
	}
}

// Tools returns every git tool.
func Tools() []engine.Tool {
	return append(ReadTools(), WriteTools()...)
}

func status(ctx context.Context, r runner, _ gitInput) (string, map[string]any, error) {
	out, err := r.run(ctx, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return out.Stdout, nil, err
	}
	var changed []string
	head := ""
	for _, line := range strings.Split(strings.TrimRight(out.Stdout, "\n"), "\n") {
		switch {
		case line == "":
		case strings.HasPrefix(line, "## "):
			head = strings.TrimPrefix(line, "## ")
		default:
			changed = append(changed, line)
		}
	}
	return out.Stdout, map[string]any{"branch": head, "clean": len(changed) == 0, "changes": len(changed)}, nil
}

func logOp(ctx context.Context, r runner, in gitInput) (string, map[string]any, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	args := []string{"log", "--oneline", "--no-decorate", "-n", strconv.Itoa(limit)}
	specs, err := pathspecs(r.rc.ProjectRoot, in.allPaths())
	if err != nil {
		return "", nil, err
	}
	if len(specs) > 0 {
		args = append(append(args, "--"), specs...)
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return out.Stdout, nil, err
	}
	lines := 0
	if s := strings.TrimSpace(out.Stdout); s != "" {
		lines = strings.Count(s, "\n") + 1
	}
	return out.Stdout, map[string]any{"commits": lines, "limit": limit}, nil
}

func branch(ctx context.Context, r runner, _ gitInput) (string, map[string]any, error) {
	current, err := r.currentBranch(ctx)
	if err != nil {
		return "", nil, err
	}
	out, err := r.run(ctx, "branch", "--list", "--format=%(refname:short)")
	if err != nil {
		return out.Stdout, nil, err
	}
	var branches []string
	for _, b := range strings.Split(out.Stdout, "\n") {
		if b = strings.TrimSpace(b); b != "" {
			branches = append(branches, b)
		}
	}
	return current + "\n", map[string]any{"current": current, "branches": branches}, nil
}

func diff(ctx context.Context, r runner, in gitInput) (string, map[string]any, error) {
	args := []string{"diff", "--no-color"}
	if in.Staged {
		args = append(args, "--staged")
	}
	specs, err := pathspecs(r.rc.ProjectRoot, in.allPaths())
	if err != nil {
		return "", nil, err
	}
	if len(specs) > 0 {
		args = append(append(args, "--"), specs...)
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return out.Stdout, nil, err
	}
	meta := map[string]any{"staged": in.Staged, "empty": strings.TrimSpace(out.Stdout) == ""}
	if out.Truncated {
		meta["truncated"] = true
	}
	return out.Stdout, meta, nil
}

func stage(ctx context.Context, r runner, in gitInput) (string, map[string]any, error) {
	specs, err := pathspecs(r.rc.ProjectRoot, in.allPaths())
	if err != nil {
		return "", nil, err
	}
	if len(specs) == 0 {
		return "", nil, fmt.Errorf("%w: paths are required", engine.ErrBadInput)
	}
	out, err := r.run(ctx, append([]string{"add", "--"}, specs...)...)
	if err != nil {
		return out.Stdout, nil, err
	}
	return out.Stdout, map[string]any{"paths": specs}, nil
}

func commit(ctx context.Context, r runner, in gitInput) (string, map[string]any, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return "", nil, fmt.Errorf("%w: message is required", engine.ErrBadInput)
	}
	out, err := r.run(ctx, "commit", "-m", msg)
	if err != nil {
		return out.Stdout, nil, err
	}
	head, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return out.Stdout, nil, err
	}
	return out.Stdout, map[string]any{"commit": strings.TrimSpace(head.Stdout)}, nil
}
