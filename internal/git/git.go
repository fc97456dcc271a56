// Package git exposes repository operations to plans. Every git process is
// started through the terminal adapter, so it gets the same argv handling,
// environment filtering and kill semantics as any other command.
package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/terminal"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/workspace"
	"github.com/rs/zerolog/log"
)

// ErrNotRepository is returned when the project root is not inside a work tree.
var ErrNotRepository = errors.New("not a git repository")

var gitEnv = []string{"GIT_TERMINAL_PROMPT=0", "GIT_PAGER=cat", "GIT_OPTIONAL_LOCKS=0"}

// runner executes git in the project root with a live capability.
type runner struct {
	cap  engine.Cap
	rc   *engine.RunContext
	echo bool
}

func (r runner) run(ctx context.Context, args ...string) (terminal.Output, error) {
	log.Debug().Str("dir", r.rc.ProjectRoot).Strs("args", args).Msg("running git command")
	opts := terminal.Options{Root: r.rc.ProjectRoot, Timeout: r.rc.Timeout, Env: gitEnv}
	if r.echo {
		opts.OnChunk = r.rc.Chunk
	}
	out, err := terminal.ExecArgv(ctx, r.cap, append([]string{"git"}, args...), opts)
	if err != nil {
		if msg := strings.TrimSpace(out.Stderr); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

// available checks that the project root is inside a git work tree.
func (r runner) available(ctx context.Context) error {
	out, err := r.run(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		if errors.Is(err, terminal.ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotRepository, r.rc.ProjectRoot)
	}
	if strings.TrimSpace(out.Stdout) != "true" {
		return fmt.Errorf("%w: %s", ErrNotRepository, r.rc.ProjectRoot)
	}
	return nil
}

// currentBranch resolves the checked out branch. Detached HEAD is an error.
func (r runner) currentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve branch: %w", err)
	}
	branch := strings.TrimSpace(out.Stdout)
	if branch == "" {
		return "", fmt.Errorf("resolve branch: empty branch name")
	}
	if branch == "HEAD" {
		return "", fmt.Errorf("resolve branch: detached HEAD")
	}
	return branch, nil
}

// pathspecs confines every path to the project root and returns them
// relative to it, for use after a "--" separator.
func pathspecs(root string, paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		rel, err := workspace.Rel(root, p)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

func classify(err error) engine.FailureClass {
	if errors.Is(err, ErrNotRepository) {
		return engine.FailureToolUnavailable
	}
	return terminal.Classify(err)
}
