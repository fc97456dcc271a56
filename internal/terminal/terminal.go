// Package terminal runs agent commands without a shell: commands are split
// into argv, run with a filtered environment inside the project root, and
// killed with their whole process group on timeout or cancellation.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/workspace"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout   = 2 * time.Minute
	DefaultMaxOutput = 1 << 20
	waitDelay        = 500 * time.Millisecond
)

var (
	ErrEmptyCommand = errors.New("empty command")
	ErrShellSyntax  = errors.New("shell syntax is not allowed")
	ErrTimeout      = errors.New("command timed out")
	ErrKilled       = errors.New("command killed")
	ErrNonZeroExit  = errors.New("command failed")
	ErrUnavailable  = errors.New("command not available")
)

// Options control a single command execution.
type Options struct {
	// Root is the project root; Dir and relative executables are confined to it.
	Root string
	// Dir is the working directory, relative to Root. Empty means Root.
	Dir       string
	Timeout   time.Duration
	Env       []string
	OnChunk   func(stream, data string)
	MaxOutput int
}

// Output is what a command produced. ExitCode is nil when the process did
// not exit normally.
type Output struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  *int   `json:"exitCode"`
	TimedOut  bool   `json:"timedOut"`
	Truncated bool   `json:"truncated,omitempty"`
	PID       int    `json:"-"`
}

// shell operators that would need a shell to mean anything
var shellMeta = []string{"|", ";", "&", ">", "<", "`", "$(", "${", "\n", "\r"}

// Split turns a command string into argv. Shell operators are rejected
// rather than passed through as literal arguments.
func Split(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}
	for _, m := range shellMeta {
		if strings.Contains(command, m) {
			return nil, fmt.Errorf("%w: %q", ErrShellSyntax, strings.TrimSpace(m))
		}
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShellSyntax, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// Exec splits command and runs it. c must be a live engine capability.
func Exec(ctx context.Context, c engine.Cap, command string, opts Options) (Output, error) {
	if !c.Valid() {
		return Output{}, engine.ErrInvalidCap
	}
	argv, err := Split(command)
	if err != nil {
		return Output{}, err
	}
	return run(ctx, argv, opts)
}

// ExecArgv runs an already split argv. c must be a live engine capability.
func ExecArgv(ctx context.Context, c engine.Cap, argv []string, opts Options) (Output, error) {
	if !c.Valid() {
		return Output{}, engine.ErrInvalidCap
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return Output{}, ErrEmptyCommand
	}
	return run(ctx, argv, opts)
}

// Classify maps an execution error to the engine's failure taxonomy.
func Classify(err error) engine.FailureClass {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrKilled):
		return engine.FailureTimeout
	case errors.Is(err, ErrShellSyntax), errors.Is(err, workspace.ErrPathEscape), errors.Is(err, engine.ErrInvalidCap):
		return engine.FailurePermissionDenied
	case errors.Is(err, ErrUnavailable):
		return engine.FailureToolUnavailable
	default:
		return engine.FailureCommandError
	}
}

func resolveDir(opts Options) (string, error) {
	if opts.Root == "" {
		return "", errors.New("project root is required")
	}
	dir, err := workspace.Confine(opts.Root, opts.Dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", opts.Dir)
	}
	return dir, nil
}

func run(ctx context.Context, argv []string, opts Options) (Output, error) {
	dir, err := resolveDir(opts)
	if err != nil {
		return Output{}, err
	}
	name := argv[0]
	if strings.ContainsRune(name, '/') {
		if _, err := workspace.Confine(dir, name); err != nil {
			return Output{}, err
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := opts.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, argv[1:]...)
	cmd.Dir = dir
	cmd.Env = SafeEnv(append(os.Environ(), opts.Env...))
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	capt := &capture{limit: limit, onChunk: opts.OnChunk}
	cmd.Stdout = &streamWriter{c: capt, stream: "stdout", buf: &capt.stdout}
	cmd.Stderr = &streamWriter{c: capt, stream: "stderr", buf: &capt.stderr}

	log.Debug().Str("dir", dir).Str("cmd", name).Strs("args", argv[1:]).Msg("running command")
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return Output{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
		}
		return Output{}, fmt.Errorf("start %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	waitErr := cmd.Wait()

	out := capt.output()
	out.PID = pid
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		return out, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return out, fmt.Errorf("%w: %v", ErrKilled, ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				out.ExitCode = &code
				return out, fmt.Errorf("%w: exit status %d", ErrNonZeroExit, code)
			}
			return out, fmt.Errorf("%w: %v", ErrKilled, waitErr)
		}
		return out, fmt.Errorf("wait %s: %w", name, waitErr)
	}
	code := 0
	out.ExitCode = &code
	return out, nil
}

type capture struct {
	mu        sync.Mutex
	limit     int
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	truncated bool
	onChunk   func(stream, data string)
}

func (c *capture) output() Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Output{Stdout: c.stdout.String(), Stderr: c.stderr.String(), Truncated: c.truncated}
}

type streamWriter struct {
	c      *capture
	stream string
	buf    *bytes.Buffer
}

// Write keeps output up to the shared limit and always reports full writes
// so the child never blocks on a full pipe.
func (w *streamWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	room := w.c.limit - w.c.stdout.Len() - w.c.stderr.Len()
	kept := p
	if room < len(p) {
		w.c.truncated = true
		if room <= 0 {
			return len(p), nil
		}
		kept = p[:room]
	}
	w.buf.Write(kept)
	if w.c.onChunk != nil {
		w.c.onChunk(w.stream, string(kept))
	}
	return len(p), nil
}
