package fsys

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
)

type fileInput struct {
	Path      string `mapstructure:"path"`
	Content   string `mapstructure:"content"`
	Append    bool   `mapstructure:"append"`
	Recursive bool   `mapstructure:"recursive"`
}

type opFunc func(r root, in fileInput) (string, map[string]any, error)

// Tool is one filesystem operation exposed to plans.
type Tool struct {
	name     string
	category policy.Category
	confirm  bool
	needPath bool
	op       opFunc
}

func (t *Tool) Name() string               { return t.name }
func (t *Tool) Category() policy.Category  { return t.category }
func (t *Tool) RequiresConfirmation() bool { return t.confirm }

// Run resolves input.path under the project root and applies the operation.
func (t *Tool) Run(_ context.Context, input map[string]any, rc *engine.RunContext, c engine.Cap) engine.Result {
	if err := c.Check(t.name); err != nil {
		return engine.Fail(engine.FailurePermissionDenied, err, "", nil)
	}
	var in fileInput
	if err := engine.DecodeInput(input, &in); err != nil {
		return engine.Fail(engine.FailureCommandError, err, "", nil)
	}
	if strings.TrimSpace(in.Path) == "" {
		if t.needPath {
			return engine.Fail(engine.FailureCommandError, fmt.Errorf("%w: path is required", engine.ErrBadInput), "", nil)
		}
		in.Path = "."
	}
	out, meta, err := t.op(newRoot(rc.ProjectRoot), in)
	if err != nil {
		return engine.Fail(classify(err), err, "", nil)
	}
	return engine.OK(out, meta)
}

func classify(err error) engine.FailureClass {
	switch {
	case errors.Is(err, ErrPathEscape), errors.Is(err, ErrRootRemoval), errors.Is(err, fs.ErrPermission):
		return engine.FailurePermissionDenied
	default:
		return engine.FailureCommandError
	}
}

// ReadTools returns the read-only filesystem tools.
func ReadTools() []engine.Tool {
	return []engine.Tool{
		&Tool{name: "fs.read", category: policy.CategoryRead, needPath: true, op: func(r root, in fileInput) (string, map[string]any, error) {
			data, err := r.readFile(in.Path)
			if err != nil {
				return "", nil, err
			}
			return string(data), map[string]any{"bytes": len(data)}, nil
		}},
		&Tool{name: "fs.exists", category: policy.CategoryRead, needPath: true, op: func(r root, in fileInput) (string, map[string]any, error) {
			ok, err := r.exists(in.Path)
			if err != nil {
				return "", nil, err
			}
			return fmt.Sprint(ok), map[string]any{"exists": ok}, nil
		}},
		&Tool{name: "fs.list", category: policy.CategoryRead, op: func(r root, in fileInput) (string, map[string]any, error) {
			entries, err := r.listDir(in.Path)
			if err != nil {
				return "", nil, err
			}
			var b strings.Builder
			for _, e := range entries {
				b.WriteString(e.Path)
				if e.IsDir {
					b.WriteString("/")
				}
				b.WriteString("\n")
			}
			return b.String(), map[string]any{"entries": entries}, nil
		}},
		&Tool{name: "fs.info", category: policy.CategoryRead, op: func(r root, in fileInput) (string, map[string]any, error) {
			e, err := r.fileInfo(in.Path)
			if err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("%s %s %d", e.Mode, e.Path, e.Size), map[string]any{"info": e}, nil
		}},
	}
}

// WriteTools returns the mutating filesystem tools.
func WriteTools() []engine.Tool {
	return []engine.Tool{
		&Tool{name: "fs.write", category: policy.CategorySafeWrite, needPath: true, op: func(r root, in fileInput) (string, map[string]any, error) {
			if err := r.writeFile(in.Path, []byte(in.Content), in.Append); err != nil {
				return "", nil, err
			}
			return "", map[string]any{"bytes": len(in.Content), "append": in.Append}, nil
		}},
		&Tool{name: "fs.mkdir", category: policy.CategorySafeWrite, needPath: true, op: func(r root, in fileInput) (string, map[string]any, error) {
			return "", nil, r.mkdir(in.Path)
		}},
		&Tool{name: "fs.remove", category: policy.CategoryHighImpact, confirm: true, needPath: true, op: func(r root, in fileInput) (string, map[string]any, error) {
			if err := r.removeFile(in.Path, in.Recursive); err != nil {
				return "", nil, err
			}
			return "", map[string]any{"recursive": in.Recursive}, nil
		}},
	}
}

// Tools returns every filesystem tool.
func Tools() []engine.Tool {
	return append(ReadTools(), WriteTools()...)
}
