// Package workspace confines paths to a project root and project roots to a
// configured set of allowed workspace roots.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathEscape is returned for any path that resolves outside its root.
	ErrPathEscape = errors.New("path escapes project root")
	// ErrRootNotAllowed is returned for a project root outside every allowed root.
	ErrRootNotAllowed = errors.New("project root is not inside an allowed workspace root")
)

// Within reports whether child is parent or lies beneath it. Both paths must
// be clean and absolute.
func Within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Confine resolves p against root and returns the resolved absolute path.
// Relative paths are joined to root. The result is checked lexically and
// again after resolving symlinks of its longest existing prefix, so a link
// pointing outside root is rejected even when the link itself is inside.
func Confine(root, p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: path contains NUL", ErrPathEscape)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !Within(absRoot, candidate) && !Within(realRoot, candidate) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", err
	}
	if !Within(realRoot, resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return resolved, nil
}

// Rel confines p and returns it relative to root's resolved path.
func Rel(root, p string) (string, error) {
	resolved, err := Confine(root, p)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	return filepath.Rel(realRoot, resolved)
}

// resolveExisting evaluates symlinks on the longest prefix of p that exists
// and re-appends the remainder.
func resolveExisting(p string) (string, error) {
	var rest []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{real}, rest...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolve %s: %w", p, err)
		}
		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: dangling symlink %s", ErrPathEscape, cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// Roots is the set of directories a project root may live in.
type Roots []string

// Check accepts projectRoot when it is equal to or beneath an allowed root.
// An empty set accepts nothing.
func (r Roots) Check(projectRoot string) error {
	if strings.TrimSpace(projectRoot) == "" || !filepath.IsAbs(projectRoot) {
		return fmt.Errorf("%w: %q", ErrRootNotAllowed, projectRoot)
	}
	candidate := filepath.Clean(projectRoot)
	realCandidate, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("resolve project root: %w", err)
		}
		realCandidate = candidate
	}
	for _, allowed := range r {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" || !filepath.IsAbs(allowed) {
			continue
		}
		allowed = filepath.Clean(allowed)
		realAllowed, err := filepath.EvalSymlinks(allowed)
		if err != nil {
			realAllowed = allowed
		}
		if Within(realAllowed, realCandidate) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRootNotAllowed, projectRoot)
}
