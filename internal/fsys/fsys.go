// Package fsys is the filesystem adapter. Every path is resolved against
// the project root and rejected with ErrPathEscape if it leaves it.
package fsys

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/workspace"
)

// ErrPathEscape is returned when a path resolves outside the project root.
var ErrPathEscape = workspace.ErrPathEscape

var (
	ErrIsDirectory = errors.New("path is a directory")
	ErrTooLarge    = errors.New("file exceeds read limit")
	ErrRootRemoval = errors.New("refusing to remove project root")
)

// DefaultReadLimit caps a single read.
const DefaultReadLimit = 4 << 20

// Entry describes a directory entry.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// root performs confined operations under one project root.
type root struct {
	dir       string
	readLimit int64
}

func newRoot(dir string) root {
	return root{dir: dir, readLimit: DefaultReadLimit}
}

func (r root) resolve(p string) (string, error) {
	return workspace.Confine(r.dir, p)
}

func (r root) readFile(p string) ([]byte, error) {
	full, err := r.resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}
	if info.Size() > r.readLimit {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, p, info.Size())
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(io.LimitReader(f, r.readLimit))
}

// writeFile writes atomically through a temp file in the target directory.
func (r root) writeFile(p string, data []byte, appendMode bool) error {
	full, err := r.resolve(p)
	if err != nil {
		return err
	}
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	if appendMode {
		f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".rinawarp-write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (r root) exists(p string) (bool, error) {
	full, err := r.resolve(p)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(full)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (r root) listDir(p string) ([]Entry, error) {
	full, err := r.resolve(p)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	rel, err := workspace.Rel(r.dir, p)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, entryFor(filepath.Join(rel, de.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r root) mkdir(p string) error {
	full, err := r.resolve(p)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

// removeFile deletes a file or, with recursive, a directory tree. The root
// itself is never removed. A symlink is removed as a link; its target is
// left alone.
func (r root) removeFile(p string, recursive bool) error {
	if _, err := r.resolve(p); err != nil {
		return err
	}
	target, realRoot, err := r.resolveEntry(p)
	if err != nil {
		return err
	}
	if target == realRoot {
		return ErrRootRemoval
	}
	info, err := os.Lstat(target)
	if err != nil {
		return err
	}
	if info.IsDir() && recursive {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

// resolveEntry confines the parent of p and joins the final component
// without following it, so the result names the directory entry itself.
func (r root) resolveEntry(p string) (string, string, error) {
	absRoot, err := filepath.Abs(r.dir)
	if err != nil {
		return "", "", err
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", "", err
	}
	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)
	if candidate == absRoot || candidate == realRoot {
		return realRoot, realRoot, nil
	}
	parent, err := workspace.Confine(r.dir, filepath.Dir(candidate))
	if err != nil {
		return "", "", err
	}
	return filepath.Join(parent, filepath.Base(candidate)), realRoot, nil
}

func (r root) fileInfo(p string) (Entry, error) {
	full, err := r.resolve(p)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return Entry{}, err
	}
	rel, err := workspace.Rel(r.dir, p)
	if err != nil {
		return Entry{}, err
	}
	return entryFor(rel, info), nil
}

func entryFor(rel string, info fs.FileInfo) Entry {
	return Entry{
		Name:    info.Name(),
		Path:    filepath.ToSlash(rel),
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().UTC(),
	}
}
