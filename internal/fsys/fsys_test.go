package fsys

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/plan"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoot_ReadWrite(t *testing.T) {
	t.Parallel()

	r := newRoot(t.TempDir())
	require.NoError(t, r.writeFile("a/b/c.txt", []byte("one"), false))
	require.NoError(t, r.writeFile("a/b/c.txt", []byte("-two"), true))

	data, err := r.readFile("a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "one-two", string(data))

	ok, err := r.exists("a/b/c.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.exists("a/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := r.listDir("a/b")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a/b/c.txt", entries[0].Path)

	info, err := r.fileInfo("a")
	require.NoError(t, err)
	assert.True(t, info.IsDir)

	_, err = r.readFile("a")
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestRoot_RejectsTraversal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := newRoot(dir)
	paths := []string{"../../etc/passwd", "../sibling", "/etc/passwd", "a/../../x"}
	for _, p := range paths {
		_, err := r.readFile(p)
		assert.ErrorIs(t, err, ErrPathEscape, "read %s", p)
		assert.ErrorIs(t, r.writeFile(p, []byte("x"), false), ErrPathEscape, "write %s", p)
		assert.ErrorIs(t, r.mkdir(p), ErrPathEscape, "mkdir %s", p)
		assert.ErrorIs(t, r.removeFile(p, true), ErrPathEscape, "remove %s", p)
		_, err = r.exists(p)
		assert.ErrorIs(t, err, ErrPathEscape, "exists %s", p)
		_, err = r.listDir(p)
		assert.ErrorIs(t, err, ErrPathEscape, "list %s", p)
		_, err = r.fileInfo(p)
		assert.ErrorIs(t, err, ErrPathEscape, "info %s", p)
	}
}

func TestRoot_RejectsSymlinkEscape(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "out")))
	require.NoError(t, os.Symlink(secret, filepath.Join(dir, "secret-link")))

	r := newRoot(dir)
	_, err := r.readFile("out/secret.txt")
	require.ErrorIs(t, err, ErrPathEscape)
	_, err = r.readFile("secret-link")
	require.ErrorIs(t, err, ErrPathEscape)
	require.ErrorIs(t, r.writeFile("out/new.txt", []byte("x"), false), ErrPathEscape)
	require.ErrorIs(t, r.removeFile("secret-link", false), ErrPathEscape)

	assert.FileExists(t, secret)
	assert.NoFileExists(t, filepath.Join(outside, "new.txt"))
}

func TestRoot_NeverRemovesRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := newRoot(dir)
	require.ErrorIs(t, r.removeFile(".", true), ErrRootRemoval)
	require.ErrorIs(t, r.removeFile(dir, true), ErrRootRemoval)
	assert.DirExists(t, dir)
}

func TestRoot_RemoveNonEmptyDirNeedsRecursive(t *testing.T) {
	t.Parallel()

	r := newRoot(t.TempDir())
	require.NoError(t, r.writeFile("tmp/a.txt", []byte("a"), false))
	require.Error(t, r.removeFile("tmp", false))
	require.NoError(t, r.removeFile("tmp", true))
	ok, err := r.exists("tmp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoot_RemoveSymlinkRemovesLinkOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := newRoot(dir)
	require.NoError(t, r.writeFile("src/keep.txt", []byte("keep"), false))
	require.NoError(t, os.Symlink(filepath.Join(dir, "src"), filepath.Join(dir, "link")))
	require.NoError(t, os.Symlink(dir, filepath.Join(dir, "rootlink")))

	require.NoError(t, r.removeFile("link", true))
	_, err := os.Lstat(filepath.Join(dir, "link"))
	assert.True(t, os.IsNotExist(err), "link should be gone")
	assert.FileExists(t, filepath.Join(dir, "src", "keep.txt"))

	require.NoError(t, r.removeFile("rootlink", true))
	_, err = os.Lstat(filepath.Join(dir, "rootlink"))
	assert.True(t, os.IsNotExist(err), "rootlink should be gone")
	assert.FileExists(t, filepath.Join(dir, "src", "keep.txt"))
}

func TestTools_DirectInvocationWithoutCapFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rc := engine.NewRunContext(dir, 0)
	var forged engine.Cap
	for _, tool := range Tools() {
		res := tool.Run(context.Background(), map[string]any{"path": "pwned.txt", "content": "x"}, rc, forged)
		assert.False(t, res.Success, tool.Name())
		assert.Equal(t, engine.FailurePermissionDenied, res.FailureClass, tool.Name())
	}
	assert.NoFileExists(t, filepath.Join(dir, "pwned.txt"))
}

func TestTools_ThroughEngine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := engine.NewRegistry()
	for _, tool := range Tools() {
		require.NoError(t, reg.Add(tool))
	}
	e := engine.New(reg, engine.Config{})

	p := plan.Plan{ProjectRoot: dir, Steps: []plan.Step{
		{ID: "mk", Tool: "fs.mkdir", Input: map[string]any{"path": "tmp"}},
		{ID: "w", Tool: "fs.write", Input: map[string]any{"path": "tmp/x.txt", "content": "hello"},
			VerificationPlan: []plan.Step{{ID: "w.v", Tool: "fs.exists", Input: map[string]any{"path": "tmp/x.txt"}}}},
		{ID: "r", Tool: "fs.read", Input: map[string]any{"path": "tmp/x.txt"}},
		{ID: "rm", Tool: "fs.remove", Input: map[string]any{"path": "tmp", "recursive": true}, ConfirmationScope: "delete-temp"},
	}}
	report := e.Execute(context.Background(), p, engine.NewExecutionContext(policy.TierPro, plan.Approve("delete-temp")))

	require.True(t, report.OK, report.Detail)
	assert.Equal(t, "hello", report.Steps[2].Result.Output)
	assert.NoDirExists(t, filepath.Join(dir, "tmp"))

	escape := plan.Plan{ProjectRoot: dir, Steps: []plan.Step{
		{ID: "esc", Tool: "fs.read", Input: map[string]any{"path": "../../etc/passwd"}},
	}}
	report = e.Execute(context.Background(), escape, engine.NewExecutionContext(policy.TierPro))
	assert.Equal(t, engine.HaltPermissionDenied, report.HaltedBecause)
	assert.Contains(t, report.Steps[0].Result.Error, "escapes project root")
}
