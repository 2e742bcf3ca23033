package patch

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appDiff = `diff --git a/src/app.txt b/src/app.txt
--- a/src/app.txt
+++ b/src/app.txt
@@ -1,2 +1,2 @@
-hello
+hello world
 bye
`

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(b)
}

func newExecutor(t *testing.T, root string, mutate ...func(*Config)) *Executor {
	t.Helper()
	cfg := Config{
		RepoRoot:     root,
		AllowedPaths: []string{"src/**"},
		MaxLines:     200,
		Timeout:      10 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func TestApply_OutsideAllowListRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "config/secret.txt", "token=1\n")
	e := newExecutor(t, root)

	d := `diff --git a/config/secret.txt b/config/secret.txt
--- a/config/secret.txt
+++ b/config/secret.txt
@@ -1 +1 @@
-token=1
+token=2
`
	res, err := e.Apply(context.Background(), d, "rotate token", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, res.Success)
	assert.False(t, res.Applied)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ViolationNotAllowed, res.Violations[0].Kind)
	assert.Equal(t, "config/secret.txt", res.Violations[0].File)
	assert.Equal(t, "token=1\n", readFile(t, root, "config/secret.txt"))
}

func TestValidate_ForbiddenOperations(t *testing.T) {
	allow, err := NewAllowList([]string{"**"})
	require.NoError(t, err)

	tests := []struct {
		name string
		diff string
		msg  string
	}{
		{
			name: "deletion",
			diff: "diff --git a/src/a.go b/src/a.go\ndeleted file mode 100644\n--- a/src/a.go\n+++ /dev/null\n@@ -1 +0,0 @@\n-package a\n",
			msg:  "file deletion",
		},
		{
			name: "rename",
			diff: "diff --git a/src/a.go b/src/b.go\nsimilarity index 100%\nrename from src/a.go\nrename to src/b.go\n",
			msg:  "rename",
		},
		{
			name: "binary",
			diff: "diff --git a/src/logo.png b/src/logo.png\nindex 1111111..2222222 100644\nBinary files a/src/logo.png and b/src/logo.png differ\n",
			msg:  "binary change",
		},
		{
			name: "submodule",
			diff: "diff --git a/vendor/lib b/vendor/lib\nindex 1111111..2222222 160000\n--- a/vendor/lib\n+++ b/vendor/lib\n@@ -1 +1 @@\n-Subproject commit 1111111\n+Subproject commit 2222222\n",
			msg:  "submodule change",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.diff, allow, 100)
			require.False(t, v.OK())
			var found bool
			for _, viol := range v.Violations {
				if viol.Kind == ViolationForbidden && viol.Message == tt.msg {
					found = true
				}
			}
			assert.True(t, found, "violations: %v", v.Violations)
		})
	}
}

func TestValidate_SizeLimit(t *testing.T) {
	allow, err := NewAllowList([]string{"src/**"})
	require.NoError(t, err)
	v := Validate(appDiff, allow, 3)
	require.False(t, v.OK())
	assert.Equal(t, ViolationSize, v.Violations[0].Kind)
}

func TestValidate_PathEscape(t *testing.T) {
	allow, err := NewAllowList([]string{"**"})
	require.NoError(t, err)
	d := "diff --git a/../etc/passwd b/../etc/passwd\n--- a/../etc/passwd\n+++ b/../etc/passwd\n@@ -1 +1 @@\n-root\n+evil\n"
	v := Validate(d, allow, 100)
	require.False(t, v.OK())
	assert.Equal(t, ViolationPathEscape, v.Violations[0].Kind)
	assert.Empty(t, v.Files)
}

func TestValidate_Malformed(t *testing.T) {
	allow, err := NewAllowList([]string{"**"})
	require.NoError(t, err)
	v := Validate("this is not a diff\n", allow, 100)
	require.False(t, v.OK())
	assert.Equal(t, ViolationMalformed, v.Violations[len(v.Violations)-1].Kind)
}

func TestValidate_AllowedFileListed(t *testing.T) {
	allow, err := NewAllowList([]string{"src/*.txt"})
	require.NoError(t, err)
	v := Validate(appDiff, allow, 100)
	assert.True(t, v.OK(), "violations: %v", v.Violations)
	assert.Equal(t, []string{"src/app.txt"}, v.Files)
	assert.False(t, allow.Match("src/nested/app.txt"))
}

func TestNormalize(t *testing.T) {
	in := "```diff\r\n--- a/x\r\n+++ b/x\r\n```\r\n"
	assert.Equal(t, "--- a/x\n+++ b/x\n", Normalize(in))
	assert.Equal(t, "plain\n", Normalize("plain\r\n"))
}

func TestApply_DryRunDoesNotMutate(t *testing.T) {
	requireGit(t)
	root := t.TempDir()
	writeFile(t, root, "src/app.txt", "hello\nbye\n")
	e := newExecutor(t, root)

	res, err := e.Apply(context.Background(), appDiff, "greet", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Applied)
	assert.False(t, res.NeedsRestart)
	assert.Equal(t, []string{"src/app.txt"}, res.FilesModified)
	assert.Equal(t, "hello\nbye\n", readFile(t, root, "src/app.txt"))
}

func TestApply_Success(t *testing.T) {
	requireGit(t)
	root := t.TempDir()
	writeFile(t, root, "src/app.txt", "hello\nbye\n")
	e := newExecutor(t, root)

	res, err := e.Apply(context.Background(), appDiff, "greet", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Applied)
	assert.True(t, res.NeedsRestart)
	assert.Equal(t, "hello world\nbye\n", readFile(t, root, "src/app.txt"))
}

func TestApply_CheckFailureLeavesTreeUntouched(t *testing.T) {
	requireGit(t)
	root := t.TempDir()
	writeFile(t, root, "src/app.txt", "something else\n")
	e := newExecutor(t, root)

	res, err := e.Apply(context.Background(), appDiff, "greet", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckFailed))
	assert.False(t, res.Success)
	assert.Equal(t, "something else\n", readFile(t, root, "src/app.txt"))
}

func TestApply_FailedApplyRestoresFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script git stub")
	}
	root := t.TempDir()
	writeFile(t, root, "src/app.txt", "hello\nbye\n")

	// Passes the check, then corrupts the target and fails.
	stub := filepath.Join(t.TempDir(), "fakegit")
	script := `#!/bin/sh
cat >/dev/null
for a in "$@"; do
  if [ "$a" = "--check" ]; then exit 0; fi
done
echo corrupted > src/app.txt
echo "error: patch failed" >&2
exit 1
`
	require.NoError(t, os.WriteFile(stub, []byte(script), 0o755))
	e := newExecutor(t, root, func(c *Config) { c.GitBinary = stub })

	res, err := e.Apply(context.Background(), appDiff, "greet", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrApplyFailed))
	assert.False(t, res.Success)
	assert.False(t, res.Applied)
	assert.Contains(t, res.Error, "patch failed")
	assert.Equal(t, "hello\nbye\n", readFile(t, root, "src/app.txt"))
}

func TestValidate_DirtyTargetRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/app.txt", "hello\nbye\n")

	repo, err := gogit.PlainInit(root, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("src/app.txt")
	require.NoError(t, err)
	_, err = wt.Commit("init", &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	e := newExecutor(t, root, func(c *Config) { c.RequireCleanTargets = true })
	assert.True(t, e.Validate(appDiff).OK())

	writeFile(t, root, "src/app.txt", "hello\nlocal edit\n")
	v := e.Validate(appDiff)
	require.False(t, v.OK())
	assert.Equal(t, ViolationDirty, v.Violations[0].Kind)
	assert.Equal(t, "src/app.txt", v.Violations[0].File)
}

func TestSummarize(t *testing.T) {
	s := summarize([]Violation{
		{Kind: ViolationSize, Message: "too big"},
		{Kind: ViolationNotAllowed, File: "a", Message: "nope"},
	})
	assert.True(t, strings.HasPrefix(s, "size_limit: too big"))
	assert.Contains(t, s, "not_allowed: a: nope")
}
