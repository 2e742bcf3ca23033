package patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
)

// Config configures an Executor.
type Config struct {
	RepoRoot     string
	AllowedPaths []string
	MaxLines     int
	GitBinary    string
	Timeout      time.Duration
	// RequireCleanTargets rejects patches touching files with uncommitted
	// changes, so a failed apply can never be confused with local edits.
	RequireCleanTargets bool
	Logger              *slog.Logger
}

// Result is the terminal outcome of one Apply call.
type Result struct {
	Success       bool        `json:"success"`
	Applied       bool        `json:"applied"`
	DryRun        bool        `json:"dry_run,omitempty"`
	FilesModified []string    `json:"files_modified,omitempty"`
	Violations    []Violation `json:"violations,omitempty"`
	NeedsRestart  bool        `json:"needs_restart"`
	Error         string      `json:"error,omitempty"`
	Description   string      `json:"description,omitempty"`
}

// Executor validates patches and applies them with the git binary.
type Executor struct {
	root    string
	allow   *AllowList
	cfg     Config
	logger  *slog.Logger
	lookGit func() error
}

func New(cfg Config) (*Executor, error) {
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = "."
	}
	root, err := filepath.Abs(cfg.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	allow, err := NewAllowList(cfg.AllowedPaths)
	if err != nil {
		return nil, err
	}
	if cfg.GitBinary == "" {
		cfg.GitBinary = "git"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Executor{root: root, allow: allow, cfg: cfg, logger: logger}
	e.lookGit = func() error {
		_, err := exec.LookPath(cfg.GitBinary)
		return err
	}
	return e, nil
}

// Root returns the absolute repository root.
func (e *Executor) Root() string { return e.root }

// Validate runs static checks plus, when configured, the clean-target check.
func (e *Executor) Validate(diffText string) Validation {
	diffText = Normalize(diffText)
	v := Validate(diffText, e.allow, e.cfg.MaxLines)
	if v.OK() && e.cfg.RequireCleanTargets {
		v.Violations = append(v.Violations, e.dirtyTargets(v.Files)...)
	}
	return v
}

// Apply validates diffText and, unless dryRun, applies it. A check-only apply
// always runs first and must succeed before any file is written. On a failed
// real apply every touched file is restored to its prior content.
func (e *Executor) Apply(ctx context.Context, diffText, description string, dryRun bool) (Result, error) {
	res := Result{DryRun: dryRun, Description: description}
	diffText = Normalize(diffText)

	v := e.Validate(diffText)
	if !v.OK() {
		res.Violations = v.Violations
		res.Error = summarize(v.Violations)
		e.logger.Warn("patch rejected", "description", description, "violations", len(v.Violations))
		return res, fmt.Errorf("%w: %s", ErrValidation, res.Error)
	}

	if err := e.lookGit(); err != nil {
		res.Error = fmt.Sprintf("git binary %q not available: %v", e.cfg.GitBinary, err)
		return res, fmt.Errorf("%w: %s", ErrCheckFailed, res.Error)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if out, err := e.git(ctx, diffText, "apply", "--check", "--whitespace=nowarn", "-"); err != nil {
		res.Error = gitError(err, out)
		e.logger.Warn("patch check failed", "description", description, "error", res.Error)
		return res, fmt.Errorf("%w: %s", ErrCheckFailed, res.Error)
	}
	if dryRun {
		res.Success = true
		res.FilesModified = v.Files
		return res, nil
	}

	snap, err := e.snapshot(v.Files)
	if err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}
	if out, err := e.git(ctx, diffText, "apply", "--whitespace=nowarn", "-"); err != nil {
		res.Error = gitError(err, out)
		if rerr := snap.restore(); rerr != nil {
			e.logger.Error("patch restore failed", "description", description, "error", rerr)
			res.Error += "; restore failed: " + rerr.Error()
		}
		e.logger.Warn("patch apply failed, working tree restored", "description", description, "error", res.Error)
		return res, fmt.Errorf("%w: %s", ErrApplyFailed, res.Error)
	}

	res.Success = true
	res.Applied = true
	res.NeedsRestart = true
	res.FilesModified = v.Files
	e.logger.Info("patch applied", "description", description, "files", v.Files)
	return res, nil
}

func (e *Executor) git(ctx context.Context, stdin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.cfg.GitBinary, args...)
	cmd.Dir = e.root
	cmd.Stdin = strings.NewReader(stdin)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return buf.Bytes(), fmt.Errorf("git %s timed out after %s", args[0], e.cfg.Timeout)
	}
	return buf.Bytes(), err
}

func gitError(err error, out []byte) string {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return err.Error()
	}
	return err.Error() + ": " + msg
}

func summarize(vs []Violation) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "; ")
}

// dirtyTargets reports touched files with uncommitted changes. It is a
// no-op outside a git worktree.
func (e *Executor) dirtyTargets(files []string) []Violation {
	repo, err := gogit.PlainOpenWithOptions(e.root, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		e.logger.Debug("clean-target check skipped", "root", e.root, "error", err)
		return nil
	}
	wt, err := repo.Worktree()
	if err != nil {
		return []Violation{{Kind: ViolationDirty, Message: "open worktree: " + err.Error()}}
	}
	status, err := wt.Status()
	if err != nil {
		return []Violation{{Kind: ViolationDirty, Message: "worktree status: " + err.Error()}}
	}
	wtRoot := wt.Filesystem.Root()
	var out []Violation
	for _, f := range files {
		key := f
		if rel, err := filepath.Rel(wtRoot, filepath.Join(e.root, f)); err == nil {
			key = filepath.ToSlash(rel)
		}
		fs, ok := status[key]
		if !ok {
			continue
		}
		if fs.Worktree != gogit.Unmodified || fs.Staging != gogit.Unmodified {
			if fs.Worktree == gogit.Untracked {
				continue
			}
			out = append(out, Violation{Kind: ViolationDirty, File: f, Message: "file has uncommitted changes"})
		}
	}
	return out
}

type fileState struct {
	path   string
	exists bool
	data   []byte
	mode   os.FileMode
}

type snapshot []fileState

func (e *Executor) snapshot(files []string) (snapshot, error) {
	snap := make(snapshot, 0, len(files))
	for _, f := range files {
		p := filepath.Join(e.root, filepath.FromSlash(f))
		st, err := os.Stat(p)
		if os.IsNotExist(err) {
			snap = append(snap, fileState{path: p})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", f, err)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", f, err)
		}
		snap = append(snap, fileState{path: p, exists: true, data: data, mode: st.Mode().Perm()})
	}
	return snap, nil
}

func (s snapshot) restore() error {
	var errs []error
	for _, fs := range s {
		if !fs.exists {
			if err := os.Remove(fs.path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		if err := os.WriteFile(fs.path, fs.data, fs.mode); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
