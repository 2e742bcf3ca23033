// Package remediate executes governed fixes through a closed set of
// strategies and records every attempt for later learning.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentsh/warden/internal/classify"
	"github.com/agentsh/warden/internal/patch"
	"github.com/agentsh/warden/internal/patterns"
	"github.com/agentsh/warden/internal/store"
	"github.com/agentsh/warden/pkg/observability"
	"github.com/agentsh/warden/pkg/secrets"
)

var (
	ErrUnknownStrategy   = errors.New("unknown fix strategy")
	ErrNotConfigured     = errors.New("strategy not configured")
	ErrPatchOutsideDir   = errors.New("patch file outside patch dir")
	defaultConfidence    = 0.5
	maxRecordedErrorSize = 2048
)

// CommandRunner runs an externally supplied command string.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// CredentialRotator rotates a named credential. *secrets.Registry satisfies it.
type CredentialRotator interface {
	Rotate(ctx context.Context, name string) (*secrets.Rotation, error)
}

// Reconnector re-establishes a named service connection.
type Reconnector interface {
	Reconnect(ctx context.Context, service string) error
}

// Patcher applies a unified diff. *patch.Executor satisfies it.
type Patcher interface {
	Apply(ctx context.Context, diffText, description string, dryRun bool) (patch.Result, error)
}

// Job is one governed fix attempt.
type Job struct {
	Bug     classify.ClassifiedBug
	Attempt int
}

// ActionResult is the outcome of one Execute call.
type ActionResult struct {
	Success       bool          `json:"success"`
	Method        string        `json:"method"`
	FilesModified []string      `json:"files_modified,omitempty"`
	NeedsRestart  bool          `json:"needs_restart"`
	Error         string        `json:"error,omitempty"`
	Violations    []string      `json:"violations,omitempty"`
	Output        string        `json:"output,omitempty"`
	Duration      time.Duration `json:"duration"`
	Confidence    float64       `json:"confidence"`

	// Err keeps the typed error for errors.Is checks.
	Err error `json:"-"`
}

type Config struct {
	Commands    CommandRunner
	Credentials CredentialRotator
	Reconnect   Reconnector
	Patcher     Patcher

	// PatchDir resolves relative patch paths from fix_command.
	PatchDir      string
	DryRunPatches bool

	Learning       store.LearningStore
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

type Executor struct {
	cfg    Config
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		cfg:    cfg,
		tracer: observability.Tracer(cfg.TracerProvider),
		logger: logger,
		now:    time.Now,
	}
}

// Execute runs job through its strategy. Every call, including unknown
// strategies, is written to the learning store.
func (e *Executor) Execute(ctx context.Context, job Job) ActionResult {
	bug := job.Bug
	ctx, span := observability.TraceRemediation(ctx, e.tracer, &observability.Remediation{
		PatternName: bug.Match.PatternName,
		PatternKey:  bug.PatternKey,
		Strategy:    string(bug.FixStrategy),
		Attempt:     job.Attempt,
		Target:      bug.FixCommand,
	})
	defer span.End()

	confidence := e.confidence(ctx, bug.PatternKey)
	start := e.now()

	var res ActionResult
	switch bug.FixStrategy {
	case patterns.StrategyRunCommand:
		res = e.runCommand(ctx, bug.FixCommand)
	case patterns.StrategyRotateCredentials:
		res = e.rotate(ctx, bug.FixCommand)
	case patterns.StrategyReconnectService:
		res = e.reconnect(ctx, bug.FixCommand)
	case patterns.StrategyApplyCodePatch:
		res = e.applyPatch(ctx, bug)
	default:
		res = ActionResult{
			Method: string(bug.FixStrategy),
			Err:    fmt.Errorf("%w %q for pattern %s", ErrUnknownStrategy, bug.FixStrategy, bug.Match.PatternName),
		}
	}
	if res.Method == "" {
		res.Method = string(bug.FixStrategy)
	}
	res.Duration = e.now().Sub(start)
	res.Confidence = confidence
	if res.Err != nil {
		res.Success = false
		res.Error = truncate(res.Err.Error(), maxRecordedErrorSize)
		observability.RecordError(span, res.Err)
	}
	observability.RecordOutcome(span, res.Success, res.NeedsRestart, res.FilesModified)

	level := slog.LevelInfo
	if !res.Success {
		level = slog.LevelWarn
	}
	if errors.Is(res.Err, ErrUnknownStrategy) {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "remediation finished",
		"pattern", bug.Match.PatternName,
		"pattern_key", bug.PatternKey,
		"method", res.Method,
		"attempt", job.Attempt,
		"success", res.Success,
		"needs_restart", res.NeedsRestart,
		"duration", res.Duration,
		"error", res.Error)

	e.record(ctx, job, res)
	return res
}

func (e *Executor) confidence(ctx context.Context, key string) float64 {
	if e.cfg.Learning == nil {
		return defaultConfidence
	}
	st, err := e.cfg.Learning.PatternStats(ctx, key)
	if err != nil {
		e.logger.Warn("pattern stats lookup failed", "pattern_key", key, "error", err)
		return defaultConfidence
	}
	return st.SuccessRatio(defaultConfidence)
}

func (e *Executor) record(ctx context.Context, job Job, res ActionResult) {
	if e.cfg.Learning == nil {
		return
	}
	err := e.cfg.Learning.RecordFix(context.WithoutCancel(ctx), store.FixRecord{
		PatternKey:    job.Bug.PatternKey,
		PatternName:   job.Bug.Match.PatternName,
		Strategy:      string(job.Bug.FixStrategy),
		Method:        res.Method,
		Attempt:       job.Attempt,
		Success:       res.Success,
		NeedsRestart:  res.NeedsRestart,
		Duration:      res.Duration,
		Confidence:    res.Confidence,
		FilesModified: res.FilesModified,
		Error:         res.Error,
		At:            e.now().UTC(),
	})
	if err != nil {
		e.logger.Warn("record fix attempt failed", "pattern_key", job.Bug.PatternKey, "error", err)
	}
}

func (e *Executor) runCommand(ctx context.Context, command string) ActionResult {
	res := ActionResult{Method: string(patterns.StrategyRunCommand)}
	if e.cfg.Commands == nil {
		res.Err = fmt.Errorf("%w: run_command", ErrNotConfigured)
		return res
	}
	out, err := e.cfg.Commands.Run(ctx, command)
	res.Output = truncate(out, maxRecordedErrorSize)
	if err != nil {
		res.Err = err
		return res
	}
	res.Success = true
	return res
}

func (e *Executor) rotate(ctx context.Context, name string) ActionResult {
	res := ActionResult{Method: string(patterns.StrategyRotateCredentials)}
	if e.cfg.Credentials == nil {
		res.Err = fmt.Errorf("%w: rotate_credentials", ErrNotConfigured)
		return res
	}
	rot, err := e.cfg.Credentials.Rotate(ctx, name)
	if err != nil {
		res.Err = err
		return res
	}
	res.Success = true
	res.Output = fmt.Sprintf("%s rotated via %s (version %s)", rot.Name, rot.Provider, rot.Version)
	return res
}

func (e *Executor) reconnect(ctx context.Context, service string) ActionResult {
	res := ActionResult{Method: string(patterns.StrategyReconnectService)}
	if e.cfg.Reconnect == nil {
		res.Err = fmt.Errorf("%w: reconnect_service", ErrNotConfigured)
		return res
	}
	if err := e.cfg.Reconnect.Reconnect(ctx, service); err != nil {
		res.Err = err
		return res
	}
	res.Success = true
	return res
}

func (e *Executor) applyPatch(ctx context.Context, bug classify.ClassifiedBug) ActionResult {
	res := ActionResult{Method: string(patterns.StrategyApplyCodePatch)}
	if e.cfg.DryRunPatches {
		res.Method += ":dry_run"
	}
	if e.cfg.Patcher == nil {
		res.Err = fmt.Errorf("%w: apply_code_patch", ErrNotConfigured)
		return res
	}
	path, err := e.patchPath(bug.FixCommand)
	if err != nil {
		res.Err = err
		return res
	}
	b, err := os.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("read patch: %w", err)
		return res
	}

	desc := fmt.Sprintf("%s: %s", bug.Match.PatternName, strings.TrimSpace(bug.Match.SourceLine))
	pr, err := e.cfg.Patcher.Apply(ctx, string(b), desc, e.cfg.DryRunPatches)
	res.FilesModified = pr.FilesModified
	res.NeedsRestart = pr.NeedsRestart
	for _, v := range pr.Violations {
		res.Violations = append(res.Violations, v.String())
	}
	if err != nil {
		res.Err = err
		return res
	}
	res.Success = pr.Success
	if !pr.Success {
		res.Err = errors.New(pr.Error)
	}
	return res
}

func (e *Executor) patchPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("apply_code_patch requires a patch file")
	}
	if filepath.IsAbs(name) || e.cfg.PatchDir == "" {
		return filepath.Clean(name), nil
	}
	p := filepath.Join(e.cfg.PatchDir, name)
	rel, err := filepath.Rel(e.cfg.PatchDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPatchOutsideDir, name)
	}
	return p, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
