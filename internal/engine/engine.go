// Package engine assembles the self-healing daemon from configuration and
// owns its lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentsh/warden/internal/audit"
	"github.com/agentsh/warden/internal/config"
	"github.com/agentsh/warden/internal/containment"
	"github.com/agentsh/warden/internal/correlate"
	"github.com/agentsh/warden/internal/dispatch"
	"github.com/agentsh/warden/internal/events"
	"github.com/agentsh/warden/internal/governor"
	"github.com/agentsh/warden/internal/metrics"
	"github.com/agentsh/warden/internal/notify"
	"github.com/agentsh/warden/internal/patch"
	"github.com/agentsh/warden/internal/patterns"
	"github.com/agentsh/warden/internal/remediate"
	"github.com/agentsh/warden/internal/store"
	"github.com/agentsh/warden/internal/store/jsonl"
	"github.com/agentsh/warden/internal/store/sqlite"
	"github.com/agentsh/warden/internal/telemetry"
	"github.com/agentsh/warden/pkg/emergency"
	"github.com/agentsh/warden/pkg/hotreload"
	"github.com/agentsh/warden/pkg/ratelimit"
	"github.com/agentsh/warden/pkg/secrets"
	"github.com/agentsh/warden/pkg/types"
)

// ErrStopped is returned by submit calls after the queue has been closed.
var ErrStopped = errors.New("engine stopped")

// ClassIncidentClosures is the forensic class for incidents closed by sweeps.
const ClassIncidentClosures = "incident_closures"

// Options carries process-level collaborators that do not come from config.
type Options struct {
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	// Notifier replaces the webhook channels built from config.
	Notifier notify.Notifier
	// Rotators are registered alongside the configured credential rotators.
	Rotators []secrets.Rotator
	// Commands replaces the shell runner used by run_command.
	Commands remediate.CommandRunner
}

// Engine is one running warden instance.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	queue      *events.Queue
	reloader   *hotreload.FileWatcher
	tailer     *telemetry.Tailer
	governor   *governor.Governor
	correlator *correlate.Correlator
	learning   store.LearningStore
	forensics  store.RecordLog
	notifier   notify.Notifier
	sender     *notify.Async
	channels   []string
	rotators   *secrets.Registry
	pool       *remediate.Pool
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Collector
	pause      *emergency.PauseSwitch

	containmentTTL time.Duration
	startedAt      time.Time
	now            func() time.Time

	runOnce   sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New builds every component from cfg. Stores are opened here; call Close
// when done.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		cfg:            cfg,
		logger:         logger,
		queue:          events.NewQueue(),
		containmentTTL: config.Duration(cfg.Security.ContainmentTTL, 0),
		pause:          emergency.NewPauseSwitch(),
		now:            time.Now,
	}
	e.startedAt = e.now().UTC()

	var (
		set *patterns.Set
		err error
	)
	if cfg.Patterns.File == "" {
		logger.Warn("no patterns file configured, classification disabled")
		set, err = patterns.New(nil)
	} else {
		set, err = patterns.LoadFile(cfg.Patterns.File)
	}
	if err != nil {
		return nil, err
	}

	e.tailer, err = telemetry.New(telemetry.Config{
		Files:          cfg.Telemetry.Files,
		SeenIDCapacity: cfg.Telemetry.SeenIDCapacity,
		Logger:         logger.With("component", "telemetry"),
	})
	if err != nil {
		return nil, err
	}

	e.governor = governor.New(governor.Config{
		Cooldown:    config.Duration(cfg.Governor.Cooldown, 300*time.Second),
		MaxAttempts: cfg.Governor.MaxAttempts,
	})

	policies, err := correlate.PoliciesFromConfig(cfg.Security.Policies)
	if err != nil {
		return nil, err
	}
	e.correlator = correlate.New(correlate.Config{
		Policies:    policies,
		Containment: containment.NewRegistry(),
		Logger:      logger.With("component", "correlate"),
	})

	e.metrics = metrics.New(metrics.Sources{
		QueueDepth:         e.queue.Len,
		ActiveContainments: e.correlator.Containment().ActiveCount,
		OpenIncidents:      func() int { return len(e.correlator.OpenIncidents()) },
		DisabledPatterns:   func() int { return len(e.governor.Disabled()) },
		ParseErrors:        func() int64 { return e.tailer.Stats().ParseErrors },
	})

	learning, err := sqlite.Open(cfg.Learning.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open learning store: %w", err)
	}
	e.learning = metrics.WrapLearningStore(learning, e.metrics)

	forensics, err := openForensics(cfg.Forensics)
	if err != nil {
		_ = learning.Close()
		return nil, err
	}
	e.forensics = metrics.WrapRecordLog(forensics, e.metrics)

	if err := e.buildNotifier(opts); err != nil {
		_ = e.Close()
		return nil, err
	}
	if err := e.buildRemediation(ctx, opts); err != nil {
		_ = e.Close()
		return nil, err
	}

	e.dispatcher, err = dispatch.New(dispatch.Config{
		Queue:                e.queue,
		Patterns:             set,
		Governor:             e.governor,
		Correlator:           e.correlator,
		Pool:                 e.pool,
		Learning:             e.learning,
		Forensics:            e.forensics,
		Notifier:             e.notifier,
		Metrics:              e.metrics,
		Pause:                e.pause,
		AlertDedupeWindow:    config.Duration(cfg.Security.AlertDedupeWindow, 900*time.Second),
		IncidentDedupeWindow: config.Duration(cfg.Security.IncidentDedupeWindow, 900*time.Second),
		Lifecycle:            cfg.Notify.LifecycleEvents == nil || *cfg.Notify.LifecycleEvents,
		OnRestart: func(out remediate.Outcome) {
			logger.Warn("restart requested by remediation",
				"pattern", out.Job.Bug.Match.PatternName,
				"files", out.Result.FilesModified)
		},
		Logger: logger.With("component", "dispatch"),
	})
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	if cfg.Patterns.Watch && cfg.Patterns.File != "" {
		e.reloader, err = hotreload.NewFileWatcher(hotreload.WatcherConfig{
			Path:     cfg.Patterns.File,
			Reload:   e.reloadPatterns,
			Debounce: config.Duration(cfg.Patterns.WatchDebounce, 250*time.Millisecond),
		})
		if err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}

// reloadPatterns swaps in a freshly parsed pattern file. A file that fails
// to parse leaves the running set untouched.
func (e *Engine) reloadPatterns(path string) error {
	set, err := patterns.LoadFile(path)
	if err != nil {
		e.logger.Error("pattern reload rejected", "path", path, "error", err)
		return err
	}
	e.dispatcher.SetPatterns(set)
	e.logger.Info("patterns reloaded", "path", path, "patterns", set.Len())
	return nil
}

// openForensics opens the per-class record directory, HMAC-chained when an
// integrity key is configured.
func openForensics(cfg config.ForensicsConfig) (store.RecordLog, error) {
	dir, err := jsonl.OpenDir(cfg.Dir, cfg.MaxSizeMB, cfg.MaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open forensic log: %w", err)
	}
	if !cfg.IntegrityEnabled() {
		return dir, nil
	}
	key, err := audit.LoadKey(cfg.IntegrityKeyFile, cfg.IntegrityKeyEnv)
	if err != nil {
		_ = dir.Close()
		return nil, fmt.Errorf("forensic integrity key: %w", err)
	}
	chained, err := store.NewIntegrityLog(dir, key, cfg.IntegrityAlgorithm, func(class string) (audit.ChainState, error) {
		return audit.LastState(dir.PathFor(class))
	})
	if err != nil {
		_ = dir.Close()
		return nil, fmt.Errorf("forensic integrity: %w", err)
	}
	return chained, nil
}

func (e *Engine) buildNotifier(opts Options) error {
	if opts.Notifier != nil {
		e.notifier = opts.Notifier
		return nil
	}
	channels, err := notify.ChannelsFromConfig(e.cfg.Notify)
	if err != nil {
		return err
	}
	limiter := ratelimit.NewLimiter(e.cfg.Notify.RatePerSecond, e.cfg.Notify.Burst)
	logger := e.logger.With("component", "notify")
	multi := notify.NewMulti(channels, limiter, logger)
	e.sender = notify.NewAsync(multi, e.cfg.Notify.QueueSize, logger)
	e.notifier = e.sender
	e.channels = multi.Channels()
	return nil
}

func (e *Engine) buildRemediation(ctx context.Context, opts Options) error {
	rc := e.cfg.Remediation

	e.rotators = secrets.NewRegistry()
	for _, a := range rc.Credentials.AWS {
		rot, err := secrets.NewAWSRotator(ctx, secrets.AWSConfig{
			Name:     a.Name,
			Region:   a.Region,
			SecretID: a.SecretID,
			RoleARN:  a.RoleARN,
		})
		if err != nil {
			return fmt.Errorf("aws rotator %q: %w", a.Name, err)
		}
		if err := e.rotators.Register(rot); err != nil {
			return err
		}
	}
	for _, v := range rc.Credentials.Vault {
		rot, err := secrets.NewVaultRotator(secrets.VaultConfig{
			Name:       v.Name,
			Address:    v.Address,
			AuthMethod: v.AuthMethod,
			TokenFile:  v.TokenFile,
			K8sRole:    v.K8sRole,
			Mount:      v.Mount,
			SecretPath: v.SecretPath,
			KeyField:   v.KeyField,
		})
		if err != nil {
			return err
		}
		if err := e.rotators.Register(rot); err != nil {
			return err
		}
	}
	for _, rot := range opts.Rotators {
		if err := e.rotators.Register(rot); err != nil {
			return err
		}
	}

	patcher, err := patch.New(patch.Config{
		RepoRoot:            e.cfg.Patch.RepoRoot,
		AllowedPaths:        e.cfg.Patch.AllowedPaths,
		MaxLines:            e.cfg.Patch.MaxLines,
		GitBinary:           e.cfg.Patch.GitBinary,
		Timeout:             config.Duration(e.cfg.Patch.Timeout, 30*time.Second),
		RequireCleanTargets: e.cfg.Patch.RequireCleanTargets,
		Logger:              e.logger.With("component", "patch"),
	})
	if err != nil {
		return err
	}

	commands := opts.Commands
	if commands == nil {
		commands = remediate.ShellRunner{
			Shell:   rc.Shell,
			Dir:     rc.WorkDir,
			Timeout: config.Duration(rc.CommandTimeout, 60*time.Second),
		}
	}
	executor := remediate.New(remediate.Config{
		Commands:       commands,
		Credentials:    e.rotators,
		Reconnect:      remediate.NewHTTPReconnector(rc.Reconnect),
		Patcher:        patcher,
		PatchDir:       rc.PatchDir,
		DryRunPatches:  rc.DryRunPatches,
		Learning:       e.learning,
		TracerProvider: opts.TracerProvider,
		Logger:         e.logger.With("component", "remediate"),
	})
	e.pool = remediate.NewPool(executor, rc.Workers, rc.Workers*16)
	return nil
}

// SetClock replaces the time source of the engine and its time-keeping
// components.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.governor.SetClock(now)
	e.correlator.SetClock(now)
	e.correlator.Containment().SetClock(now)
	e.dispatcher.SetClock(now)
	e.pause.SetClock(now)
}

// Run tails telemetry, dispatches events and runs scheduled sweeps until ctx
// is done. On shutdown the tailer stops first, then the queue is closed and
// drained, and in-flight fixes complete before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("engine: already run")
	}

	sched := cron.New()
	if _, err := sched.AddFunc(e.cfg.Security.SweepSchedule, func() { e.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid security.sweep_schedule %q: %w", e.cfg.Security.SweepSchedule, err)
	}

	tailCtx, stopTail := context.WithCancel(ctx)
	var tailWG sync.WaitGroup
	if len(e.tailer.Files()) > 0 {
		tailWG.Add(1)
		go func() {
			defer tailWG.Done()
			e.tailer.Run(tailCtx, telemetry.RunOptions{
				Interval: config.Duration(e.cfg.Telemetry.PollInterval, 2*time.Second),
				Watch:    e.cfg.Telemetry.WatchFilesystem == nil || *e.cfg.Telemetry.WatchFilesystem,
				OnError: func(err error) {
					e.logger.Warn("telemetry poll failed", "error", err)
				},
			}, func(ev types.Event) {
				if !e.queue.Push(ev) {
					e.logger.Debug("telemetry event dropped after shutdown", "id", ev.ID)
				}
			})
		}()
	}

	done := make(chan error, 1)
	go func() {
		done <- e.dispatcher.Run(context.WithoutCancel(ctx))
	}()

	if e.reloader != nil {
		if err := e.reloader.Start(ctx); err != nil {
			e.logger.Warn("pattern file watch disabled", "error", err)
		} else {
			defer e.reloader.Stop()
		}
	}

	sched.Start()
	e.logger.Info("warden running",
		"telemetry_files", len(e.tailer.Files()),
		"patterns", e.dispatcher.Patterns().Len(),
		"policies", len(e.correlator.Policies()),
		"workers", e.cfg.Remediation.Workers)

	var err error
	select {
	case <-ctx.Done():
	case err = <-done:
		// The dispatcher only exits early on a queue failure.
		stopTail()
		tailWG.Wait()
		<-sched.Stop().Done()
		return err
	}

	stopTail()
	tailWG.Wait()
	<-sched.Stop().Done()
	e.queue.Close()
	err = <-done
	e.logger.Info("warden stopped", "restart_requested", e.RestartRequested())
	return err
}

// Sweep releases expired containments, closes stale incidents and purges
// dedupe state. It runs on the cron schedule and may be called directly.
func (e *Engine) Sweep(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	released, closed := e.correlator.Sweep(e.containmentTTL)
	for _, t := range released {
		e.metrics.IncRelease("expiry")
		ok := e.notifier.Push(ctx, notify.Message{
			Kind:      notify.KindRelease,
			Title:     "containment expired",
			Body:      t.String(),
			Timestamp: e.now().UTC(),
			Fields:    map[string]any{"by": "expiry"},
		})
		e.metrics.IncNotification(string(notify.KindRelease), ok)
	}
	for _, inc := range closed {
		if err := e.forensics.Append(ctx, ClassIncidentClosures, map[string]any{
			"record_id":      uuid.NewString(),
			"incident_id":    inc.ID,
			"policy_trigger": inc.PolicyTrigger,
			"target":         inc.Target,
			"severity":       inc.Severity,
			"first_seen":     inc.FirstSeen,
			"last_seen":      inc.LastSeen,
			"closed_at":      e.now().UTC(),
		}); err != nil {
			e.logger.Warn("failed to persist incident closure", "incident_id", inc.ID, "error", err)
		}
	}
	alerts, incidents := e.dispatcher.PurgeDedupe()
	if len(released) > 0 || len(closed) > 0 || alerts > 0 || incidents > 0 {
		e.logger.Info("sweep",
			"released", len(released),
			"incidents_closed", len(closed),
			"alert_keys_purged", alerts,
			"incident_keys_purged", incidents)
	}
}

// Submit enqueues ev for dispatch. Missing ID and timestamp are filled in.
func (e *Engine) Submit(ev types.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	if !e.queue.Push(ev) {
		return ErrStopped
	}
	return nil
}

// SubmitSecurity validates and enqueues a security event from an external
// producer.
func (e *Engine) SubmitSecurity(sec types.SecurityEvent, source string) error {
	if err := sec.Validate(); err != nil {
		return err
	}
	if sec.Timestamp.IsZero() {
		sec.Timestamp = e.now().UTC()
	}
	return e.Submit(types.Event{
		Type:      sec.Type,
		Timestamp: sec.Timestamp,
		Source:    source,
		Security:  &sec,
	})
}

// Release enqueues a containment release. The release takes effect when the
// dispatcher handles it; releasing an inactive target is a no-op.
func (e *Engine) Release(target types.ContainmentTarget, by string) error {
	if err := target.Validate(); err != nil {
		return err
	}
	return e.Submit(types.Event{
		Type:    types.EventContainmentRelease,
		Source:  by,
		Release: &target,
	})
}

func (e *Engine) Containments() []containment.State {
	return e.correlator.Containment().Active()
}

func (e *Engine) OpenIncidents() []types.Incident {
	return e.correlator.OpenIncidents()
}

func (e *Engine) RecentFixes(ctx context.Context, limit int) ([]store.FixRecord, error) {
	return e.learning.RecentFixes(ctx, limit)
}

func (e *Engine) MarkFalsePositive(ctx context.Context, entity, reason string) error {
	return e.learning.MarkFalsePositive(ctx, entity, reason)
}

func (e *Engine) RemoveFalsePositive(ctx context.Context, entity string) (bool, error) {
	return e.learning.RemoveFalsePositive(ctx, entity)
}

func (e *Engine) FalsePositives(ctx context.Context) ([]store.FalsePositive, error) {
	return e.learning.FalsePositives(ctx)
}

// Metrics returns the collector backing the metrics endpoint.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// RestartRequested reports whether a successful fix asked for a restart.
func (e *Engine) RestartRequested() bool { return e.dispatcher.RestartRequested() }

// Close releases the stores. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.sender != nil {
			e.sender.Close()
		}
		if e.learning != nil {
			errs = append(errs, e.learning.Close())
		}
		if e.forensics != nil {
			errs = append(errs, e.forensics.Close())
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
