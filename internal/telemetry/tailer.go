// Package telemetry incrementally reads append-only JSON-Lines telemetry
// files and emits the records that need a decision.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentsh/warden/pkg/types"
)

// Stats is a point-in-time view of tailer progress.
type Stats struct {
	Offsets     map[string]int64 `json:"offsets"`
	ParseErrors int64            `json:"parse_errors"`
	Emitted     int64            `json:"emitted"`
	Duplicates  int64            `json:"duplicates"`
	Skipped     int64            `json:"skipped"`
}

// Tailer tracks a byte offset per file. Offsets and the seen-ID set are
// process-local, so delivery is at-least-once across restarts.
type Tailer struct {
	files  []string
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	offsets     map[string]int64
	seen        *lru.Cache[string, struct{}]
	parseErrors int64
	emitted     int64
	duplicates  int64
	skipped     int64
}

// Config configures a Tailer.
type Config struct {
	Files []string
	// SeenIDCapacity bounds the duplicate-suppression set.
	SeenIDCapacity int
	Logger         *slog.Logger
}

func New(cfg Config) (*Tailer, error) {
	capacity := cfg.SeenIDCapacity
	if capacity <= 0 {
		capacity = 10000
	}
	seen, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("seen-id cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	files := append([]string(nil), cfg.Files...)
	sort.Strings(files)
	return &Tailer{
		files:   files,
		logger:  logger,
		now:     time.Now,
		offsets: make(map[string]int64),
		seen:    seen,
	}, nil
}

// Files returns the tracked paths.
func (t *Tailer) Files() []string { return t.files }

// Poll reads newly appended lines from every tracked file and returns the
// actionable events among them. Missing files are skipped.
func (t *Tailer) Poll() ([]types.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []types.Event
	var errs []string
	for _, path := range t.files {
		evs, err := t.pollFileLocked(path)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		out = append(out, evs...)
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("telemetry poll: %s", strings.Join(errs, "; "))
	}
	return out, nil
}

func (t *Tailer) pollFileLocked(path string) ([]types.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	offset := t.offsets[path]
	if st.Size() < offset {
		// Truncated or replaced; start over.
		t.logger.Info("telemetry file shrank, rewinding", "path", path, "offset", offset, "size", st.Size())
		offset = 0
	}
	if st.Size() == offset {
		t.offsets[path] = offset
		return nil, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}
	data, err := io.ReadAll(io.LimitReader(f, st.Size()-offset))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	// Advance past everything read, partial trailing lines included.
	t.offsets[path] = offset + int64(len(data))

	var out []types.Event
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec types.TelemetryRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.parseErrors++
			t.logger.Debug("skipping malformed telemetry line", "path", path, "error", err)
			continue
		}
		ev, ok := t.toEvent(path, line, &rec)
		if !ok {
			t.skipped++
			continue
		}
		if t.seen.Contains(ev.ID) {
			t.duplicates++
			continue
		}
		t.seen.Add(ev.ID, struct{}{})
		t.emitted++
		out = append(out, ev)
	}
	return out, nil
}

func (t *Tailer) toEvent(path, line string, rec *types.TelemetryRecord) (types.Event, bool) {
	et := types.EventType(rec.Event)
	if !IsActionable(rec) {
		return types.Event{}, false
	}
	ts, ok := rec.ParsedTimestamp()
	if !ok {
		ts = t.now().UTC()
	}
	ev := types.Event{
		ID:        EventID(rec),
		Type:      et,
		Timestamp: ts,
		Source:    path,
		Raw:       line,
		Telemetry: rec,
	}
	if et.IsSecurity() {
		ev.Security = &types.SecurityEvent{
			Type:      et,
			Timestamp: ts,
			Sender:    rec.Sender,
			Channel:   rec.Channel,
			DedupeKey: rec.DedupeKey,
			Details:   rec.Details,
		}
	} else if isSearchEvent(rec.Event) {
		ev.Type = types.EventSearchRequest
	}
	return ev, true
}

// IsActionable reports whether a telemetry record needs a decision.
func IsActionable(rec *types.TelemetryRecord) bool {
	et := types.EventType(rec.Event)
	switch {
	case et == types.EventModuleStatus:
		return strings.EqualFold(rec.Severity, "critical")
	case et == types.EventSystemAlerts:
		return len(rec.Alerts) > 0
	case isSearchEvent(rec.Event):
		return rec.CodeHits+rec.WSPHits > 0
	case et.IsSecurity():
		return rec.Sender != "" || rec.Channel != ""
	}
	return false
}

func isSearchEvent(name string) bool {
	return strings.HasPrefix(name, "search_")
}

// EventID derives a deterministic identity from timestamp, session, event
// type, and module or query.
func EventID(rec *types.TelemetryRecord) string {
	subject := rec.Module
	if subject == "" {
		subject = rec.Query
	}
	if subject == "" && types.EventType(rec.Event).IsSecurity() {
		subject = rec.Sender + "/" + rec.Channel + "/" + rec.DedupeKey
	}
	h := sha256.Sum256([]byte(strings.Join([]string{rec.TimestampString(), rec.Session, rec.Event, subject}, "\x1f")))
	return hex.EncodeToString(h[:])[:20]
}

// Stats returns counters and a copy of the offsets.
func (t *Tailer) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	offsets := make(map[string]int64, len(t.offsets))
	for k, v := range t.offsets {
		offsets[k] = v
	}
	return Stats{
		Offsets:     offsets,
		ParseErrors: t.parseErrors,
		Emitted:     t.emitted,
		Duplicates:  t.duplicates,
		Skipped:     t.skipped,
	}
}
