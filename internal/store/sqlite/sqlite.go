// Package sqlite is the LearningStore backed by an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentsh/warden/internal/store"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.LearningStore = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS fix_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern_key TEXT NOT NULL,
			pattern_name TEXT NOT NULL,
			strategy TEXT NOT NULL,
			method TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			success INTEGER NOT NULL,
			needs_restart INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			confidence REAL NOT NULL,
			files_json TEXT,
			error TEXT,
			ts_unix_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fix_attempts_key_ts ON fix_attempts(pattern_key, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_fix_attempts_ts ON fix_attempts(ts_unix_ns);`,
		`CREATE TABLE IF NOT EXISTS false_positives (
			entity TEXT PRIMARY KEY,
			reason TEXT,
			created_ts_unix_ns INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) RecordFix(ctx context.Context, rec store.FixRecord) error {
	if rec.PatternKey == "" {
		return fmt.Errorf("fix record missing pattern key")
	}
	if rec.At.IsZero() {
		rec.At = s.now().UTC()
	}
	var files []byte
	if len(rec.FilesModified) > 0 {
		b, err := json.Marshal(rec.FilesModified)
		if err != nil {
			return fmt.Errorf("marshal files: %w", err)
		}
		files = b
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fix_attempts (
			pattern_key, pattern_name, strategy, method, attempt, success,
			needs_restart, duration_ns, confidence, files_json, error, ts_unix_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PatternKey,
		rec.PatternName,
		rec.Strategy,
		rec.Method,
		rec.Attempt,
		boolToInt(rec.Success),
		boolToInt(rec.NeedsRestart),
		int64(rec.Duration),
		rec.Confidence,
		nullable(string(files)),
		nullable(rec.Error),
		rec.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert fix attempt: %w", err)
	}
	return nil
}

func (s *Store) PatternStats(ctx context.Context, patternKey string) (store.PatternStats, error) {
	st := store.PatternStats{PatternKey: patternKey}
	var successes sql.NullInt64
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(success), MAX(ts_unix_ns)
		FROM fix_attempts WHERE pattern_key = ?`, patternKey).Scan(&st.Attempts, &successes, &last)
	if err != nil {
		return st, fmt.Errorf("query pattern stats: %w", err)
	}
	st.Successes = int(successes.Int64)
	if last.Valid {
		st.LastAttemptAt = time.Unix(0, last.Int64).UTC()
	}
	return st, nil
}

func (s *Store) RecentFixes(ctx context.Context, limit int) ([]store.FixRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern_key, pattern_name, strategy, method, attempt, success,
			needs_restart, duration_ns, confidence, files_json, error, ts_unix_ns
		FROM fix_attempts ORDER BY ts_unix_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query fixes: %w", err)
	}
	defer rows.Close()

	var out []store.FixRecord
	for rows.Next() {
		var rec store.FixRecord
		var success, restart int
		var dur, ts int64
		var files, errText sql.NullString
		if err := rows.Scan(&rec.ID, &rec.PatternKey, &rec.PatternName, &rec.Strategy, &rec.Method,
			&rec.Attempt, &success, &restart, &dur, &rec.Confidence, &files, &errText, &ts); err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		rec.Success = success != 0
		rec.NeedsRestart = restart != 0
		rec.Duration = time.Duration(dur)
		rec.At = time.Unix(0, ts).UTC()
		rec.Error = errText.String
		if files.Valid && files.String != "" {
			if err := json.Unmarshal([]byte(files.String), &rec.FilesModified); err != nil {
				return nil, fmt.Errorf("decode files: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkFalsePositive upserts entity; a later call replaces the reason.
func (s *Store) MarkFalsePositive(ctx context.Context, entity, reason string) error {
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return fmt.Errorf("false positive entity is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO false_positives (entity, reason, created_ts_unix_ns) VALUES (?, ?, ?)
		ON CONFLICT(entity) DO UPDATE SET reason = excluded.reason`,
		entity, nullable(reason), s.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert false positive: %w", err)
	}
	return nil
}

// IsFalsePositive reports whether any of entities is marked.
func (s *Store) IsFalsePositive(ctx context.Context, entities ...string) (bool, error) {
	var args []any
	for _, e := range entities {
		if e != "" {
			args = append(args, e)
		}
	}
	if len(args) == 0 {
		return false, nil
	}
	q := `SELECT COUNT(*) FROM false_positives WHERE entity IN (?` + strings.Repeat(",?", len(args)-1) + `)`
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("query false positives: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RemoveFalsePositive(ctx context.Context, entity string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM false_positives WHERE entity = ?`, entity)
	if err != nil {
		return false, fmt.Errorf("delete false positive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) FalsePositives(ctx context.Context) ([]store.FalsePositive, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity, reason, created_ts_unix_ns FROM false_positives ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("query false positives: %w", err)
	}
	defer rows.Close()
	var out []store.FalsePositive
	for rows.Next() {
		var fp store.FalsePositive
		var reason sql.NullString
		var ts int64
		if err := rows.Scan(&fp.Entity, &reason, &ts); err != nil {
			return nil, fmt.Errorf("scan false positive: %w", err)
		}
		fp.Reason = reason.String
		fp.CreatedAt = time.Unix(0, ts).UTC()
		out = append(out, fp)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
