// Package jsonl writes append-only JSON-Lines files with size-based rotation.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

type Store struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

func New(path string, maxSizeMB int, maxBackups int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl: %w", err)
	}

	return &Store{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		file:       f,
	}, nil
}

// Path returns the active file path.
func (s *Store) Path() string { return s.path }

// Append writes record as one JSON line and syncs it to disk.
func (s *Store) Append(_ context.Context, record any) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return s.file.Sync()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func (s *Store) rotateIfNeededLocked() error {
	if s.file == nil {
		return fmt.Errorf("jsonl file not open")
	}
	st, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat jsonl: %w", err)
	}
	if st.Size() < s.maxBytes {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}

	for i := s.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	_ = os.Rename(s.path, fmt.Sprintf("%s.1", s.path))

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen jsonl: %w", err)
	}
	s.file = f
	return nil
}

var classPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Dir keeps one rotating file per record class, named <class>.jsonl.
type Dir struct {
	dir        string
	maxSizeMB  int
	maxBackups int

	mu     sync.Mutex
	stores map[string]*Store
}

func OpenDir(dir string, maxSizeMB, maxBackups int) (*Dir, error) {
	if dir == "" {
		return nil, fmt.Errorf("jsonl dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Dir{dir: dir, maxSizeMB: maxSizeMB, maxBackups: maxBackups, stores: make(map[string]*Store)}, nil
}

// PathFor returns the file a class is written to.
func (d *Dir) PathFor(class string) string {
	return filepath.Join(d.dir, class+".jsonl")
}

// Append writes record to the class file, opening it on first use.
func (d *Dir) Append(ctx context.Context, class string, record any) error {
	if !classPattern.MatchString(class) {
		return fmt.Errorf("invalid record class %q", class)
	}
	d.mu.Lock()
	s, ok := d.stores[class]
	if !ok {
		var err error
		s, err = New(d.PathFor(class), d.maxSizeMB, d.maxBackups)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		d.stores[class] = s
	}
	d.mu.Unlock()
	return s.Append(ctx, record)
}

func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for class, s := range d.stores {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.stores, class)
	}
	return first
}

// ReadAll decodes every line of path into maps. It is meant for inspection
// tools and tests, not the hot path.
func ReadAll(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			return out, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, m)
	}
	return out, sc.Err()
}
