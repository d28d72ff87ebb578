// Package store provides the durable-state primitives every stateful
// component builds on: atomic JSON writes, JSONL appends, and tolerant
// JSONL folds. All single-file JSON state goes through WriteJSONAtomic;
// multi-step read-modify-write sequences are serialized per path via
// Store.WithLock or the Update helper.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// ErrNotFound is returned by ReadJSON when the file does not exist.
var ErrNotFound = errors.New("state file not found")

// Store serializes access to state files. One Store instance guards one
// data root; all components sharing a data root must share the Store.
type Store struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	logger *slog.Logger
}

// New creates a Store. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
	}
}

// pathLock returns the mutex guarding path, creating it on first use.
func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// WithLock runs fn while holding the write lock for path. Every
// read-modify-write on a JSON state file must go through here (or
// Update, which wraps it).
func (s *Store) WithLock(path string, fn func() error) error {
	l := s.pathLock(path)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// ReadJSON reads and decodes a JSON state file. A missing file yields
// ErrNotFound; callers decide whether that is an error or a fresh start.
func ReadJSON[T any](path string) (T, error) {
	var zero T
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return zero, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return zero, fmt.Errorf("read %s: %w", path, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("decode %s: %w", path, err)
	}
	return v, nil
}

// WriteJSONAtomic writes v as indented JSON via a temp file and rename,
// so readers never observe a partial file. Parent directories are
// created as needed.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// WriteFileAtomic writes raw bytes via a temp file and rename. Used for
// non-JSON state such as progress documents.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Update performs a locked read-modify-write on a JSON state file.
// mutate receives the current value (zero value with found=false when
// the file does not exist yet) and returns the value to persist.
func Update[T any](s *Store, path string, mutate func(cur T, found bool) (T, error)) (T, error) {
	var out T
	err := s.WithLock(path, func() error {
		cur, err := ReadJSON[T](path)
		found := true
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			found = false
		}
		next, err := mutate(cur, found)
		if err != nil {
			return err
		}
		if err := WriteJSONAtomic(path, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// AppendJSONL appends one record as a single JSON line. The open-append-
// close cycle plus the per-path lock keeps concurrent appenders from
// interleaving partial lines.
func (s *Store) AppendJSONL(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", path, err)
	}
	return s.WithLock(path, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("append %s: %w", path, err)
		}
		return nil
	})
}

// maxLineBytes bounds a single JSONL record; worker outputs can be large.
const maxLineBytes = 4 * 1024 * 1024

// FoldJSONL reads path line by line, calling accept for each non-empty
// line. Individual bad lines are logged and skipped; a missing file is
// not an error (nothing to fold).
func (s *Store) FoldJSONL(path string, accept func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := accept(line); err != nil {
			s.logger.Warn("skipping bad ledger line",
				"path", path, "line", lineNo, "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}
