package exposure

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// KeyValue is a synchronous host key-value surface. Any method may fail when
// the underlying storage is unavailable.
type KeyValue interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Clear() error
}

// DurableStore adapts a KeyValue into a Store. Storage failures are logged
// and read as "not cached" so evaluation never depends on the backend.
type DurableStore struct {
	kv     KeyValue
	logger *slog.Logger
}

func NewDurableStore(kv KeyValue, logger *slog.Logger) *DurableStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DurableStore{kv: kv, logger: logger}
}

// NewDurableCache returns a cache persisted through kv.
func NewDurableCache(kv KeyValue, logger *slog.Logger) Cache {
	return NewCache(NewDurableStore(kv, logger))
}

func (s *DurableStore) Get(key string) (string, bool) {
	value, ok, err := s.kv.Get(key)
	if err != nil {
		s.logger.Warn("assignment cache read failed", "error", err)
		return "", false
	}
	return value, ok
}

func (s *DurableStore) Set(key, value string) {
	if err := s.kv.Set(key, value); err != nil {
		s.logger.Warn("assignment cache write failed", "error", err)
	}
}

func (s *DurableStore) Clear() {
	if err := s.kv.Clear(); err != nil {
		s.logger.Warn("assignment cache clear failed", "error", err)
	}
}

// FileKeyValue persists entries as an append-only log of JSON lines, one
// {"k":...,"v":...} record per write, so a write costs one append regardless
// of how many entries exist. Later records win. Once superseded records
// outnumber live ones the log is compacted into a fresh file, atomically
// renamed into place.
type FileKeyValue struct {
	path string

	mu      sync.Mutex
	entries map[string]string
	records int
}

type fileRecord struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// minCompactRecords keeps small logs from being rewritten on every write.
const minCompactRecords = 1024

func NewFileKeyValue(path string) *FileKeyValue {
	return &FileKeyValue{path: path}
}

func (f *FileKeyValue) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return "", false, err
	}
	value, ok := f.entries[key]
	return value, ok, nil
}

func (f *FileKeyValue) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return err
	}
	if current, ok := f.entries[key]; ok && current == value {
		return nil
	}

	line, err := json.Marshal(fileRecord{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	_, err = file.Write(append(line, '\n'))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("append to %s: %w", f.path, err)
	}

	f.entries[key] = value
	f.records++
	if f.records > minCompactRecords && f.records > 2*len(f.entries) {
		// A failed compaction leaves the longer log in place, which is
		// still correct.
		_ = f.compactLocked()
	}
	return nil
}

func (f *FileKeyValue) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = map[string]string{}
	f.records = 0
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", f.path, err)
	}
	return nil
}

// Entries returns a copy of the live entries.
func (f *FileKeyValue) Entries() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return nil, err
	}
	return maps.Clone(f.entries), nil
}

// loadLocked replays the log once per instance. A torn final record from an
// interrupted append is skipped; damage anywhere else is an error.
func (f *FileKeyValue) loadLocked() error {
	if f.entries != nil {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.entries = map[string]string{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", f.path, err)
	}

	entries := map[string]string{}
	records := 0
	lines := bytes.Split(data, []byte{'\n'})
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			if i == len(lines)-1 {
				break
			}
			return fmt.Errorf("decode %s line %d: %w", f.path, i+1, err)
		}
		entries[rec.Key] = rec.Value
		records++
	}
	f.entries, f.records = entries, records
	return nil
}

func (f *FileKeyValue) compactLocked() error {
	var buf bytes.Buffer
	for key, value := range f.entries {
		line, err := json.Marshal(fileRecord{Key: key, Value: value})
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("rename to %s: %w", f.path, err)
	}
	f.records = len(f.entries)
	return nil
}
