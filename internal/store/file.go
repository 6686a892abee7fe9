package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is a Table kept in memory and rewritten to a JSON file on every
// mutation, so tokens and sessions survive a restart.
type File[V any] struct {
	mem  *Memory[V]
	path string

	writeMu sync.Mutex
}

// OpenFile loads the table stored at path, or starts empty when the file
// does not exist yet.
func OpenFile[V any](path string) (*File[V], error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	f := &File[V]{mem: NewMemory[V](), path: filepath.Clean(path)}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	records := make(map[string]V)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.path, err)
		}
	}
	f.mem.replace(records)
	return f, nil
}

// Path returns the backing file path.
func (f *File[V]) Path() string {
	return f.path
}

// Get implements Table.
func (f *File[V]) Get(key string) (V, bool, error) {
	return f.mem.Get(key)
}

// Put implements Table. The file is written before the in-memory table
// changes, so a failed write leaves both untouched.
func (f *File[V]) Put(key string, value V) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	records := f.mem.copyRecords()
	records[key] = value
	if err := f.flushLocked(records); err != nil {
		return err
	}
	f.mem.replace(records)
	return nil
}

// Delete implements Table.
func (f *File[V]) Delete(key string) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	records := f.mem.copyRecords()
	if _, ok := records[key]; !ok {
		return nil
	}
	delete(records, key)
	if err := f.flushLocked(records); err != nil {
		return err
	}
	f.mem.replace(records)
	return nil
}

// Scan implements Table.
func (f *File[V]) Scan(fn func(key string, value V) bool) error {
	return f.mem.Scan(fn)
}

func (f *File[V]) flushLocked(records map[string]V) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.path)
}
