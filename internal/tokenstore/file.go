package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend keeps credentials in a JSON object on disk so they survive
// process restarts.  The file is rewritten on every change.
type FileBackend struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("token file path is required")
	}

	b := &FileBackend{
		path:   path,
		values: make(map[string]string),
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) Get(_ context.Context, key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (b *FileBackend) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.cloneLocked()
	next[key] = value
	return b.commitLocked(next)
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[key]; !ok {
		return nil
	}
	next := b.cloneLocked()
	delete(next, key)
	return b.commitLocked(next)
}

func (b *FileBackend) load() error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read token file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &b.values); err != nil {
		return fmt.Errorf("decode token file: %w", err)
	}
	return nil
}

func (b *FileBackend) cloneLocked() map[string]string {
	next := make(map[string]string, len(b.values)+1)
	for k, v := range b.values {
		next[k] = v
	}
	return next
}

// commitLocked writes next to disk and only then makes it the live map, so
// a failed write leaves both the file and memory at the previous state.
func (b *FileBackend) commitLocked(next map[string]string) error {
	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("mkdir token dir: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace token file: %w", err)
	}
	b.values = next
	return nil
}
