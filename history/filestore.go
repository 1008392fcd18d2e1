package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists one JSON document per execution under a directory.
// Writes go through a temp file plus rename so a crash never leaves a
// truncated entry behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// Save writes the entry document.
func (f *FileStore) Save(_ context.Context, e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	tmp := f.path(e.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write entry %s: %w", e.ID, err)
	}
	return os.Rename(tmp, f.path(e.ID))
}

// Load reads every entry document in the directory.
func (f *FileStore) Load(_ context.Context) ([]*Entry, error) {
	dirents, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read history dir: %w", err)
	}
	var entries []*Entry
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, d.Name()))
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", d.Name(), err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			// A corrupt document should not take the whole archive down.
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Delete removes one entry document.
func (f *FileStore) Delete(_ context.Context, id string) error {
	err := os.Remove(f.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Clear removes every entry document.
func (f *FileStore) Clear(ctx context.Context) error {
	dirents, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("read history dir: %w", err)
	}
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, d.Name())); err != nil {
			return err
		}
	}
	return nil
}
