package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileVersion is the current on-disk format version.
const FileVersion = 1

// fileData is the JSON document written to disk.
type fileData struct {
	Version int               `json:"version"`
	Network string            `json:"network,omitempty"`
	Entries map[string]*Entry `json:"entries"`
}

// FileRegistry persists entries as one human-readable JSON document. Every
// Put rewrites the file through a temp file, fsync and rename, so a crash
// leaves either the previous or the new document on disk.
type FileRegistry struct {
	mu   sync.RWMutex
	path string
	data *fileData
	now  func() time.Time
}

// NewFileRegistry opens the registry at path, creating its directory when
// needed. A missing or empty file is an empty registry.
func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{
		path: path,
		data: &fileData{
			Version: FileVersion,
			Entries: make(map[string]*Entry),
		},
		now: time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	if err := r.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return r, nil
}

// Path returns the registry file path.
func (r *FileRegistry) Path() string {
	return r.path
}

func (r *FileRegistry) load() error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if data.Version > FileVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedFormat, data.Version)
	}
	if data.Entries == nil {
		data.Entries = make(map[string]*Entry)
	}
	for name, e := range data.Entries {
		if e == nil || e.Name != name || !e.Status.Valid() {
			return fmt.Errorf("%w: bad entry %q", ErrCorrupted, name)
		}
	}

	r.data = &data
	return nil
}

// syncLocked writes the document atomically. Must be called with the
// write lock held.
func (r *FileRegistry) syncLocked() error {
	raw, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmpPath := r.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrPersist, err)
	}

	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write: %v", ErrPersist, err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: fsync: %v", ErrPersist, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close: %v", ErrPersist, err)
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", ErrPersist, err)
	}

	return nil
}

// Get implements Registry.
func (r *FileRegistry) Get(_ context.Context, name string) (Entry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.data.Entries[name]
	if !ok {
		return Entry{}, false, nil
	}
	return *e, true, nil
}

// Put implements Registry. On a persist failure the in-memory state is
// rolled back so it never runs ahead of the file.
func (r *FileRegistry) Put(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.data.Entries[e.Name]
	if err := CheckTransition(prev, e); err != nil {
		return err
	}

	e.UpdatedAt = r.now().UTC()
	r.data.Entries[e.Name] = &e
	if err := r.syncLocked(); err != nil {
		if prev == nil {
			delete(r.data.Entries, e.Name)
		} else {
			r.data.Entries[e.Name] = prev
		}
		return err
	}
	return nil
}

// All implements Registry.
func (r *FileRegistry) All(_ context.Context) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.data.Entries))
	for _, e := range r.data.Entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out, nil
}

// BoundNetwork implements NetworkBinder.
func (r *FileRegistry) BoundNetwork(_ context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.Network, nil
}

// BindNetwork implements NetworkBinder.
func (r *FileRegistry) BindNetwork(_ context.Context, network string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.data.Network {
	case network:
		return nil
	case "":
		r.data.Network = network
		if err := r.syncLocked(); err != nil {
			r.data.Network = ""
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: registry belongs to network %s, not %s", ErrNetworkMismatch, r.data.Network, network)
	}
}

var (
	_ Registry      = (*FileRegistry)(nil)
	_ NetworkBinder = (*FileRegistry)(nil)
)
