package watermark

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/edfi-tools/publisher/pkg/errors"
)

// FileStore keeps watermarks in a single JSON file. Writes rewrite the
// whole file through a temp-and-rename so a crash never leaves a
// half-written state behind.
type FileStore struct {
	path string

	mu       sync.Mutex
	versions map[string]int64
}

// NewFileStore opens or creates a file-backed watermark store.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		versions: make(map[string]int64),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "cannot read watermark file")
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.versions); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "watermark file is malformed")
		}
	}
	return s, nil
}

// GetProcessedChangeVersion returns the stored watermark for a resource.
func (s *FileStore) GetProcessedChangeVersion(_ context.Context, resource string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[resource]
	return v, ok, nil
}

// SetProcessedChangeVersion stores the watermark and flushes to disk.
func (s *FileStore) SetProcessedChangeVersion(_ context.Context, resource string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.versions[resource] = version
	return s.flushLocked()
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.versions, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot encode watermarks")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".watermarks-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot create watermark temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot write watermark temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot close watermark temp file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot replace watermark file")
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close(_ context.Context) error { return nil }
