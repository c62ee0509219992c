package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

// FileDirectory is a flat directory of content-addressed file blobs
// distributed to the fleet. Blob names double as reference names.
type FileDirectory struct {
	dir string
}

// NewFileDirectory creates a file directory at the given path
func NewFileDirectory(dir string) (*FileDirectory, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create file directory: %w", err)
	}
	return &FileDirectory{dir: dir}, nil
}

// Path returns the on-disk path for a reference name
func (f *FileDirectory) Path(name string) string {
	return filepath.Join(f.dir, name)
}

// List returns all reference names in the directory
func (f *FileDirectory) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list file directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// DeleteUnreferenced deletes blobs that are not in the inUse set and whose
// last-modified time is older than retention, measured against the given
// now. Returns the deleted reference names sorted. A failed single deletion
// is logged and skipped; the next run retries it.
func (f *FileDirectory) DeleteUnreferenced(inUse map[string]bool, retention time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list file directory: %w", err)
	}

	var deleted []string
	for _, entry := range entries {
		name := entry.Name()
		if inUse[name] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.WithComponent("filegc").Warn().Err(err).Str("file", name).Msg("failed to stat file")
			continue
		}
		if now.Sub(info.ModTime()) <= retention {
			continue
		}

		if err := os.RemoveAll(filepath.Join(f.dir, name)); err != nil {
			log.WithComponent("filegc").Warn().Err(err).Str("file", name).Msg("failed to delete file")
			continue
		}

		deleted = append(deleted, name)
		metrics.FilesDeletedTotal.Inc()
	}

	sort.Strings(deleted)
	return deleted, nil
}
