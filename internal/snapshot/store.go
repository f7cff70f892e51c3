package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"memdiag/internal/config"
)

// ErrNotFound is returned when a named snapshot does not exist.
var ErrNotFound = fmt.Errorf("snapshot not found")

// Store archives the monitor's serialized history snapshots. Snapshot
// names embed a timestamp so lexicographic order is chronological order.
type Store interface {
	Save(name string, data []byte) error
	Load(name string) ([]byte, error)
	List() ([]string, error)
	Prune(retain int) error
	Close() error
}

// NewStore builds the configured engine.
func NewStore(cfg *config.SnapshotConfig) (Store, error) {
	switch cfg.Engine {
	case "", "file":
		return NewFileStore(cfg.Directory)
	case "badger":
		return NewBadgerStore(cfg.DataPath)
	default:
		return nil, fmt.Errorf("unknown snapshot engine: %s", cfg.Engine)
	}
}

// FileStore keeps each snapshot as one JSON file in a directory and
// prunes the oldest files by modification time.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func (s *FileStore) Save(name string, data []byte) error {
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// List returns snapshot names oldest first by modification time.
func (s *FileStore) List() ([]string, error) {
	infos, err := s.readSorted()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

// Prune removes the oldest snapshot files beyond the retention count.
func (s *FileStore) Prune(retain int) error {
	if retain < 0 {
		retain = 0
	}
	infos, err := s.readSorted()
	if err != nil {
		return err
	}
	if len(infos) <= retain {
		return nil
	}
	for _, info := range infos[:len(infos)-retain] {
		if err := os.Remove(filepath.Join(s.dir, info.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune snapshot %s: %w", info.Name(), err)
		}
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) readSorted() ([]os.FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}
	var infos []os.FileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ModTime().Before(infos[j].ModTime())
	})
	return infos, nil
}
