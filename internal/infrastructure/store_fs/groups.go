package store_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/deploymate/deploymate/internal/domain"
)

// GroupStore persists groups as a JSON array in a single document.
// Saves are full-replace, guarded by an in-process optimistic version so
// two concurrent editors cannot silently drop each other's changes.
type GroupStore struct {
	path string

	mu      sync.Mutex
	version int64
}

func NewGroupStore(path string) *GroupStore {
	return &GroupStore{path: path, version: 1}
}

func (s *GroupStore) Load(_ context.Context) ([]domain.Group, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := readGroups(s.path)
	if err != nil {
		return nil, 0, err
	}
	return groups, s.version, nil
}

func (s *GroupStore) Save(_ context.Context, groups []domain.Group, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version != s.version {
		return 0, domain.ErrVersionConflict
	}

	if groups == nil {
		groups = []domain.Group{}
	}
	b, err := json.MarshalIndent(groups, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := writeAtomic(s.path, b); err != nil {
		return 0, err
	}
	s.version++
	return s.version, nil
}

func readGroups(path string) ([]domain.Group, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.Group{}, nil
		}
		return nil, err
	}
	var groups []domain.Group
	if err := json.Unmarshal(b, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// writeAtomic serializes writers with a lock file and swaps the document in
// with a rename so readers never observe a partial write.
func writeAtomic(path string, b []byte) error {
	if path == "" {
		return errors.New("empty store path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
