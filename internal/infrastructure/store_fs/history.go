package store_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/deploymate/deploymate/internal/domain"
)

// HistoryStore is the append-only deployment history: a JSON array, newest
// record first, never rewritten after append. Growth is unbounded.
type HistoryStore struct {
	path string
	mu   sync.Mutex
}

func NewHistoryStore(path string) *HistoryStore {
	return &HistoryStore{path: path}
}

func (s *HistoryStore) List(_ context.Context) ([]domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readHistory(s.path)
}

func (s *HistoryStore) Append(_ context.Context, rec domain.DeploymentRecord) (domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := readHistory(s.path)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}

	if rec.ID == 0 {
		rec.ID = time.Now().UnixMilli()
	}
	records = append([]domain.DeploymentRecord{rec}, records...)

	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if err := writeAtomic(s.path, b); err != nil {
		return domain.DeploymentRecord{}, err
	}
	return rec, nil
}

func readHistory(path string) ([]domain.DeploymentRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.DeploymentRecord{}, nil
		}
		return nil, err
	}
	var records []domain.DeploymentRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, err
	}
	return records, nil
}
