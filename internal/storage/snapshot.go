package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"shelfscan/internal/models"
)

// Snapshot captures a complete JSON-serialisable view of the datastore,
// grouping users and libraries by identifier and photo records by library, so
// the state can be exported and replayed into another backing store.
type Snapshot struct {
	Users     map[string]models.User    `json:"users"`
	Libraries map[string]models.Library `json:"libraries"`
	Photos    map[string][]models.Photo `json:"photos"`
}

// SnapshotCounts summarises the size of each collection stored in a Snapshot
// so operators can see how much data will be imported.
type SnapshotCounts struct {
	Users     int
	Libraries int
	Photos    int
}

// LoadSnapshotFromJSON reads a previously exported Snapshot from disk.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		if err == io.EOF {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Users == nil {
		s.Users = make(map[string]models.User)
	}
	if s.Libraries == nil {
		s.Libraries = make(map[string]models.Library)
	}
	if s.Photos == nil {
		s.Photos = make(map[string][]models.Photo)
	}
}

// Counts walks a Snapshot and returns the per-collection totals.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	counts := SnapshotCounts{
		Users:     len(s.Users),
		Libraries: len(s.Libraries),
	}
	for _, photos := range s.Photos {
		counts.Photos += len(photos)
	}
	return counts
}

// Snapshot exports the live JSON store, including every library's photo
// records, into a Snapshot.
func (s *Storage) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := &Snapshot{}
	snapshot.ensureInitialized()
	for id, user := range s.data.Users {
		snapshot.Users[id] = user
	}
	for id, library := range s.data.Libraries {
		snapshot.Libraries[id] = library
		records, err := s.loadRecordsLocked(id)
		if err != nil {
			return nil, err
		}
		snapshot.Photos[id] = records
	}
	return snapshot, nil
}

// ImportSnapshotToPostgres hands a Snapshot to the postgres repository so the
// serialised datastore state can be bulk-loaded in one transaction.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("postgres repository required for snapshot import")
	}
	snapshot.ensureInitialized()
	return pgRepo.importSnapshot(ctx, snapshot)
}
