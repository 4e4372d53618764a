package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// SnapshotFile is the live-table snapshot name under the state dir.
const SnapshotFile = "sessions.json"

// SnapshotEntry is one session as recorded in the snapshot. It carries just
// enough for restart-time orphan cleanup.
type SnapshotEntry struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	ExpiresAt    string `json:"expiresAt"`
	WorkspaceDir string `json:"workspaceDir,omitempty"`
	ProcessPID   int    `json:"processPid,omitempty"`
}

// WriteSnapshot persists the live table, replacing the previous snapshot
// atomically. Failures are logged by the caller and never abort a
// transition.
func (s *Store) WriteSnapshot(entries []SnapshotEntry) error {
	if entries == nil {
		entries = []SnapshotEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	target := filepath.Join(s.dir, SnapshotFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// ReadSnapshot loads the last written snapshot; a missing file yields an
// empty list.
func (s *Store) ReadSnapshot() ([]SnapshotEntry, error) {
	s.mu.Lock()
	data, err := os.ReadFile(filepath.Join(s.dir, SnapshotFile))
	s.mu.Unlock()
	if os.IsNotExist(err) {
		return []SnapshotEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []SnapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
