// Package sessions persists the last-known agent session id per agent so
// a restarted orchestrator can resume conversations. One JSON file per
// agent under <bloomDir>/.sessions/.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DirName is the session store directory under the bloom dir.
const DirName = ".sessions"

type record struct {
	SessionID string    `json:"sessionId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store reads and writes per-agent session records.
type Store struct {
	dir string
}

// New creates the store directory under bloomDir if needed.
func New(bloomDir string) (*Store, error) {
	dir := filepath.Join(bloomDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(agentName string) string {
	return filepath.Join(s.dir, agentName+".json")
}

// Get returns the last recorded session id for the agent.
func (s *Store) Get(agentName string) (string, bool) {
	data, err := os.ReadFile(s.path(agentName))
	if err != nil {
		return "", false
	}
	var r record
	if json.Unmarshal(data, &r) != nil || r.SessionID == "" {
		return "", false
	}
	return r.SessionID, true
}

// Set records the session id for the agent, atomically.
func (s *Store) Set(agentName, sessionID string, now time.Time) error {
	data, err := json.MarshalIndent(record{SessionID: sessionID, UpdatedAt: now}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, agentName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session record: %w", err)
	}
	if err := os.Rename(tmpName, s.path(agentName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename session record: %w", err)
	}
	return nil
}

// Delete removes the record for the agent. Missing records are fine.
func (s *Store) Delete(agentName string) error {
	err := os.Remove(s.path(agentName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}
