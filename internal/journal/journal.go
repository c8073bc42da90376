// Package journal persists an agent's claim on a task to local disk before
// any work starts. After a crash the agent reads the journal back and
// reconciles against the coordinator: the entry is trusted only if the store
// still shows this agent holding the task.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mistakeknot/conclave/internal/core"
)

// Entry is the on-disk record of a claimed task. Title, status and
// workspace are snapshots for the operator and the resumed executor; only
// the ids and the holder identity matter for reconciliation.
type Entry struct {
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title,omitempty"`
	Status    string    `json:"status,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Workspace string    `json:"workspace,omitempty"`
	LockedAt  time.Time `json:"locked_at"`
}

type Journal struct {
	path string
}

// New returns a journal stored at dir/<agentID>.json.
func New(dir, agentID string) *Journal {
	return &Journal{path: filepath.Join(dir, agentID+".json")}
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Record writes the entry durably before returning: temp file in the same
// directory, fsync, then rename over the old journal. A crash at any point
// leaves either the previous journal or the new one, never a torn file.
func (j *Journal) Record(e Entry) error {
	if e.TaskID == "" || e.AgentID == "" {
		return fmt.Errorf("journal entry needs agent and task ids")
	}
	if e.LockedAt.IsZero() {
		e.LockedAt = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("journal dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".journal-*")
	if err != nil {
		return fmt.Errorf("journal temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		return fmt.Errorf("commit journal: %w", err)
	}
	return nil
}

// Recover reads the journal back. A missing file means no claim (ok=false,
// nil error). A file that cannot be parsed returns ErrJournalCorrupt; the
// caller treats that the same as no claim, but gets to log it.
func (j *Journal) Recover() (Entry, bool, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read journal: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", core.ErrJournalCorrupt, err)
	}
	if e.TaskID == "" || e.AgentID == "" {
		return Entry{}, false, fmt.Errorf("%w: missing ids", core.ErrJournalCorrupt)
	}
	return e, true, nil
}

// Clear removes the journal once the task has been handed back. Clearing a
// journal that is already gone is fine.
func (j *Journal) Clear() error {
	err := os.Remove(j.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}
