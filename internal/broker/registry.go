package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Interest is one process's claim that the shared backing server must keep
// running. Interests are keyed by owner id; re-acquiring replaces the old
// entry rather than stacking a second one.
type Interest struct {
	OwnerID   string    `json:"owner_id"`
	PID       int       `json:"pid"`
	Heartbeat time.Time `json:"heartbeat"`
}

type registryState struct {
	ServerPID int        `json:"server_pid,omitempty"`
	Addr      string     `json:"addr,omitempty"`
	Interests []Interest `json:"interests,omitempty"`
}

// Registry is the on-disk coordination point shared by every process on the
// machine. All mutation goes through a lock file plus write-temp-then-rename,
// so concurrent processes see either the old state or the new one.
type Registry struct {
	path     string
	lockTTL  time.Duration
	lockWait time.Duration
}

func NewRegistry(path string) *Registry {
	return &Registry{
		path:     path,
		lockTTL:  10 * time.Second,
		lockWait: 5 * time.Second,
	}
}

func (r *Registry) lockPath() string { return r.path + ".lock" }

// acquireFileLock takes the sidecar lock with O_EXCL. A lock file older than
// lockTTL belongs to a dead process and is stolen.
func (r *Registry) acquireFileLock() (release func(), err error) {
	deadline := time.Now().Add(r.lockWait)
	for {
		f, err := os.OpenFile(r.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(r.lockPath()) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("registry lock: %w", err)
		}
		if info, statErr := os.Stat(r.lockPath()); statErr == nil && time.Since(info.ModTime()) > r.lockTTL {
			os.Remove(r.lockPath())
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("registry lock: timed out waiting for %s", r.lockPath())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (r *Registry) read() (registryState, error) {
	var st registryState
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read registry: %w", err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		// A torn or garbage registry is unrecoverable state; starting from
		// empty lets the reaper rebuild it.
		return registryState{}, nil
	}
	return st, nil
}

func (r *Registry) write(st registryState) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("registry dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("registry temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("commit registry: %w", err)
	}
	return nil
}

// Update applies fn to the registry state under the file lock.
func (r *Registry) Update(fn func(*registryState) error) error {
	release, err := r.acquireFileLock()
	if err != nil {
		return err
	}
	defer release()

	st, err := r.read()
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}
	return r.write(st)
}

// snapshot returns the current registry state without holding the lock.
func (r *Registry) snapshot() (registryState, error) {
	return r.read()
}

func (st *registryState) upsertInterest(in Interest) {
	for i := range st.Interests {
		if st.Interests[i].OwnerID == in.OwnerID {
			st.Interests[i] = in
			return
		}
	}
	st.Interests = append(st.Interests, in)
}

func (st *registryState) removeInterest(ownerID string) bool {
	for i := range st.Interests {
		if st.Interests[i].OwnerID == ownerID {
			st.Interests = append(st.Interests[:i], st.Interests[i+1:]...)
			return true
		}
	}
	return false
}
