package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mistakeknot/conclave/internal/core"
	"github.com/mistakeknot/conclave/internal/lock"
	"github.com/mistakeknot/conclave/internal/storage"
	"github.com/mistakeknot/conclave/internal/wait"
)

// Broadcaster is the interface for pushing changelog events to WebSocket
// clients.
type Broadcaster interface {
	Broadcast(agent string, event any)
}

type Service struct {
	store  storage.Store
	policy core.TransitionPolicy
	waiter *wait.Coordinator
	locks  *lock.Manager
	bus    Broadcaster
}

// NewService wires the coordination core around a store: the wait
// coordinator parks agents, the lock manager owns lock transfers and wakes
// the coordinator when tasks re-enter the pool.
func NewService(store storage.Store) *Service {
	return NewServiceWithPolicy(store, core.DefaultPolicy())
}

func NewServiceWithPolicy(store storage.Store, policy core.TransitionPolicy) *Service {
	waiter := wait.NewCoordinator(store)
	return &Service{
		store:  store,
		policy: policy,
		waiter: waiter,
		locks:  lock.NewManager(store, policy, waiter),
	}
}

func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.bus = b
	return s
}

// Waiter exposes the wait coordinator for embedded wiring.
func (s *Service) Waiter() *wait.Coordinator { return s.waiter }

// notifyPool wakes parked agents after a task enters the pick-able pool
// outside the lock manager (create-as-created, promote, rework).
func (s *Service) notifyPool() {
	s.waiter.Notify()
}

func (s *Service) broadcast(change core.Change) {
	if s.bus == nil {
		return
	}
	event := map[string]any{
		"type":       string(change.Type),
		"task_id":    change.TaskID,
		"agent_id":   change.AgentID,
		"old_status": string(change.OldStatus),
		"new_status": string(change.NewStatus),
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.bus.Broadcast("", event)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps coordination outcomes onto HTTP statuses. Contention
// is 409, identity failures are 403, everything unexpected is 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, core.ErrAlreadyLocked):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already_locked"})
	case errors.Is(err, core.ErrNotLockHolder):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not_lock_holder"})
	case core.IsInvalidTransition(err):
		var ite *core.InvalidTransitionError
		errors.As(err, &ite)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "invalid_transition",
			"from":      string(ite.From),
			"requested": string(ite.Requested),
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}
