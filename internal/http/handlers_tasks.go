package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/conclave/internal/core"
)

type createTaskRequest struct {
	AgentID     string `json:"agent_id"`
	EpicID      string `json:"epic_id"`
	FeatureID   string `json:"feature_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	TargetRole  string `json:"target_role"`
	SkillLevel  string `json:"skill_level"`
	Complexity  string `json:"complexity"`
	Status      string `json:"status"`
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// createTask stages work. Only privileged roles plan tasks; a task may be
// born pending (staged) or directly created (immediately pick-able).
func (s *Service) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	role := core.Role(req.TargetRole)
	level := core.SkillLevel(req.SkillLevel)
	if !role.Valid() || !level.Valid() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	status := core.TaskPending
	if req.Status != "" {
		status = core.TaskStatus(req.Status)
		if status != core.TaskPending && status != core.TaskCreated {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	actor, code := s.resolveActor(r, req.AgentID)
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if !actor.Role.Privileged() {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	complexity := core.Complexity(req.Complexity)
	if req.Complexity == "" {
		complexity = core.ComplexityMinor
	}

	task, err := s.store.CreateTask(r.Context(), core.Task{
		EpicID:      req.EpicID,
		FeatureID:   req.FeatureID,
		Title:       req.Title,
		Description: req.Description,
		TargetRole:  role,
		SkillLevel:  level,
		Complexity:  complexity,
		Status:      status,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(core.Change{Type: core.ChangeTaskCreated, TaskID: task.ID, NewStatus: task.Status})
	if task.Status == core.TaskCreated {
		s.notifyPool()
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Service) listTasks(w http.ResponseWriter, r *http.Request) {
	status := core.TaskStatus(r.URL.Query().Get("status"))
	role := core.Role(r.URL.Query().Get("role"))
	tasks, err := s.store.ListTasks(r.Context(), status, role)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []core.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleNextTask is the long-poll dispatch endpoint. A timeout is 204, not
// an error; the returned task is a candidate the agent still has to lock.
func (s *Service) handleNextTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	role := core.Role(r.URL.Query().Get("role"))
	level := core.SkillLevel(r.URL.Query().Get("level"))
	if !role.Valid() || !level.Valid() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	waitFor := 30 * time.Second
	if v := r.URL.Query().Get("wait_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		waitFor = time.Duration(ms) * time.Millisecond
	}

	task, ok, err := s.waiter.NextTask(r.Context(), role, level, waitFor)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The caller went away; nothing useful to write.
			return
		}
		log.Printf("next-task poll failed for role=%s level=%s: %v", role, level, err)
		writeStoreError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Service) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := s.store.GetTask(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case "promote":
		s.promoteTask(w, r, id)
	case "lock":
		s.lockTask(w, r, id)
	case "release":
		s.releaseTask(w, r, id)
	case "status":
		s.changeTaskStatus(w, r, id)
	case "force-release":
		s.forceReleaseTask(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type actorRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Service) promoteTask(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	actor, code := s.resolveActor(r, req.AgentID)
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if err := s.policy.ValidateTransition(core.TaskPending, core.TaskCreated, actor.Role); err != nil {
		writeStoreError(w, err)
		return
	}
	task, err := s.store.PromoteTask(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(core.Change{Type: core.ChangeTaskPromoted, TaskID: id, OldStatus: core.TaskPending, NewStatus: core.TaskCreated})
	s.notifyPool()
	writeJSON(w, http.StatusOK, task)
}

func (s *Service) lockTask(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, code := s.resolveActor(r, req.AgentID); code != 0 {
		w.WriteHeader(code)
		return
	}
	task, err := s.locks.Acquire(r.Context(), id, req.AgentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(core.Change{Type: core.ChangeTaskLocked, TaskID: id, AgentID: req.AgentID, OldStatus: core.TaskCreated, NewStatus: core.TaskLocked})
	writeJSON(w, http.StatusOK, task)
}

type releaseTaskRequest struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Branch  string `json:"branch"`
	Notes   string `json:"notes"`
}

func (s *Service) releaseTask(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req releaseTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" || req.Status == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	next := core.TaskStatus(req.Status)
	if !next.Valid() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	actor, code := s.resolveActor(r, req.AgentID)
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	task, err := s.locks.Release(r.Context(), id, req.AgentID, next, actor.Role)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Branch != "" || req.Notes != "" {
		task, err = s.store.UpdateTaskMeta(r.Context(), id, req.Branch, req.Notes)
		if err != nil {
			writeStoreError(w, err)
			return
		}
	}
	s.broadcast(core.Change{Type: core.ChangeTaskReleased, TaskID: id, AgentID: req.AgentID, OldStatus: core.TaskLocked, NewStatus: next})
	writeJSON(w, http.StatusOK, task)
}

type statusChangeRequest struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Notes   string `json:"notes"`
}

// changeTaskStatus moves an unheld task along the pipeline (dev_done ->
// testing -> qa_done -> completed, plus the rework edge). The caller states
// the from status it saw; a concurrent change surfaces as a conflict.
func (s *Service) changeTaskStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req statusChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	from := core.TaskStatus(req.From)
	to := core.TaskStatus(req.To)
	if !from.Valid() || !to.Valid() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	actor, code := s.resolveActor(r, req.AgentID)
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if err := s.policy.ValidateTransition(from, to, actor.Role); err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Notes != "" {
		if _, err := s.store.UpdateTaskMeta(r.Context(), id, "", req.Notes); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	task, err := s.store.SetStatus(r.Context(), id, from, to)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(core.Change{Type: core.ChangeTaskStatus, TaskID: id, OldStatus: from, NewStatus: to})
	if to == core.TaskCreated || to == core.TaskPending {
		// Rework puts the task back in front of waiting agents.
		s.notifyPool()
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Service) forceReleaseTask(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	actor, code := s.resolveActor(r, req.AgentID)
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if !actor.Role.Privileged() {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	task, err := s.locks.ForceRelease(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(core.Change{Type: core.ChangeTaskReleased, TaskID: id, OldStatus: core.TaskLocked, NewStatus: core.TaskCreated})
	writeJSON(w, http.StatusOK, task)
}

func (s *Service) handleStaleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	grace := 5 * time.Minute
	if v := r.URL.Query().Get("grace_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		grace = time.Duration(ms) * time.Millisecond
	}
	stale, err := s.locks.StaleLocks(r.Context(), grace)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stale": stale})
}

// handleHealth is unauthenticated so process supervisors can probe it.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var cursor uint64
	if v := r.URL.Query().Get("cursor"); v != "" {
		c, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cursor = c
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = l
	}
	changes, err := s.store.ChangesSince(r.Context(), cursor, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if changes == nil {
		changes = []core.Change{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}
