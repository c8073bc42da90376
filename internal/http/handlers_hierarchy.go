package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/conclave/internal/core"
)

type createEpicRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Service) handleEpics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createEpicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		epic, err := s.store.CreateEpic(r.Context(), core.Epic{Name: req.Name, Description: req.Description})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, epic)
	case http.MethodGet:
		epics, err := s.store.ListEpics(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if epics == nil {
			epics = []core.Epic{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"epics": epics})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleEpicByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/epics/"), "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	epic, err := s.store.GetEpic(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epic)
}

type createFeatureRequest struct {
	EpicID      string `json:"epic_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Service) handleFeatures(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createFeatureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.EpicID != "" {
			if _, err := s.store.GetEpic(r.Context(), req.EpicID); err != nil {
				writeStoreError(w, err)
				return
			}
		}
		feature, err := s.store.CreateFeature(r.Context(), core.Feature{
			EpicID: req.EpicID, Name: req.Name, Description: req.Description,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, feature)
	case http.MethodGet:
		features, err := s.store.ListFeatures(r.Context(), r.URL.Query().Get("epic"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if features == nil {
			features = []core.Feature{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"features": features})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleFeatureByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/features/"), "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	feature, err := s.store.GetFeature(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feature)
}
