package httpapi

import (
	"net/http"
	"testing"

	"github.com/mistakeknot/conclave/internal/core"
)

func TestEpicRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/epics", map[string]string{"name": "billing"})
	requireStatus(t, resp, http.StatusCreated)
	epic := decodeJSON[core.Epic](t, resp)
	if epic.ID == "" || epic.Name != "billing" {
		t.Fatalf("unexpected epic: %+v", epic)
	}

	resp = env.get(t, "/api/epics/"+epic.ID)
	requireStatus(t, resp, http.StatusOK)
	got := decodeJSON[core.Epic](t, resp)
	if got.ID != epic.ID {
		t.Fatalf("get returned %q, want %q", got.ID, epic.ID)
	}
}

func TestEpicRequiresName(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/epics", map[string]string{"name": "  "})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestFeatureListFilteredByEpic(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/epics", map[string]string{"name": "billing"})
	epic := decodeJSON[core.Epic](t, resp)
	resp = env.post(t, "/api/epics", map[string]string{"name": "auth"})
	other := decodeJSON[core.Epic](t, resp)

	for _, tc := range []struct{ name, epicID string }{
		{"invoices", epic.ID},
		{"refunds", epic.ID},
		{"sessions", other.ID},
	} {
		resp = env.post(t, "/api/features", map[string]string{"name": tc.name, "epic_id": tc.epicID})
		requireStatus(t, resp, http.StatusCreated)
		resp.Body.Close()
	}

	resp = env.get(t, "/api/features?epic="+epic.ID)
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[map[string][]core.Feature](t, resp)
	if len(body["features"]) != 2 {
		t.Fatalf("expected 2 features for epic, got %d", len(body["features"]))
	}
}

func TestFeatureRejectsUnknownEpic(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/features", map[string]string{"name": "orphan", "epic_id": "nope"})
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
