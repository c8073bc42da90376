package embedded

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/conclave/client"
)

func TestEmbeddedServerRoundTrip(t *testing.T) {
	srv, err := New(Config{
		DBPath: filepath.Join(t.TempDir(), "data.db"),
		Port:   0,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := client.New(srv.URL(), client.WithAgentID("dev-1"))
	agent, err := c.RegisterAgent(ctx, client.RegisterRequest{Role: "backend_dev", SkillLevel: "junior"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.ID != "dev-1" {
		t.Fatalf("unexpected agent: %+v", agent)
	}
}

func TestEmbeddedServerStopIsIdempotent(t *testing.T) {
	srv, err := New(Config{
		DBPath: filepath.Join(t.TempDir(), "data.db"),
		Port:   0,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
