// Package embedded provides an embeddable conclave server for in-process use.
package embedded

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/conclave/internal/auth"
	httpapi "github.com/mistakeknot/conclave/internal/http"
	"github.com/mistakeknot/conclave/internal/server"
	"github.com/mistakeknot/conclave/internal/storage/sqlite"
	"github.com/mistakeknot/conclave/internal/ws"
)

// Config configures the embedded server.
type Config struct {
	// DBPath is the path to the SQLite database file.
	// If empty, defaults to ~/.conclave/data.db
	DBPath string

	// Port is the HTTP port to listen on. 0 picks a free port; the bound
	// address is available from Addr after Start.
	Port int

	// Host is the host to bind to. If empty, defaults to 127.0.0.1.
	Host string

	// SocketPath optionally serves the API on a unix socket as well.
	SocketPath string

	// WithAuth loads the API keyring from the environment and requires
	// Bearer auth for non-localhost callers.
	WithAuth bool
}

// Server is an embedded conclave server.
type Server struct {
	cfg     Config
	store   *sqlite.Store
	hub     *ws.Hub
	srv     *server.Server
	started bool
	mu      sync.Mutex
}

// New creates an embedded server. The store is wrapped with retry and
// circuit-breaker protection the same way the standalone server does it.
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".conclave", "data.db")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	var mw func(http.Handler) http.Handler
	if cfg.WithAuth {
		ring, err := auth.LoadKeyringFromEnv()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load auth: %w", err)
		}
		mw = auth.Middleware(ring)
	}

	hub := ws.NewHub()
	svc := httpapi.NewService(sqlite.NewResilient(store)).WithBroadcaster(hub)
	router := httpapi.NewRouter(svc, hub.Handler(), mw)

	srv, err := server.New(server.Config{
		Addr:       fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		SocketPath: cfg.SocketPath,
		Handler:    router,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Server{cfg: cfg, store: store, hub: hub, srv: srv}, nil
}

// Start binds the listener and serves in the background. Addr is valid
// once Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.srv.Listen(); err != nil {
		return err
	}
	s.started = true

	go func() {
		if err := s.srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "conclave server error: %v\n", err)
		}
	}()
	return nil
}

// Stop stops the embedded server gracefully and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// URL returns the base URL for the server.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.srv.Addr())
}

// Store returns the underlying store for direct access if needed.
func (s *Server) Store() *sqlite.Store {
	return s.store
}
