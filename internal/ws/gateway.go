// Package ws pushes changelog events to connected agents. Connections are
// read-drained; the only traffic that matters flows server to client.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mistakeknot/conclave/internal/auth"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/ws/agents/")
		agent := strings.Trim(path, "/")
		if agent == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		info, _ := auth.FromContext(r.Context())
		if info.AgentID != "" && info.AgentID != agent {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(agent, conn)
		defer h.remove(agent, conn)

		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	conn  *websocket.Conn
	agent string
}

// Broadcast sends event to every connection of agent, or to everyone when
// agent is empty. Connections that fail the write are closed and dropped.
func (h *Hub) Broadcast(agent string, event any) {
	entries := h.snapshot(agent)
	for _, e := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, event)
		cancel()
		if err != nil {
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.agent, e.conn)
			}(e)
		}
	}
}

func (h *Hub) snapshot(agent string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	if agent != "" {
		for conn := range h.conns[agent] {
			out = append(out, connEntry{conn: conn, agent: agent})
		}
		return out
	}
	for name, conns := range h.conns {
		for conn := range conns {
			out = append(out, connEntry{conn: conn, agent: name})
		}
	}
	return out
}

func (h *Hub) add(agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perAgent, ok := h.conns[agent]
	if !ok {
		perAgent = make(map[*websocket.Conn]struct{})
		h.conns[agent] = perAgent
	}
	perAgent[conn] = struct{}{}
}

func (h *Hub) remove(agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perAgent, ok := h.conns[agent]
	if !ok {
		return
	}
	delete(perAgent, conn)
	if len(perAgent) == 0 {
		delete(h.conns, agent)
	}
}
