// Package client provides a Go client for the conclave coordination server.
// This file contains WebSocket support for real-time change events.
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is one change notification pushed over the WebSocket. It mirrors
// the changelog entries served at /api/changes.
type Event struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// EventHandler is called for each event received via WebSocket.
type EventHandler func(event Event)

// WSClient manages a WebSocket connection for real-time events.
type WSClient struct {
	baseURL   string
	apiKey    string
	agentID   string
	conn      *websocket.Conn
	handlers  []EventHandler
	mu        sync.RWMutex
	done      chan struct{}
	reconnect bool
}

type WSOption func(*WSClient)

// WithWSAPIKey sets the API key for WebSocket authentication.
func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) {
		c.apiKey = key
	}
}

// WithAutoReconnect enables automatic reconnection on disconnect.
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

// NewWSClient creates a WebSocket client subscribed as the given agent.
func NewWSClient(baseURL, agentID string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   baseURL,
		agentID:   agentID,
		handlers:  make([]EventHandler, 0),
		done:      make(chan struct{}),
		reconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers an event handler.
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect establishes the WebSocket connection and starts the read loop.
func (c *WSClient) Connect(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + c.apiKey},
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop(ctx)

	return nil
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	close(c.done)
	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/agents/" + c.agentID
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		var event Event
		err := wsjson.Read(ctx, c.conn, &event)
		if err != nil {
			if c.reconnect {
				select {
				case <-c.done:
					return
				default:
					c.handleReconnect(ctx)
					continue
				}
			}
			return
		}

		c.dispatch(event)
	}
}

func (c *WSClient) dispatch(event Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (c *WSClient) handleReconnect(ctx context.Context) {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := c.Connect(ctx); err == nil {
			return
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
