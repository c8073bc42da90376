package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/conclave/internal/core"
)

// Client talks to a conclave server over HTTP. The zero timeout on the
// embedded http.Client is deliberate: NextTask long-polls, so per-call
// deadlines come from the caller's context instead.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	AgentID string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

// WithAgentID sets the default acting agent for mutations; individual calls
// that take an explicit agent ID override it.
func WithAgentID(id string) Option {
	return func(c *Client) {
		c.AgentID = strings.TrimSpace(id)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

// WithUnixSocket routes all requests over a unix socket. BaseURL still
// supplies the URL scheme and path prefix.
func WithUnixSocket(path string) Option {
	return func(c *Client) {
		c.HTTP = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response the server explained.
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s)", e.StatusCode, e.Code)
}

// decodeError turns an error response back into the domain error the server
// mapped it from, so callers can errors.Is against core.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	switch body.Error {
	case "not_found":
		return core.ErrNotFound
	case "already_locked":
		return core.ErrAlreadyLocked
	case "not_lock_holder":
		return core.ErrNotLockHolder
	}
	return &APIError{StatusCode: resp.StatusCode, Code: body.Error}
}

type RegisterRequest struct {
	AgentID    string `json:"agent_id"`
	Role       string `json:"role"`
	SkillLevel string `json:"skill_level"`
	Connection string `json:"connection,omitempty"`
}

func (c *Client) RegisterAgent(ctx context.Context, req RegisterRequest) (core.Agent, error) {
	if req.AgentID == "" {
		req.AgentID = c.AgentID
	}
	var out core.Agent
	err := c.do(ctx, http.MethodPost, "/api/agents", req, http.StatusOK, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	if agentID == "" {
		agentID = c.AgentID
	}
	return c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/heartbeat", map[string]string{}, http.StatusOK, nil)
}

func (c *Client) GetAgent(ctx context.Context, agentID string) (core.Agent, error) {
	var out core.Agent
	err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID), nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) CreateEpic(ctx context.Context, name, description string) (core.Epic, error) {
	var out core.Epic
	err := c.do(ctx, http.MethodPost, "/api/epics", map[string]string{
		"name": name, "description": description,
	}, http.StatusCreated, &out)
	return out, err
}

func (c *Client) CreateFeature(ctx context.Context, epicID, name, description string) (core.Feature, error) {
	var out core.Feature
	err := c.do(ctx, http.MethodPost, "/api/features", map[string]string{
		"epic_id": epicID, "name": name, "description": description,
	}, http.StatusCreated, &out)
	return out, err
}

type CreateTaskRequest struct {
	AgentID     string `json:"agent_id"`
	EpicID      string `json:"epic_id,omitempty"`
	FeatureID   string `json:"feature_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TargetRole  string `json:"target_role"`
	SkillLevel  string `json:"skill_level"`
	Complexity  string `json:"complexity,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (core.Task, error) {
	if req.AgentID == "" {
		req.AgentID = c.AgentID
	}
	var out core.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, http.StatusCreated, &out)
	return out, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (core.Task, error) {
	var out core.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) ListTasks(ctx context.Context, status, role string) ([]core.Task, error) {
	values := url.Values{}
	if status != "" {
		values.Set("status", status)
	}
	if role != "" {
		values.Set("role", role)
	}
	path := "/api/tasks"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var out struct {
		Tasks []core.Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out)
	return out.Tasks, err
}

// NextTask long-polls for eligible work. ok=false means the wait window
// elapsed with nothing to do; poll again.
func (c *Client) NextTask(ctx context.Context, role, level string, wait time.Duration) (core.Task, bool, error) {
	values := url.Values{}
	values.Set("role", role)
	values.Set("level", level)
	values.Set("wait_ms", strconv.FormatInt(wait.Milliseconds(), 10))

	resp, err := c.request(ctx, http.MethodGet, "/api/tasks/next?"+values.Encode(), nil)
	if err != nil {
		return core.Task{}, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return core.Task{}, false, nil
	case http.StatusOK:
		var task core.Task
		if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
			return core.Task{}, false, err
		}
		return task, true, nil
	}
	return core.Task{}, false, decodeError(resp)
}

func (c *Client) PromoteTask(ctx context.Context, taskID string) (core.Task, error) {
	var out core.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/promote",
		map[string]string{"agent_id": c.AgentID}, http.StatusOK, &out)
	return out, err
}

func (c *Client) LockTask(ctx context.Context, taskID, agentID string) (core.Task, error) {
	if agentID == "" {
		agentID = c.AgentID
	}
	var out core.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/lock",
		map[string]string{"agent_id": agentID}, http.StatusOK, &out)
	return out, err
}

type ReleaseRequest struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Branch  string `json:"branch,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (c *Client) ReleaseTask(ctx context.Context, taskID string, req ReleaseRequest) (core.Task, error) {
	if req.AgentID == "" {
		req.AgentID = c.AgentID
	}
	var out core.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/release", req, http.StatusOK, &out)
	return out, err
}

func (c *Client) SetTaskStatus(ctx context.Context, taskID, from, to string) (core.Task, error) {
	var out core.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/status",
		map[string]string{"agent_id": c.AgentID, "from": from, "to": to}, http.StatusOK, &out)
	return out, err
}

func (c *Client) ForceRelease(ctx context.Context, taskID string) (core.Task, error) {
	var out core.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/force-release",
		map[string]string{"agent_id": c.AgentID}, http.StatusOK, &out)
	return out, err
}

func (c *Client) ChangesSince(ctx context.Context, cursor uint64, limit int) ([]core.Change, error) {
	values := url.Values{}
	values.Set("cursor", strconv.FormatUint(cursor, 10))
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Changes []core.Change `json:"changes"`
	}
	err := c.do(ctx, http.MethodGet, "/api/changes?"+values.Encode(), nil, http.StatusOK, &out)
	return out.Changes, err
}

func (c *Client) do(ctx context.Context, method, path string, payload any, wantStatus int, out any) error {
	resp, err := c.request(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) request(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return c.HTTP.Do(req)
}
