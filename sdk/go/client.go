package boardflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Boardflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string  `json:"id"`
	BoardID         string  `json:"board_id"`
	Title           string  `json:"title"`
	Status          string  `json:"status"`
	Priority        string  `json:"priority"`
	AssignedAgentID *string `json:"assigned_agent_id,omitempty"`
}

// Approval represents a gated automated action.
type Approval struct {
	ID         string `json:"id"`
	BoardID    string `json:"board_id"`
	ActionType string `json:"action_type"`
	Confidence int    `json:"confidence"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// Decision is the gate's answer to a proposed action.
type Decision struct {
	Admitted   bool   `json:"admitted"`
	ApprovalID string `json:"approval_id,omitempty"`
	Task       *Task  `json:"task,omitempty"`
}

// Delegation records one sweep assignment.
type Delegation struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	BoardID    string `json:"board_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateTask creates an inbox task on a board.
func (c *Client) CreateTask(ctx context.Context, boardID, title, priority string) (Task, error) {
	body := map[string]any{"title": title}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, boardPath(boardID, "tasks"), body, &resp)
	return resp, err
}

// Tasks returns a page of tasks for a board.
func (c *Client) Tasks(ctx context.Context, boardID, status string, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := boardPath(boardID, "tasks")
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim claims a task for a worker agent.
func (c *Client) Claim(ctx context.Context, taskID, agentID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/claim", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"agent_id": agentID}, &resp)
	return resp, err
}

// Transition moves a task, attaching the required audit note.
func (c *Client) Transition(ctx context.Context, taskID, from, to, note string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/transition", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{
		"from": from,
		"to":   to,
		"note": note,
	}, &resp)
	return resp, err
}

// ProposeAction runs an automated action through the approval gate. A deferred
// decision carries the approval id to poll or resolve.
func (c *Client) ProposeAction(ctx context.Context, boardID, agentID, actionType string, confidence int, payload map[string]any) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, boardPath(boardID, "actions"), map[string]any{
		"agent_id":    agentID,
		"action_type": actionType,
		"confidence":  confidence,
		"payload":     payload,
	}, &resp)
	return resp, err
}

// ResolveApproval approves or rejects a pending action.
func (c *Client) ResolveApproval(ctx context.Context, approvalID string, approved bool) (Approval, error) {
	var resp Approval
	endpoint := fmt.Sprintf("v0/approvals/%s/resolve", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"approved": approved}, &resp)
	return resp, err
}

// DelegateSweep asks the board lead to hand out the whole inbox.
func (c *Client) DelegateSweep(ctx context.Context, boardID, leadID string, confidence int) ([]Delegation, error) {
	var resp []Delegation
	err := c.do(ctx, http.MethodPost, boardPath(boardID, "delegate-sweep"), map[string]any{
		"lead_id":    leadID,
		"confidence": confidence,
	}, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, boardID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if boardID != "" {
		q.Set("board_id", boardID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Heartbeat records agent liveness.
func (c *Client) Heartbeat(ctx context.Context, agentID, status string) error {
	endpoint := fmt.Sprintf("v0/agents/%s/heartbeat", url.PathEscape(agentID))
	body := map[string]any{}
	if status != "" {
		body["status"] = status
	}
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		// 202 responses may carry an error envelope instead of the resource,
		// e.g. a sweep deferred behind a pending approval.
		if resp.StatusCode == http.StatusAccepted {
			var envelope struct {
				Error *struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
				return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
			}
		}
		return json.Unmarshal(data, out)
	}
	return nil
}

func boardPath(boardID, p string) string {
	return fmt.Sprintf("v0/boards/%s/%s", url.PathEscape(boardID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
