package mgmtsystemsdk

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

// Client is a minimal nonconformity API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id; servers without a JWT secret use it as the acting user.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Nonconformity represents the API record (partial).
type Nonconformity struct {
	ID                 string   `json:"id"`
	Ref                string   `json:"ref"`
	Name               string   `json:"name,omitempty"`
	Description        string   `json:"description"`
	StageID            string   `json:"stage_id"`
	State              string   `json:"state"`
	KanbanState        string   `json:"kanban_state"`
	Priority           string   `json:"priority"`
	DateDeadline       *string  `json:"date_deadline,omitempty"`
	ClosingDate        *string  `json:"closing_date,omitempty"`
	OriginIDs          []string `json:"origin_ids"`
	ActionIDs          []string `json:"action_ids,omitempty"`
	ActionComments     string   `json:"action_comments,omitempty"`
	EvaluationComments string   `json:"evaluation_comments,omitempty"`
	ResponsibleUserID  string   `json:"responsible_user_id"`
	ManagerUserID      string   `json:"manager_user_id"`
	DaysSinceUpdated   int      `json:"days_since_updated"`
	URL                string   `json:"url"`
}

// NewNonconformity is the create payload.
type NewNonconformity struct {
	Name              string   `json:"name,omitempty"`
	Description       string   `json:"description"`
	OriginIDs         []string `json:"origin_ids"`
	ResponsibleUserID string   `json:"responsible_user_id"`
	ManagerUserID     string   `json:"manager_user_id"`
	StageID           string   `json:"stage_id,omitempty"`
	DateDeadline      string   `json:"date_deadline,omitempty"`
	Priority          string   `json:"priority,omitempty"`
	ActionIDs         []string `json:"action_ids,omitempty"`
}

// Action represents the API action model (partial).
type Action struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	StageID    string  `json:"stage_id"`
	DateOpen   *string `json:"date_open,omitempty"`
	DateClosed *string `json:"date_closed,omitempty"`
}

// ReminderResult summarises a reminder sweep.
type ReminderResult struct {
	Date    string `json:"date"`
	Matched int    `json:"matched"`
	Sent    int    `json:"sent"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are filled when the body
// carries the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateNonconformity records a nonconformity.
func (c *Client) CreateNonconformity(ctx context.Context, in NewNonconformity) (Nonconformity, error) {
	var resp Nonconformity
	err := c.do(ctx, http.MethodPost, "nonconformities", in, &resp)
	return resp, err
}

// GetNonconformity fetches a nonconformity by id.
func (c *Client) GetNonconformity(ctx context.Context, id string) (Nonconformity, error) {
	var resp Nonconformity
	err := c.do(ctx, http.MethodGet, "nonconformities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateNonconformity writes the given fields, keyed by their JSON names.
func (c *Client) UpdateNonconformity(ctx context.Context, id string, fields map[string]any) (Nonconformity, error) {
	var resp Nonconformity
	err := c.do(ctx, http.MethodPatch, "nonconformities/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

// SetStage moves a nonconformity to another stage.
func (c *Client) SetStage(ctx context.Context, id, stageID string) (Nonconformity, error) {
	return c.UpdateNonconformity(ctx, id, map[string]any{"stage_id": stageID})
}

// CreateAction creates an action.
func (c *Client) CreateAction(ctx context.Context, name, actionType string) (Action, error) {
	body := map[string]any{"name": name}
	if actionType != "" {
		body["type"] = actionType
	}
	var resp Action
	err := c.do(ctx, http.MethodPost, "actions", body, &resp)
	return resp, err
}

// OpenAction opens an action.
func (c *Client) OpenAction(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "actions/"+url.PathEscape(id)+"/open", nil, &resp)
	return resp, err
}

// RunReminders runs the deadline sweep. A nil days uses the server's lookahead.
func (c *Client) RunReminders(ctx context.Context, days *int) (ReminderResult, error) {
	body := map[string]any{}
	if days != nil {
		body["days"] = *days
	}
	var resp ReminderResult
	err := c.do(ctx, http.MethodPost, "reminders/run", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
