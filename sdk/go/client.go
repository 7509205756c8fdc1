package issueflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal issueflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Status struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	IsClosed bool   `json:"is_closed"`
	Position int    `json:"position"`
}

// TransitionEdit is one (from, to) cell. Leaving every flag false removes it.
type TransitionEdit struct {
	FromStatusID int  `json:"from_status_id"`
	ToStatusID   int  `json:"to_status_id"`
	Always       bool `json:"always,omitempty"`
	AuthorOnly   bool `json:"author_only,omitempty"`
	AssigneeOnly bool `json:"assignee_only,omitempty"`
}

type PermissionEdit struct {
	StatusID  int    `json:"status_id"`
	FieldName string `json:"field_name"`
	Rule      string `json:"rule"`
}

type ReplaceResult struct {
	Pairs int `json:"pairs"`
	Rules int `json:"rules"`
}

// CopyRequest selects the source pair and the targets to overwrite.
// SourceTrackerID -1 merges the source role's rules of every tracker.
type CopyRequest struct {
	SourceTrackerID  int   `json:"source_tracker_id"`
	SourceRoleID     int   `json:"source_role_id"`
	TargetTrackerIDs []int `json:"target_tracker_ids"`
	TargetRoleIDs    []int `json:"target_role_ids"`
}

type CopyResult struct {
	Pairs       int `json:"pairs"`
	Transitions int `json:"transitions"`
	Permissions int `json:"permissions"`
}

type CheckRequest struct {
	RoleIDs      []int `json:"role_ids"`
	TrackerID    int   `json:"tracker_id"`
	FromStatusID int   `json:"from_status_id"`
	ToStatusID   *int  `json:"to_status_id,omitempty"`
	IsAuthor     bool  `json:"is_author,omitempty"`
	IsAssignee   bool  `json:"is_assignee,omitempty"`
}

type CheckResult struct {
	Allowed        *bool    `json:"allowed,omitempty"`
	AllowedTargets []Status `json:"allowed_targets"`
}

type FieldState struct {
	FieldName string `json:"field_name"`
	Access    string `json:"access"`
}

type FieldRules struct {
	Access  string       `json:"access,omitempty"`
	Options []string     `json:"options,omitempty"`
	Fields  []FieldState `json:"fields,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Statuses(ctx context.Context) ([]Status, error) {
	var resp []Status
	err := c.do(ctx, http.MethodGet, "statuses", nil, &resp)
	return resp, err
}

// ReplaceTransitions stores edits on every role x tracker pair.
func (c *Client) ReplaceTransitions(ctx context.Context, roleIDs, trackerIDs []int, edits []TransitionEdit) (ReplaceResult, error) {
	body := map[string]any{
		"role_ids":    roleIDs,
		"tracker_ids": trackerIDs,
		"transitions": edits,
	}
	var resp ReplaceResult
	err := c.do(ctx, http.MethodPut, "workflows/transitions", body, &resp)
	return resp, err
}

// ReplaceFieldPermissions stores edits on every role x tracker pair.
func (c *Client) ReplaceFieldPermissions(ctx context.Context, roleIDs, trackerIDs []int, edits []PermissionEdit) (ReplaceResult, error) {
	body := map[string]any{
		"role_ids":    roleIDs,
		"tracker_ids": trackerIDs,
		"permissions": edits,
	}
	var resp ReplaceResult
	err := c.do(ctx, http.MethodPut, "workflows/permissions", body, &resp)
	return resp, err
}

func (c *Client) Copy(ctx context.Context, req CopyRequest) (CopyResult, error) {
	var resp CopyResult
	err := c.do(ctx, http.MethodPost, "workflows/copy", req, &resp)
	return resp, err
}

func (c *Client) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	var resp CheckResult
	err := c.do(ctx, http.MethodPost, "workflows/check", req, &resp)
	return resp, err
}

// FieldRules returns field access at a status. An empty field lists every field.
func (c *Client) FieldRules(ctx context.Context, roleIDs []int, trackerID, statusID int, field string) (FieldRules, error) {
	q := url.Values{}
	q.Set("role_id", joinInts(roleIDs))
	q.Set("tracker_id", strconv.Itoa(trackerID))
	q.Set("status_id", strconv.Itoa(statusID))
	if field != "" {
		q.Set("field", field)
	}
	var resp FieldRules
	err := c.do(ctx, http.MethodGet, "workflows/field-rules?"+q.Encode(), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
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
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
