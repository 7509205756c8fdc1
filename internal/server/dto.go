package server

import (
	"encoding/json"

	"issueflow/internal/domain"
	"issueflow/internal/workflow"
)

// Request payloads

type CreateStatusRequest struct {
	Name     string `json:"name"`
	IsClosed bool   `json:"is_closed,omitempty"`
	Position int    `json:"position,omitempty"`
}

type CreateRoleRequest struct {
	Name        string   `json:"name"`
	Position    int      `json:"position,omitempty"`
	Builtin     int      `json:"builtin,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type CreateTrackerRequest struct {
	Name               string   `json:"name"`
	Position           int      `json:"position,omitempty"`
	DefaultStatusID    int      `json:"default_status_id,omitempty"`
	DisabledCoreFields []string `json:"disabled_core_fields,omitempty"`
}

type CreateCustomFieldRequest struct {
	Name        string `json:"name"`
	FieldFormat string `json:"field_format,omitempty"`
	IsRequired  bool   `json:"is_required,omitempty"`
	Visible     *bool  `json:"visible,omitempty"`
	RoleIDs     []int  `json:"role_ids,omitempty"`
	TrackerIDs  []int  `json:"tracker_ids,omitempty"`
}

// ReplaceTransitionsRequest carries either a list of edits or the
// transitions[from][to] form. An empty request clears the scopes.
type ReplaceTransitionsRequest struct {
	RoleIDs     []int                     `json:"role_ids"`
	TrackerIDs  []int                     `json:"tracker_ids"`
	Transitions []workflow.TransitionEdit `json:"transitions,omitempty"`
	Form        map[string]map[string]any `json:"form,omitempty"`
}

type ReplacePermissionsRequest struct {
	RoleIDs     []int                        `json:"role_ids"`
	TrackerIDs  []int                        `json:"tracker_ids"`
	Permissions []workflow.PermissionEdit    `json:"permissions,omitempty"`
	Form        map[string]map[string]string `json:"form,omitempty"`
}

type CopyRequest struct {
	SourceTrackerID  *int  `json:"source_tracker_id,omitempty" doc:"tracker id, or -1 for any tracker"`
	SourceRoleID     int   `json:"source_role_id"`
	TargetTrackerIDs []int `json:"target_tracker_ids"`
	TargetRoleIDs    []int `json:"target_role_ids"`
}

type CheckRequest struct {
	RoleIDs      []int `json:"role_ids"`
	TrackerID    int   `json:"tracker_id"`
	FromStatusID int   `json:"from_status_id"`
	ToStatusID   *int  `json:"to_status_id,omitempty"`
	IsAuthor     bool  `json:"is_author,omitempty"`
	IsAssignee   bool  `json:"is_assignee,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type ReplaceResponse struct {
	Pairs int `json:"pairs"`
	Rules int `json:"rules"`
}

type CheckResponse struct {
	Allowed        *bool           `json:"allowed,omitempty"`
	AllowedTargets []domain.Status `json:"allowed_targets"`
}

type FieldRuleResponse struct {
	RoleIDs  []int                 `json:"role_ids"`
	Tracker  int                   `json:"tracker_id"`
	StatusID int                   `json:"status_id"`
	Access   workflow.FieldAccess  `json:"access,omitempty"`
	Options  []string              `json:"options,omitempty"`
	Fields   []workflow.FieldState `json:"fields,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type APIKeyResponse struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	Key         string   `json:"key,omitempty" doc:"plaintext key, returned once on creation"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:          k.ID,
		ActorID:     k.ActorID,
		Name:        k.Name,
		Permissions: nonNilSlice(k.Permissions),
		CreatedAt:   k.CreatedAt,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
