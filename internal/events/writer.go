package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	TransitionsReplaced = "workflow.transitions.replaced"
	PermissionsReplaced = "workflow.permissions.replaced"
	RulesCopied         = "workflow.rules.copied"
	StatusCreated       = "registry.status.created"
	RoleCreated         = "registry.role.created"
	TrackerCreated      = "registry.tracker.created"
	CustomFieldCreated  = "registry.custom_field.created"
	APIKeyCreated       = "auth.api_key.created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// ScopeID renders a (role, tracker) scope as an event entity id.
func ScopeID(roleID, trackerID int) string {
	return fmt.Sprintf("role:%d/tracker:%d", roleID, trackerID)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
