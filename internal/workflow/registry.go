package workflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"

	"issueflow/internal/domain"
	"issueflow/internal/events"
	"issueflow/internal/repo"
)

func (e Engine) CreateStatus(ctx context.Context, s domain.Status, actorID string) (domain.Status, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Status{}, err
	}
	defer tx.Rollback()

	s, err = e.Repo.CreateStatusTx(ctx, tx, s)
	if err != nil {
		return domain.Status{}, err
	}
	if err := e.Events.Append(ctx, tx, events.StatusCreated, "status", strconv.Itoa(s.ID), actorID, events.EventPayload{"name": s.Name, "is_closed": s.IsClosed}); err != nil {
		return domain.Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Status{}, err
	}
	return s, nil
}

func (e Engine) CreateRole(ctx context.Context, role domain.Role, actorID string) (domain.Role, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Role{}, err
	}
	defer tx.Rollback()

	role, err = e.Repo.CreateRoleTx(ctx, tx, role)
	if err != nil {
		return domain.Role{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RoleCreated, "role", strconv.Itoa(role.ID), actorID, events.EventPayload{"name": role.Name, "permissions": role.Permissions}); err != nil {
		return domain.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Role{}, err
	}
	return role, nil
}

func (e Engine) CreateTracker(ctx context.Context, t domain.Tracker, actorID string) (domain.Tracker, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Tracker{}, err
	}
	defer tx.Rollback()

	if t.DefaultStatusID != 0 {
		if err := repo.EnsureExist(ctx, tx, "status", "issue_statuses", []int{t.DefaultStatusID}); err != nil {
			return domain.Tracker{}, err
		}
	}
	t, err = e.Repo.CreateTrackerTx(ctx, tx, t)
	if err != nil {
		return domain.Tracker{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TrackerCreated, "tracker", strconv.Itoa(t.ID), actorID, events.EventPayload{"name": t.Name}); err != nil {
		return domain.Tracker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tracker{}, err
	}
	return t, nil
}

func (e Engine) CreateCustomField(ctx context.Context, cf domain.CustomField, actorID string) (domain.CustomField, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.CustomField{}, err
	}
	defer tx.Rollback()

	cf, err = e.Repo.CreateCustomFieldTx(ctx, tx, cf)
	if err != nil {
		return domain.CustomField{}, err
	}
	if err := e.Events.Append(ctx, tx, events.CustomFieldCreated, "custom_field", strconv.Itoa(cf.ID), actorID, events.EventPayload{
		"name":        cf.Name,
		"is_required": cf.IsRequired,
		"visible":     cf.Visible,
	}); err != nil {
		return domain.CustomField{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CustomField{}, err
	}
	return cf, nil
}

// CreateAPIKey stores a new key for the actor and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, permissions []string, createdBy string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, invalid("actor_id", "actor_id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "ifl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Name:        name,
		KeyHash:     repo.HashAPIKey(plain),
		Permissions: permissions,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAPIKeyTx(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "api_key", key.ID, createdBy, events.EventPayload{"actor_id": actorID, "permissions": permissions}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}
