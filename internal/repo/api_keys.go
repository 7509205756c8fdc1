package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"issueflow/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

type apiKeyRow struct {
	ID              string         `db:"id"`
	ActorID         string         `db:"actor_id"`
	Name            sql.NullString `db:"name"`
	KeyHash         string         `db:"key_hash"`
	PermissionsJSON string         `db:"permissions_json"`
	CreatedAt       string         `db:"created_at"`
}

func (k apiKeyRow) domain() (domain.APIKey, error) {
	key := domain.APIKey{ID: k.ID, ActorID: k.ActorID, Name: k.Name.String, KeyHash: k.KeyHash, CreatedAt: k.CreatedAt}
	if err := unmarshalStrings(k.PermissionsJSON, &key.Permissions); err != nil {
		return key, err
	}
	return key, nil
}

// InsertAPIKeyTx stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKeyTx(ctx context.Context, tx *sqlx.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidInput)
	}
	if key.ActorID == "" {
		return fmt.Errorf("%w: actor_id required", ErrInvalidInput)
	}
	if key.KeyHash == "" {
		return fmt.Errorf("%w: key_hash required", ErrInvalidInput)
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	perms, err := marshalStrings(key.Permissions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO api_keys(id, actor_id, name, key_hash, permissions_json, created_at) VALUES (?,?,?,?,?,?)`),
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, perms, key.CreatedAt)
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var row apiKeyRow
	err := r.DB.GetContext(ctx, &row, r.DB.Rebind(`SELECT id, actor_id, name, key_hash, permissions_json, created_at FROM api_keys WHERE key_hash=? LIMIT 1`), hash)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	return row.domain()
}

// ListAPIKeys returns API keys, optionally filtered by actor ID.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT id, actor_id, name, key_hash, permissions_json, created_at FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC`
	var rows []apiKeyRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	keys := make([]domain.APIKey, 0, len(rows))
	for _, row := range rows {
		key, err := row.domain()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidInput)
	}
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`DELETE FROM api_keys WHERE id=?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return NotFoundError{Kind: "api key", ID: id}
	}
	return nil
}
