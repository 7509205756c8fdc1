package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"issueflow/internal/domain"
)

type Repo struct {
	DB *sqlx.DB
}

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// NotFoundError names the missing entity and unwraps to ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   any
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

type statusRow struct {
	ID       int    `db:"id"`
	Name     string `db:"name"`
	IsClosed bool   `db:"is_closed"`
	Position int    `db:"position"`
}

func (s statusRow) domain() domain.Status {
	return domain.Status{ID: s.ID, Name: s.Name, IsClosed: s.IsClosed, Position: s.Position}
}

type roleRow struct {
	ID              int    `db:"id"`
	Name            string `db:"name"`
	Position        int    `db:"position"`
	Builtin         int    `db:"builtin"`
	PermissionsJSON string `db:"permissions_json"`
}

func (r roleRow) domain() (domain.Role, error) {
	role := domain.Role{ID: r.ID, Name: r.Name, Position: r.Position, Builtin: r.Builtin}
	if err := unmarshalStrings(r.PermissionsJSON, &role.Permissions); err != nil {
		return role, fmt.Errorf("role %d permissions: %w", r.ID, err)
	}
	return role, nil
}

type trackerRow struct {
	ID                     int           `db:"id"`
	Name                   string        `db:"name"`
	Position               int           `db:"position"`
	DefaultStatusID        sql.NullInt64 `db:"default_status_id"`
	DisabledCoreFieldsJSON string        `db:"disabled_core_fields_json"`
}

func (t trackerRow) domain() (domain.Tracker, error) {
	tr := domain.Tracker{ID: t.ID, Name: t.Name, Position: t.Position}
	if t.DefaultStatusID.Valid {
		tr.DefaultStatusID = int(t.DefaultStatusID.Int64)
	}
	if err := unmarshalStrings(t.DisabledCoreFieldsJSON, &tr.DisabledCoreFields); err != nil {
		return tr, fmt.Errorf("tracker %d disabled fields: %w", t.ID, err)
	}
	return tr, nil
}

func (r Repo) ListStatuses(ctx context.Context) ([]domain.Status, error) {
	return listStatuses(ctx, r.DB)
}

func listStatuses(ctx context.Context, q sqlx.QueryerContext) ([]domain.Status, error) {
	var rows []statusRow
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT id,name,is_closed,position FROM issue_statuses ORDER BY position, id`); err != nil {
		return nil, err
	}
	res := make([]domain.Status, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.domain())
	}
	return res, nil
}

func (r Repo) GetStatus(ctx context.Context, id int) (domain.Status, error) {
	var row statusRow
	err := r.DB.GetContext(ctx, &row, r.DB.Rebind(`SELECT id,name,is_closed,position FROM issue_statuses WHERE id=?`), id)
	if err == sql.ErrNoRows {
		return domain.Status{}, NotFoundError{Kind: "status", ID: id}
	}
	return row.domain(), err
}

func (r Repo) CreateStatusTx(ctx context.Context, tx *sqlx.Tx, s domain.Status) (domain.Status, error) {
	if strings.TrimSpace(s.Name) == "" {
		return s, fmt.Errorf("%w: status name is required", ErrInvalidInput)
	}
	var err error
	if s.ID == 0 {
		if s.ID, err = nextValue(ctx, tx, "issue_statuses", "id"); err != nil {
			return s, err
		}
	}
	if s.Position == 0 {
		if s.Position, err = nextValue(ctx, tx, "issue_statuses", "position"); err != nil {
			return s, err
		}
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO issue_statuses(id,name,is_closed,position) VALUES (?,?,?,?)`),
		s.ID, s.Name, s.IsClosed, s.Position)
	return s, err
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	var rows []roleRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT id,name,position,builtin,permissions_json FROM roles ORDER BY builtin, position, id`); err != nil {
		return nil, err
	}
	res := make([]domain.Role, 0, len(rows))
	for _, row := range rows {
		role, err := row.domain()
		if err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, nil
}

// ListWorkflowRoles returns the roles that take part in workflow configuration.
func (r Repo) ListWorkflowRoles(ctx context.Context) ([]domain.Role, error) {
	roles, err := r.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	res := roles[:0]
	for _, role := range roles {
		if role.ConsidersWorkflow() {
			res = append(res, role)
		}
	}
	return res, nil
}

func (r Repo) GetRole(ctx context.Context, id int) (domain.Role, error) {
	var row roleRow
	err := r.DB.GetContext(ctx, &row, r.DB.Rebind(`SELECT id,name,position,builtin,permissions_json FROM roles WHERE id=?`), id)
	if err == sql.ErrNoRows {
		return domain.Role{}, NotFoundError{Kind: "role", ID: id}
	}
	if err != nil {
		return domain.Role{}, err
	}
	return row.domain()
}

func (r Repo) CreateRoleTx(ctx context.Context, tx *sqlx.Tx, role domain.Role) (domain.Role, error) {
	if strings.TrimSpace(role.Name) == "" {
		return role, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	var err error
	if role.ID == 0 {
		if role.ID, err = nextValue(ctx, tx, "roles", "id"); err != nil {
			return role, err
		}
	}
	if role.Position == 0 {
		if role.Position, err = nextValue(ctx, tx, "roles", "position"); err != nil {
			return role, err
		}
	}
	perms, err := marshalStrings(role.Permissions)
	if err != nil {
		return role, err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO roles(id,name,position,builtin,permissions_json) VALUES (?,?,?,?,?)`),
		role.ID, role.Name, role.Position, role.Builtin, perms)
	return role, err
}

func (r Repo) ListTrackers(ctx context.Context) ([]domain.Tracker, error) {
	var rows []trackerRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT id,name,position,default_status_id,disabled_core_fields_json FROM trackers ORDER BY position, id`); err != nil {
		return nil, err
	}
	res := make([]domain.Tracker, 0, len(rows))
	for _, row := range rows {
		t, err := row.domain()
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) GetTracker(ctx context.Context, id int) (domain.Tracker, error) {
	var row trackerRow
	err := r.DB.GetContext(ctx, &row, r.DB.Rebind(`SELECT id,name,position,default_status_id,disabled_core_fields_json FROM trackers WHERE id=?`), id)
	if err == sql.ErrNoRows {
		return domain.Tracker{}, NotFoundError{Kind: "tracker", ID: id}
	}
	if err != nil {
		return domain.Tracker{}, err
	}
	return row.domain()
}

func (r Repo) CreateTrackerTx(ctx context.Context, tx *sqlx.Tx, t domain.Tracker) (domain.Tracker, error) {
	if strings.TrimSpace(t.Name) == "" {
		return t, fmt.Errorf("%w: tracker name is required", ErrInvalidInput)
	}
	for _, f := range t.DisabledCoreFields {
		if !domain.IsCoreField(f) {
			return t, fmt.Errorf("%w: invalid core field %s", ErrInvalidInput, f)
		}
	}
	var err error
	if t.ID == 0 {
		if t.ID, err = nextValue(ctx, tx, "trackers", "id"); err != nil {
			return t, err
		}
	}
	if t.Position == 0 {
		if t.Position, err = nextValue(ctx, tx, "trackers", "position"); err != nil {
			return t, err
		}
	}
	disabled, err := marshalStrings(t.DisabledCoreFields)
	if err != nil {
		return t, err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO trackers(id,name,position,default_status_id,disabled_core_fields_json) VALUES (?,?,?,?,?)`),
		t.ID, t.Name, t.Position, nullableInt(t.DefaultStatusID), disabled)
	return t, err
}

// EnsureExist returns a NotFoundError for the first id missing from table.
func EnsureExist(ctx context.Context, q sqlx.QueryerContext, kind, table string, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(fmt.Sprintf(`SELECT id FROM %s WHERE id IN (?)`, table), ids)
	if err != nil {
		return err
	}
	var found []int
	if err := sqlx.SelectContext(ctx, q, &found, rebind(q, query), args...); err != nil {
		return err
	}
	present := make(map[int]struct{}, len(found))
	for _, id := range found {
		present[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := present[id]; !ok {
			return NotFoundError{Kind: kind, ID: id}
		}
	}
	return nil
}

func nextValue(ctx context.Context, tx *sqlx.Tx, table, column string) (int, error) {
	var next int
	err := tx.QueryRowxContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(%s),0)+1 FROM %s`, column, table)).Scan(&next)
	return next, err
}

// rebind converts ? placeholders when q knows its dialect.
func rebind(q any, query string) string {
	if b, ok := q.(interface{ Rebind(string) string }); ok {
		return b.Rebind(query)
	}
	return query
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func marshalStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(raw string, out *[]string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
