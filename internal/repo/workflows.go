package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"issueflow/internal/domain"
)

// RuleFilter narrows rule listings; empty slices match everything.
type RuleFilter struct {
	RoleIDs    []int
	TrackerIDs []int
}

func (f RuleFilter) where() (string, []any, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.RoleIDs) > 0 {
		clauses = append(clauses, "role_id IN (?)")
		args = append(args, f.RoleIDs)
	}
	if len(f.TrackerIDs) > 0 {
		clauses = append(clauses, "tracker_id IN (?)")
		args = append(args, f.TrackerIDs)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	if len(args) == 0 {
		return where, nil, nil
	}
	return sqlx.In(where, args...)
}

type TransitionCount struct {
	RoleID    int `json:"role_id" db:"role_id"`
	TrackerID int `json:"tracker_id" db:"tracker_id"`
	Count     int `json:"count" db:"n"`
}

const transitionColumns = `role_id,tracker_id,old_status_id,new_status_id,always,author,assignee`

func (r Repo) ListTransitions(ctx context.Context, f RuleFilter) ([]domain.TransitionRule, error) {
	return listTransitions(ctx, r.DB, f)
}

func (r Repo) ListTransitionsTx(ctx context.Context, tx *sqlx.Tx, f RuleFilter) ([]domain.TransitionRule, error) {
	return listTransitions(ctx, tx, f)
}

func listTransitions(ctx context.Context, q sqlx.QueryerContext, f RuleFilter) ([]domain.TransitionRule, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM workflow_transitions %s ORDER BY role_id, tracker_id, old_status_id, new_status_id`, transitionColumns, where)
	var rules []domain.TransitionRule
	if err := sqlx.SelectContext(ctx, q, &rules, rebind(q, query), args...); err != nil {
		return nil, err
	}
	return rules, nil
}

func (r Repo) GetTransition(ctx context.Context, roleID, trackerID, fromID, toID int) (domain.TransitionRule, error) {
	var rule domain.TransitionRule
	err := r.DB.GetContext(ctx, &rule, r.DB.Rebind(`SELECT `+transitionColumns+` FROM workflow_transitions
WHERE role_id=? AND tracker_id=? AND old_status_id=? AND new_status_id=?`), roleID, trackerID, fromID, toID)
	if err == sql.ErrNoRows {
		return domain.TransitionRule{}, ErrNotFound
	}
	return rule, err
}

// ListTransitionsFrom returns the rules leaving fromID for any of the roles.
func (r Repo) ListTransitionsFrom(ctx context.Context, roleIDs []int, trackerID, fromID int) ([]domain.TransitionRule, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+transitionColumns+` FROM workflow_transitions
WHERE role_id IN (?) AND tracker_id=? AND old_status_id=? ORDER BY new_status_id`, roleIDs, trackerID, fromID)
	if err != nil {
		return nil, err
	}
	var rules []domain.TransitionRule
	if err := r.DB.SelectContext(ctx, &rules, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rules, nil
}

// DeleteTransitionsTx removes every transition of the (role, tracker) scope.
func (r Repo) DeleteTransitionsTx(ctx context.Context, tx *sqlx.Tx, roleID, trackerID int) (int64, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM workflow_transitions WHERE role_id=? AND tracker_id=?`), roleID, trackerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) InsertTransitionTx(ctx context.Context, tx *sqlx.Tx, rule domain.TransitionRule) error {
	_, err := tx.NamedExecContext(ctx, `INSERT INTO workflow_transitions(`+transitionColumns+`)
VALUES (:role_id,:tracker_id,:old_status_id,:new_status_id,:always,:author,:assignee)`, rule)
	return err
}

// TransitionCounts reports the number of stored transitions per (role, tracker).
func (r Repo) TransitionCounts(ctx context.Context) ([]TransitionCount, error) {
	var counts []TransitionCount
	err := r.DB.SelectContext(ctx, &counts, `SELECT role_id, tracker_id, COUNT(*) AS n FROM workflow_transitions
GROUP BY role_id, tracker_id ORDER BY role_id, tracker_id`)
	return counts, err
}

// UsedStatusIDs returns the statuses referenced by transitions of the trackers,
// or of any tracker when trackerIDs is empty. The new issue pseudo-status is omitted.
func (r Repo) UsedStatusIDs(ctx context.Context, trackerIDs []int) ([]int, error) {
	where, args, err := RuleFilter{TrackerIDs: trackerIDs}.where()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT old_status_id FROM workflow_transitions %[1]s
UNION SELECT new_status_id FROM workflow_transitions %[1]s`, where)
	args = append(args, args...)
	var ids []int
	if err := r.DB.SelectContext(ctx, &ids, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	res := ids[:0]
	for _, id := range ids {
		if id != domain.NewIssueStatus {
			res = append(res, id)
		}
	}
	return res, nil
}

const permissionColumns = `role_id,tracker_id,old_status_id,field_name,rule`

func (r Repo) ListPermissions(ctx context.Context, f RuleFilter) ([]domain.FieldPermissionRule, error) {
	return listPermissions(ctx, r.DB, f)
}

func (r Repo) ListPermissionsTx(ctx context.Context, tx *sqlx.Tx, f RuleFilter) ([]domain.FieldPermissionRule, error) {
	return listPermissions(ctx, tx, f)
}

func listPermissions(ctx context.Context, q sqlx.QueryerContext, f RuleFilter) ([]domain.FieldPermissionRule, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM workflow_permissions %s ORDER BY role_id, tracker_id, old_status_id, field_name`, permissionColumns, where)
	var rules []domain.FieldPermissionRule
	if err := sqlx.SelectContext(ctx, q, &rules, rebind(q, query), args...); err != nil {
		return nil, err
	}
	return rules, nil
}

// ListPermissionsAt returns the rules stored for the roles at one tracker and status.
func (r Repo) ListPermissionsAt(ctx context.Context, roleIDs []int, trackerID, statusID int) ([]domain.FieldPermissionRule, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+permissionColumns+` FROM workflow_permissions
WHERE role_id IN (?) AND tracker_id=? AND old_status_id=? ORDER BY field_name, role_id`, roleIDs, trackerID, statusID)
	if err != nil {
		return nil, err
	}
	var rules []domain.FieldPermissionRule
	if err := r.DB.SelectContext(ctx, &rules, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rules, nil
}

func (r Repo) GetPermission(ctx context.Context, roleID, trackerID, statusID int, field string) (domain.FieldPermissionRule, error) {
	var rule domain.FieldPermissionRule
	err := r.DB.GetContext(ctx, &rule, r.DB.Rebind(`SELECT `+permissionColumns+` FROM workflow_permissions
WHERE role_id=? AND tracker_id=? AND old_status_id=? AND field_name=?`), roleID, trackerID, statusID, field)
	if err == sql.ErrNoRows {
		return domain.FieldPermissionRule{}, ErrNotFound
	}
	return rule, err
}

func (r Repo) DeletePermissionsTx(ctx context.Context, tx *sqlx.Tx, roleID, trackerID int) (int64, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM workflow_permissions WHERE role_id=? AND tracker_id=?`), roleID, trackerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) InsertPermissionTx(ctx context.Context, tx *sqlx.Tx, rule domain.FieldPermissionRule) error {
	_, err := tx.NamedExecContext(ctx, `INSERT INTO workflow_permissions(`+permissionColumns+`)
VALUES (:role_id,:tracker_id,:old_status_id,:field_name,:rule)`, rule)
	return err
}
