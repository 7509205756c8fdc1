package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"issueflow/internal/db"
	"issueflow/internal/domain"
	"issueflow/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func withTx(t *testing.T, r Repo, fn func(tx *sqlx.Tx)) {
	t.Helper()
	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func seedRegistry(t *testing.T, r Repo) {
	t.Helper()
	ctx := context.Background()
	withTx(t, r, func(tx *sqlx.Tx) {
		for _, name := range []string{"New", "Assigned", "Resolved"} {
			_, err := r.CreateStatusTx(ctx, tx, domain.Status{Name: name})
			require.NoError(t, err)
		}
		for _, name := range []string{"Manager", "Developer"} {
			_, err := r.CreateRoleTx(ctx, tx, domain.Role{Name: name})
			require.NoError(t, err)
		}
		for _, name := range []string{"Bug", "Feature"} {
			_, err := r.CreateTrackerTx(ctx, tx, domain.Tracker{Name: name})
			require.NoError(t, err)
		}
	})
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	r := newTestRepo(t)
	seedRegistry(t, r)
	ctx := context.Background()

	statuses, err := r.ListStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	require.Equal(t, 3, statuses[2].ID)
	require.Equal(t, 3, statuses[2].Position)

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = r.CreateStatusTx(ctx, tx, domain.Status{Name: "  "})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = r.CreateTrackerTx(ctx, tx, domain.Tracker{Name: "Task", DisabledCoreFields: []string{"color"}})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestEnsureExist(t *testing.T) {
	r := newTestRepo(t)
	seedRegistry(t, r)
	ctx := context.Background()

	require.NoError(t, EnsureExist(ctx, r.DB, "role", "roles", nil))
	require.NoError(t, EnsureExist(ctx, r.DB, "role", "roles", []int{1, 2}))

	err := EnsureExist(ctx, r.DB, "tracker", "trackers", []int{1, 9})
	require.ErrorIs(t, err, ErrNotFound)
	var nf NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "tracker", nf.Kind)
	require.Equal(t, 9, nf.ID)
	require.Equal(t, "tracker 9 not found", err.Error())
}

func TestTransitionsByScope(t *testing.T) {
	r := newTestRepo(t)
	seedRegistry(t, r)
	ctx := context.Background()

	withTx(t, r, func(tx *sqlx.Tx) {
		for _, rule := range []domain.TransitionRule{
			{RoleID: 1, TrackerID: 1, FromStatusID: domain.NewIssueStatus, ToStatusID: 1, Always: true},
			{RoleID: 1, TrackerID: 1, FromStatusID: 1, ToStatusID: 2, Always: true},
			{RoleID: 2, TrackerID: 1, FromStatusID: 2, ToStatusID: 3, AssigneeOnly: true},
			{RoleID: 2, TrackerID: 2, FromStatusID: 1, ToStatusID: 3, AuthorOnly: true},
		} {
			require.NoError(t, r.InsertTransitionTx(ctx, tx, rule))
		}
	})

	all, err := r.ListTransitions(ctx, RuleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	scoped, err := r.ListTransitions(ctx, RuleFilter{RoleIDs: []int{2}, TrackerIDs: []int{1}})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	require.True(t, scoped[0].AssigneeOnly)
	require.False(t, scoped[0].Always)

	from, err := r.ListTransitionsFrom(ctx, []int{1, 2}, 1, 1)
	require.NoError(t, err)
	require.Len(t, from, 1)
	require.Equal(t, 2, from[0].ToStatusID)

	_, err = r.GetTransition(ctx, 1, 2, 1, 2)
	require.ErrorIs(t, err, ErrNotFound)

	used, err := r.UsedStatusIDs(ctx, []int{1})
	require.NoError(t, err)
	require.ElementsMatch(t, []int{1, 2, 3}, used)

	used, err = r.UsedStatusIDs(ctx, []int{2})
	require.NoError(t, err)
	require.ElementsMatch(t, []int{1, 3}, used)

	counts, err := r.TransitionCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, []TransitionCount{
		{RoleID: 1, TrackerID: 1, Count: 2},
		{RoleID: 2, TrackerID: 1, Count: 1},
		{RoleID: 2, TrackerID: 2, Count: 1},
	}, counts)

	withTx(t, r, func(tx *sqlx.Tx) {
		n, err := r.DeleteTransitionsTx(ctx, tx, 1, 1)
		require.NoError(t, err)
		require.EqualValues(t, 2, n)
	})
	all, err = r.ListTransitions(ctx, RuleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestPermissionsAtStatus(t *testing.T) {
	r := newTestRepo(t)
	seedRegistry(t, r)
	ctx := context.Background()

	withTx(t, r, func(tx *sqlx.Tx) {
		require.NoError(t, r.InsertPermissionTx(ctx, tx, domain.FieldPermissionRule{RoleID: 1, TrackerID: 1, StatusID: 2, FieldName: "due_date", Rule: domain.RuleRequired}))
		require.NoError(t, r.InsertPermissionTx(ctx, tx, domain.FieldPermissionRule{RoleID: 2, TrackerID: 1, StatusID: 2, FieldName: "due_date", Rule: domain.RuleReadOnly}))
		require.NoError(t, r.InsertPermissionTx(ctx, tx, domain.FieldPermissionRule{RoleID: 2, TrackerID: 1, StatusID: 3, FieldName: "subject", Rule: domain.RuleReadOnly}))
	})

	at, err := r.ListPermissionsAt(ctx, []int{1, 2}, 1, 2)
	require.NoError(t, err)
	require.Len(t, at, 2)

	rule, err := r.GetPermission(ctx, 2, 1, 3, "subject")
	require.NoError(t, err)
	require.Equal(t, domain.RuleReadOnly, rule.Rule)

	_, err = r.GetPermission(ctx, 1, 1, 3, "subject")
	require.ErrorIs(t, err, ErrNotFound)

	withTx(t, r, func(tx *sqlx.Tx) {
		n, err := r.DeletePermissionsTx(ctx, tx, 2, 1)
		require.NoError(t, err)
		require.EqualValues(t, 2, n)
	})
	left, err := r.ListPermissions(ctx, RuleFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, 1, left[0].RoleID)
}

func TestAPIKeysRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.Equal(t, HashAPIKey("secret"), HashAPIKey("  secret\n"))

	withTx(t, r, func(tx *sqlx.Tx) {
		require.ErrorIs(t, r.InsertAPIKeyTx(ctx, tx, domain.APIKey{ID: "k0"}), ErrInvalidInput)
		require.NoError(t, r.InsertAPIKeyTx(ctx, tx, domain.APIKey{
			ID: "k1", ActorID: "alice", KeyHash: HashAPIKey("secret"),
			Permissions: []string{"workflow.manage"}, CreatedAt: "2026-01-01T00:00:00Z",
		}))
		require.NoError(t, r.InsertAPIKeyTx(ctx, tx, domain.APIKey{
			ID: "k2", ActorID: "alice", Name: "ci", KeyHash: HashAPIKey("other"), CreatedAt: "2026-02-01T00:00:00Z",
		}))
	})

	key, err := r.GetAPIKeyByHash(ctx, HashAPIKey("secret"))
	require.NoError(t, err)
	require.Equal(t, "k1", key.ID)
	require.Equal(t, []string{"workflow.manage"}, key.Permissions)

	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	keys, err := r.ListAPIKeys(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "k2", keys[0].ID)
	require.Equal(t, "ci", keys[0].Name)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	err = r.DeleteAPIKey(ctx, "k1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, r.DeleteAPIKey(ctx, " "), ErrInvalidInput)
}

func TestCustomFieldLinks(t *testing.T) {
	r := newTestRepo(t)
	seedRegistry(t, r)
	ctx := context.Background()

	var created domain.CustomField
	withTx(t, r, func(tx *sqlx.Tx) {
		var err error
		created, err = r.CreateCustomFieldTx(ctx, tx, domain.CustomField{Name: "Severity", RoleIDs: []int{2}, TrackerIDs: []int{1, 2}, Visible: true})
		require.NoError(t, err)
	})
	require.Equal(t, 1, created.ID)
	require.Equal(t, "string", created.FieldFormat)

	got, err := r.GetCustomField(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, []int{2}, got.RoleIDs)
	require.ElementsMatch(t, []int{1, 2}, got.TrackerIDs)

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = r.CreateCustomFieldTx(ctx, tx, domain.CustomField{Name: "Orphan", RoleIDs: []int{42}})
	require.ErrorIs(t, err, ErrNotFound)
}
