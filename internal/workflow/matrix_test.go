package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"issueflow/internal/domain"
	"issueflow/internal/workflow"
)

func findCell(t *testing.T, m workflow.TransitionMatrix, from, to int) workflow.TransitionCell {
	t.Helper()
	for _, row := range m.Rows {
		if row.FromStatusID != from {
			continue
		}
		for _, c := range row.Cells {
			if c.ToStatusID == to {
				return c
			}
		}
	}
	t.Fatalf("cell %d->%d not found", from, to)
	return workflow.TransitionCell{}
}

func TestTransitionMatrixMergesScopes(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 1, 1, []workflow.TransitionEdit{
		{FromStatusID: 1, ToStatusID: 2, Always: true},
		{FromStatusID: 0, ToStatusID: 1, Always: true},
	}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{
		{FromStatusID: 1, ToStatusID: 2, Always: true, AuthorOnly: true},
	}, "tester")
	require.NoError(t, err)

	m, err := env.Engine.TransitionMatrix(env.Ctx, workflow.MatrixQuery{RoleIDs: []int{1, 2}, TrackerIDs: []int{1}})
	require.NoError(t, err)
	require.Len(t, m.Statuses, 6)
	require.Len(t, m.Rows, 7)
	require.Equal(t, domain.NewIssueStatus, m.Rows[0].FromStatusID)

	c := findCell(t, m, 1, 2)
	require.Equal(t, workflow.CellChecked, c.Always)
	require.Equal(t, workflow.CellNoChange, c.Author)
	require.Equal(t, workflow.CellUnchecked, c.Assignee)

	c = findCell(t, m, 0, 1)
	require.Equal(t, workflow.CellNoChange, c.Always)

	c = findCell(t, m, 3, 3)
	require.True(t, c.Self)
	require.Equal(t, workflow.CellChecked, c.Always)

	c = findCell(t, m, 2, 5)
	require.Equal(t, workflow.CellUnchecked, c.Always)
}

func TestTransitionMatrixDefaultScope(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.TransitionMatrix(env.Ctx, workflow.MatrixQuery{})
	require.NoError(t, err)
	require.Len(t, m.Trackers, 3)
	require.Len(t, m.Roles, 3)
	for _, r := range m.Roles {
		require.NotEqual(t, "Observer", r.Name)
	}
}

func TestTransitionMatrixUsedStatusesOnly(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{
		{FromStatusID: 0, ToStatusID: 1, Always: true},
		{FromStatusID: 1, ToStatusID: 3, Always: true},
	}, "tester")
	require.NoError(t, err)

	m, err := env.Engine.TransitionMatrix(env.Ctx, workflow.MatrixQuery{RoleIDs: []int{2}, TrackerIDs: []int{1}, UsedStatusesOnly: true})
	require.NoError(t, err)
	var ids []int
	for _, s := range m.Statuses {
		ids = append(ids, s.ID)
	}
	require.Equal(t, []int{1, 3}, ids)

	// no transitions on Feature: every status is listed
	m, err = env.Engine.TransitionMatrix(env.Ctx, workflow.MatrixQuery{RoleIDs: []int{2}, TrackerIDs: []int{2}, UsedStatusesOnly: true})
	require.NoError(t, err)
	require.Len(t, m.Statuses, 6)
}

func TestTransitionMatrixUnknownScope(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.TransitionMatrix(env.Ctx, workflow.MatrixQuery{RoleIDs: []int{9}})
	require.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestPermissionMatrix(t *testing.T) {
	env := newTestEnv(t)
	secret := env.customField(t, domain.CustomField{Name: "Cost center", Visible: false, RoleIDs: []int{3}, TrackerIDs: []int{1}})
	_, err := env.Engine.ReplaceFieldPermissionsScopes(env.Ctx, []int{1, 2}, []int{1}, []workflow.PermissionEdit{
		{StatusID: 1, FieldName: "due_date", Rule: "required"},
	}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.ReplaceFieldPermissions(env.Ctx, 1, 1, []workflow.PermissionEdit{
		{StatusID: 1, FieldName: "due_date", Rule: "required"},
		{StatusID: 1, FieldName: "assigned_to_id", Rule: "read_only"},
	}, "tester")
	require.NoError(t, err)

	m, err := env.Engine.PermissionMatrix(env.Ctx, workflow.MatrixQuery{RoleIDs: []int{1, 2}, TrackerIDs: []int{1}})
	require.NoError(t, err)

	options := map[string][]string{}
	for _, f := range m.Fields {
		options[f.Name] = f.Options
	}
	require.Equal(t, []string{domain.RuleReadOnly}, options["subject"])
	require.Len(t, options["due_date"], 2)
	require.Contains(t, options, secret)

	cells := map[string]workflow.FieldAccess{}
	for _, row := range m.Rows {
		if row.StatusID != 1 {
			continue
		}
		for _, c := range row.Cells {
			cells[c.FieldName] = c.Value
		}
	}
	require.Equal(t, workflow.AccessRequired, cells["due_date"])
	require.Equal(t, workflow.AccessNoChange, cells["assigned_to_id"])
	require.Equal(t, workflow.AccessEditable, cells["description"])
	require.Equal(t, workflow.AccessHidden, cells[secret])

	m, err = env.Engine.PermissionMatrix(env.Ctx, workflow.MatrixQuery{RoleIDs: []int{3}, TrackerIDs: []int{1}})
	require.NoError(t, err)
	require.Equal(t, workflow.AccessEditable, m.Rows[0].Cells[len(m.Rows[0].Cells)-1].Value)
}

func TestPermissionMatrixDisabledCoreFields(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.PermissionMatrix(env.Ctx, workflow.MatrixQuery{RoleIDs: []int{2}, TrackerIDs: []int{3}})
	require.NoError(t, err)
	for _, f := range m.Fields {
		require.NotEqual(t, "estimated_hours", f.Name)
		require.NotEqual(t, "done_ratio", f.Name)
	}

	m, err = env.Engine.PermissionMatrix(env.Ctx, workflow.MatrixQuery{RoleIDs: []int{2}, TrackerIDs: []int{1, 3}})
	require.NoError(t, err)
	var names []string
	for _, f := range m.Fields {
		names = append(names, f.Name)
	}
	require.Contains(t, names, "estimated_hours")
}
