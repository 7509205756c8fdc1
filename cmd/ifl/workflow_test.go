package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"issueflow/internal/workflow"
)

func TestParseEdge(t *testing.T) {
	edit, err := parseEdge("1:2")
	require.NoError(t, err)
	require.Equal(t, workflow.TransitionEdit{FromStatusID: 1, ToStatusID: 2, Always: true}, edit)

	edit, err = parseEdge("2:3:author,assignee")
	require.NoError(t, err)
	require.Equal(t, workflow.TransitionEdit{FromStatusID: 2, ToStatusID: 3, AuthorOnly: true, AssigneeOnly: true}, edit)

	for _, bad := range []string{"1", "a:2", "1:b", "1:2:owner", "1:2:3:4"} {
		_, err := parseEdge(bad)
		require.Error(t, err, bad)
	}
}

func TestParsePermission(t *testing.T) {
	edit, err := parsePermission("3:due_date:required")
	require.NoError(t, err)
	require.Equal(t, workflow.PermissionEdit{StatusID: 3, FieldName: "due_date", Rule: "required"}, edit)

	_, err = parsePermission("3:due_date")
	require.Error(t, err)
	_, err = parsePermission("x:due_date:required")
	require.Error(t, err)
}

func TestTransitionCellLabel(t *testing.T) {
	require.Equal(t, "=", transitionCellLabel(workflow.TransitionCell{Self: true}))
	require.Equal(t, ".", transitionCellLabel(workflow.TransitionCell{
		Always: workflow.CellUnchecked, Author: workflow.CellUnchecked, Assignee: workflow.CellUnchecked,
	}))
	require.Equal(t, "A~", transitionCellLabel(workflow.TransitionCell{
		Always: workflow.CellChecked, Author: workflow.CellNoChange, Assignee: workflow.CellUnchecked,
	}))
}
