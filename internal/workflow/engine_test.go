package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"issueflow/internal/app"
	"issueflow/internal/config"
	"issueflow/internal/db"
	"issueflow/internal/domain"
	"issueflow/internal/migrate"
	"issueflow/internal/repo"
	"issueflow/internal/workflow"
)

// Seeded registries: statuses 1 New .. 6 Rejected, trackers 1 Bug, 2 Feature,
// 3 Support, roles 1 Manager, 2 Developer, 3 Reporter, 4 Observer.
type testEnv struct {
	Engine workflow.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	eng := workflow.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	require.NoError(t, app.Seed(ctx, eng, cfg.Seed, "tester"))
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) transitions(t *testing.T, roleID, trackerID int) []domain.TransitionRule {
	t.Helper()
	rules, err := env.Engine.Repo.ListTransitions(env.Ctx, repo.RuleFilter{RoleIDs: []int{roleID}, TrackerIDs: []int{trackerID}})
	require.NoError(t, err)
	return rules
}

func (env testEnv) countAll(t *testing.T) (int, int) {
	t.Helper()
	tr, err := env.Engine.Repo.ListTransitions(env.Ctx, repo.RuleFilter{})
	require.NoError(t, err)
	perms, err := env.Engine.Repo.ListPermissions(env.Ctx, repo.RuleFilter{})
	require.NoError(t, err)
	return len(tr), len(perms)
}

func TestSelfTransitionAlwaysAllowed(t *testing.T) {
	env := newTestEnv(t)
	for _, s := range []int{1, 2, 3, 4, 5, 6} {
		ok, err := env.Engine.IsTransitionAllowed(env.Ctx, 2, 1, s, s, workflow.ActorContext{})
		require.NoError(t, err)
		require.True(t, ok, "status %d", s)
	}
}

func TestTransitionWithoutRuleDenied(t *testing.T) {
	env := newTestEnv(t)
	ok, err := env.Engine.IsTransitionAllowed(env.Ctx, 2, 1, 1, 2, workflow.ActorContext{IsAuthor: true, IsAssignee: true})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransitionUnknownIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.IsTransitionAllowed(env.Ctx, 99, 1, 1, 2, workflow.ActorContext{})
	require.ErrorIs(t, err, workflow.ErrNotFound)
	_, err = env.Engine.IsTransitionAllowed(env.Ctx, 2, 99, 1, 2, workflow.ActorContext{})
	require.ErrorIs(t, err, workflow.ErrNotFound)
	_, err = env.Engine.IsTransitionAllowed(env.Ctx, 2, 1, 1, 42, workflow.ActorContext{})
	require.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestAuthorOnlyTransition(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{
		{FromStatusID: 3, ToStatusID: 1, AuthorOnly: true},
	}, "tester")
	require.NoError(t, err)

	ok, err := env.Engine.IsTransitionAllowed(env.Ctx, 2, 1, 3, 1, workflow.ActorContext{IsAuthor: true})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = env.Engine.IsTransitionAllowed(env.Ctx, 2, 1, 3, 1, workflow.ActorContext{IsAuthor: false})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = env.Engine.IsTransitionAllowed(env.Ctx, 2, 1, 3, 1, workflow.ActorContext{IsAssignee: true})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAssigneeOnlyTransition(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{
		{FromStatusID: 2, ToStatusID: 3, AssigneeOnly: true},
	}, "tester")
	require.NoError(t, err)

	ok, err := env.Engine.IsTransitionAllowed(env.Ctx, 2, 1, 2, 3, workflow.ActorContext{IsAssignee: true})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = env.Engine.IsTransitionAllowed(env.Ctx, 2, 1, 2, 3, workflow.ActorContext{IsAuthor: true})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplaceTransitionsFromForm(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{
		{FromStatusID: 1, ToStatusID: 2, Always: true},
		{FromStatusID: 2, ToStatusID: 6, Always: true},
	}, "tester")
	require.NoError(t, err)

	edits, err := workflow.DecodeTransitionForm(map[string]map[string]any{
		"4": {"5": map[string]any{"always": "1"}},
		"3": {"1": "1", "2": "1"},
	})
	require.NoError(t, err)
	n, err := env.Engine.ReplaceTransitions(env.Ctx, 2, 1, edits, "tester")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rules := env.transitions(t, 2, 1)
	require.Len(t, rules, 3)
	got := map[[2]int]bool{}
	for _, r := range rules {
		require.True(t, r.Always)
		require.False(t, r.AuthorOnly)
		require.False(t, r.AssigneeOnly)
		got[[2]int{r.FromStatusID, r.ToStatusID}] = true
	}
	require.Equal(t, map[[2]int]bool{{3, 1}: true, {3, 2}: true, {4, 5}: true}, got)
}

func TestReplaceTransitionsRoundTripAndIdempotence(t *testing.T) {
	env := newTestEnv(t)
	edits := []workflow.TransitionEdit{
		{FromStatusID: 0, ToStatusID: 1, Always: true},
		{FromStatusID: 1, ToStatusID: 2, Always: true, AuthorOnly: true},
		{FromStatusID: 2, ToStatusID: 3, AssigneeOnly: true},
		{FromStatusID: 3, ToStatusID: 4},
		{FromStatusID: 4, ToStatusID: 4, Always: true},
	}
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 1, 2, edits, "tester")
	require.NoError(t, err)
	first := env.transitions(t, 1, 2)
	require.Len(t, first, 3)

	_, err = env.Engine.ReplaceTransitions(env.Ctx, 1, 2, edits, "tester")
	require.NoError(t, err)
	require.Equal(t, first, env.transitions(t, 1, 2))

	for _, r := range first {
		require.NotEqual(t, r.FromStatusID, r.ToStatusID)
		require.True(t, r.Enabled())
	}
}

func TestReplaceTransitionsScopeIsolation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 1, 1, []workflow.TransitionEdit{{FromStatusID: 1, ToStatusID: 2, Always: true}}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.ReplaceTransitions(env.Ctx, 2, 2, []workflow.TransitionEdit{{FromStatusID: 1, ToStatusID: 3, Always: true}}, "tester")
	require.NoError(t, err)
	before11 := env.transitions(t, 1, 1)
	before22 := env.transitions(t, 2, 2)

	_, err = env.Engine.ReplaceTransitions(env.Ctx, 1, 2, []workflow.TransitionEdit{{FromStatusID: 2, ToStatusID: 5, Always: true}}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.ReplaceTransitions(env.Ctx, 2, 1, nil, "tester")
	require.NoError(t, err)

	require.Equal(t, before11, env.transitions(t, 1, 1))
	require.Equal(t, before22, env.transitions(t, 2, 2))
}

func TestReplaceTransitionsRejectsBadInputWithoutMutation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{{FromStatusID: 1, ToStatusID: 2, Always: true}}, "tester")
	require.NoError(t, err)

	_, err = env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{{FromStatusID: 1, ToStatusID: 0, Always: true}}, "tester")
	require.ErrorIs(t, err, workflow.ErrInvalidInput)

	_, err = env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{{FromStatusID: 1, ToStatusID: 42, Always: true}}, "tester")
	require.ErrorIs(t, err, workflow.ErrNotFound)

	_, err = env.Engine.ReplaceTransitions(env.Ctx, 77, 1, []workflow.TransitionEdit{{FromStatusID: 1, ToStatusID: 3, Always: true}}, "tester")
	require.ErrorIs(t, err, workflow.ErrNotFound)

	rules := env.transitions(t, 2, 1)
	require.Len(t, rules, 1)
	require.Equal(t, 2, rules[0].ToStatusID)
}

func TestReplaceTransitionsScopes(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitionsScopes(env.Ctx, []int{1, 2}, []int{1, 3}, []workflow.TransitionEdit{
		{FromStatusID: 1, ToStatusID: 2, Always: true},
	}, "tester")
	require.NoError(t, err)
	counts, err := env.Engine.TransitionCounts(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, []workflow.TransitionCount{
		{RoleID: 1, TrackerID: 1, Count: 1},
		{RoleID: 1, TrackerID: 3, Count: 1},
		{RoleID: 2, TrackerID: 1, Count: 1},
		{RoleID: 2, TrackerID: 3, Count: 1},
	}, counts)
}

func TestAllowedTargetStatuses(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{
		{FromStatusID: 0, ToStatusID: 1, Always: true},
		{FromStatusID: 2, ToStatusID: 5, Always: true},
		{FromStatusID: 2, ToStatusID: 3, AuthorOnly: true},
		{FromStatusID: 2, ToStatusID: 4, AssigneeOnly: true},
	}, "tester")
	require.NoError(t, err)

	ids := func(statuses []domain.Status) []int {
		out := []int{}
		for _, s := range statuses {
			out = append(out, s.ID)
		}
		return out
	}

	got, err := env.Engine.AllowedTargetStatuses(env.Ctx, 2, 1, 2, workflow.ActorContext{})
	require.NoError(t, err)
	require.Equal(t, []int{2, 5}, ids(got))

	got, err = env.Engine.AllowedTargetStatuses(env.Ctx, 2, 1, 2, workflow.ActorContext{IsAuthor: true, IsAssignee: true})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4, 5}, ids(got))

	got, err = env.Engine.AllowedTargetStatuses(env.Ctx, 2, 1, 0, workflow.ActorContext{})
	require.NoError(t, err)
	require.Equal(t, []int{1}, ids(got))

	got, err = env.Engine.AllowedTargetStatuses(env.Ctx, 3, 1, 2, workflow.ActorContext{})
	require.NoError(t, err)
	require.Equal(t, []int{2}, ids(got))
}

func TestAllowedTargetStatusesForRoles(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 1, 1, []workflow.TransitionEdit{{FromStatusID: 1, ToStatusID: 5, Always: true}}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{{FromStatusID: 1, ToStatusID: 2, Always: true}}, "tester")
	require.NoError(t, err)

	got, err := env.Engine.AllowedTargetStatusesForRoles(env.Ctx, []int{1, 2}, 1, 1, workflow.ActorContext{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, 1, got[0].ID)
	require.Equal(t, 2, got[1].ID)
	require.Equal(t, 5, got[2].ID)

	_, err = env.Engine.AllowedTargetStatusesForRoles(env.Ctx, nil, 1, 1, workflow.ActorContext{})
	require.ErrorIs(t, err, workflow.ErrInvalidInput)
}

func TestTransitionCounts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 1, 1, []workflow.TransitionEdit{
		{FromStatusID: 1, ToStatusID: 2, Always: true},
		{FromStatusID: 2, ToStatusID: 3, Always: true},
	}, "tester")
	require.NoError(t, err)
	counts, err := env.Engine.TransitionCounts(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, []workflow.TransitionCount{{RoleID: 1, TrackerID: 1, Count: 2}}, counts)
}

func TestReplaceLogsEvents(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReplaceTransitions(env.Ctx, 2, 1, []workflow.TransitionEdit{{FromStatusID: 1, ToStatusID: 2, Always: true}}, "admin")
	require.NoError(t, err)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, repo.EventFilter{Type: "workflow.transitions.replaced"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, "role:2/tracker:1", evts[0].EntityID)
	require.Equal(t, "admin", evts[0].ActorID)
	require.Contains(t, evts[0].Payload, `"inserted":1`)
}
