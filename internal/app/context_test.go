package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"issueflow/internal/config"
	"issueflow/internal/repo"
)

func TestOpenSeedsOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()

	conn, e, err := Open(ctx, cfg, dir, "tester")
	require.NoError(t, err)

	statuses, err := e.Repo.ListStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 6)
	require.True(t, statuses[4].IsClosed)

	trackers, err := e.Repo.ListTrackers(ctx)
	require.NoError(t, err)
	require.Len(t, trackers, 3)
	require.Equal(t, statuses[0].ID, trackers[0].DefaultStatusID)
	require.Equal(t, []string{"estimated_hours", "done_ratio"}, trackers[2].DisabledCoreFields)

	events, err := e.Repo.LatestEvents(ctx, 100, repo.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 13)
	require.Equal(t, "tester", events[0].ActorID)
	require.NoError(t, conn.Close())

	conn, e, err = Open(ctx, cfg, dir, "tester")
	require.NoError(t, err)
	defer conn.Close()
	events, err = e.Repo.LatestEvents(ctx, 100, repo.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 13)
}

func TestSeedRejectsUnknownDefaultStatus(t *testing.T) {
	ctx := context.Background()
	conn, e, err := Open(ctx, &config.Config{}, t.TempDir(), "")
	require.NoError(t, err)
	defer conn.Close()

	err = Seed(ctx, e, config.SeedConfig{Trackers: []config.SeedTracker{{Name: "Bug", DefaultStatus: "Open"}}}, "")
	require.ErrorContains(t, err, "unknown default status")
}
