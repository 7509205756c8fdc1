package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "/v1", cfg.Server.BasePath)
	require.Equal(t, FieldMergePermissive, cfg.Workflow.FieldMerge)
	require.Equal(t, 30*time.Minute, cfg.Database.ConnMaxLifetime)
	require.Len(t, cfg.Seed.Statuses, 6)
	require.Len(t, cfg.Seed.Roles, 4)
	require.True(t, cfg.MetricsEnabled())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":         "database:\n  driver: mysql\n",
		"postgres dsn":   "database:\n  driver: postgres\n",
		"field merge":    "workflow:\n  field_merge: strict\n",
		"base path":      "server:\n  base_path: v1\n",
		"rate limit":     "server:\n  rate_limit:\n    rps: -1\n",
		"dup status":     "seed:\n  statuses:\n    - name: New\n    - name: New\n",
		"default status": "seed:\n  statuses:\n    - name: New\n  trackers:\n    - name: Bug\n      default_status: Open\n",
		"empty perm":     "seed:\n  roles:\n    - name: Dev\n      permissions: [\"\"]\n",
		"webhook url":    "webhooks:\n  - events: [workflow.rules.copied]\n",
		"bad yaml":       "server: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestMetricsToggle(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  metrics: false\n"))
	require.NoError(t, err)
	require.False(t, cfg.MetricsEnabled())
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.ErrorContains(t, err, "ifl config init")

	raw := "server:\n  addr: :9090\nwebhooks:\n  - url: http://hooks.local/in\n    events: [workflow.*]\n"
	require.NoError(t, os.WriteFile(Path(dir), []byte(raw), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Len(t, cfg.Webhooks, 1)
	require.Nil(t, cfg.Webhooks[0].Enabled)
}
