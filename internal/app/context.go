package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"issueflow/internal/config"
	"issueflow/internal/db"
	"issueflow/internal/domain"
	"issueflow/internal/migrate"
	"issueflow/internal/workflow"
)

// DBConfig maps the database section of the config onto db.Config.
func DBConfig(cfg *config.Config, workspace string) db.Config {
	return db.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		Workspace:       workspace,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

// Open connects, migrates and seeds the database, returning a ready engine.
func Open(ctx context.Context, cfg *config.Config, workspace, actorID string) (*sqlx.DB, workflow.Engine, error) {
	conn, err := db.Open(DBConfig(cfg, workspace))
	if err != nil {
		return nil, workflow.Engine{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, workflow.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	e := workflow.New(conn, cfg)
	if err := Seed(ctx, e, cfg.Seed, actorID); err != nil {
		conn.Close()
		return nil, workflow.Engine{}, fmt.Errorf("seed: %w", err)
	}
	return conn, e, nil
}

// Seed creates the configured statuses, trackers and roles on a database
// with empty registries. Registries that already hold rows are left alone.
func Seed(ctx context.Context, e workflow.Engine, seed config.SeedConfig, actorID string) error {
	if actorID == "" {
		actorID = "system"
	}
	statuses, err := e.Repo.ListStatuses(ctx)
	if err != nil {
		return err
	}
	byName := map[string]int{}
	for _, s := range statuses {
		byName[s.Name] = s.ID
	}
	if len(statuses) == 0 {
		for _, s := range seed.Statuses {
			created, err := e.CreateStatus(ctx, domain.Status{Name: s.Name, IsClosed: s.IsClosed}, actorID)
			if err != nil {
				return fmt.Errorf("status %s: %w", s.Name, err)
			}
			byName[created.Name] = created.ID
		}
	}
	trackers, err := e.Repo.ListTrackers(ctx)
	if err != nil {
		return err
	}
	if len(trackers) == 0 {
		for _, t := range seed.Trackers {
			tr := domain.Tracker{Name: t.Name, DisabledCoreFields: t.DisabledCoreFields}
			if t.DefaultStatus != "" {
				id, ok := byName[t.DefaultStatus]
				if !ok {
					return fmt.Errorf("tracker %s: unknown default status %s", t.Name, t.DefaultStatus)
				}
				tr.DefaultStatusID = id
			}
			if _, err := e.CreateTracker(ctx, tr, actorID); err != nil {
				return fmt.Errorf("tracker %s: %w", t.Name, err)
			}
		}
	}
	roles, err := e.Repo.ListRoles(ctx)
	if err != nil {
		return err
	}
	if len(roles) == 0 {
		for _, r := range seed.Roles {
			if _, err := e.CreateRole(ctx, domain.Role{Name: r.Name, Builtin: r.Builtin, Permissions: r.Permissions}, actorID); err != nil {
				return fmt.Errorf("role %s: %w", r.Name, err)
			}
		}
	}
	return nil
}
