package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"realquest/internal/config"
	"realquest/internal/db"
	"realquest/internal/migrate"
	"realquest/internal/repo"
)

// Config sources reported by ResolveConfig.
const (
	SourceFile    = "file"
	SourceStored  = "stored"
	SourceDefault = "default"
)

// ResolveConfig picks the game rules: the workspace realquest.yml when present,
// then the copy stored in the database, seeding the defaults if neither exists.
// A config file is also stored so later runs without it keep the same rules.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, string, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, "", err
	}
	if cfg != nil {
		if err := r.UpsertGameConfig(ctx, cfg); err != nil {
			return nil, "", fmt.Errorf("store config: %w", err)
		}
		return cfg, SourceFile, nil
	}
	cfg, err = r.GetGameConfig(ctx)
	if err == nil {
		return cfg, SourceStored, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, "", err
	}
	cfg = config.Default()
	if err := r.UpsertGameConfig(ctx, cfg); err != nil {
		return nil, "", fmt.Errorf("seed config: %w", err)
	}
	return cfg, SourceDefault, nil
}

// Workspace is an opened and migrated realquest workspace.
type Workspace struct {
	DB           *sql.DB
	Repo         repo.Repo
	Config       *config.Config
	ConfigSource string
}

// Open opens the workspace database, applies migrations and resolves the rules.
func Open(ctx context.Context, cfg db.Config) (Workspace, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return Workspace{}, fmt.Errorf("open db: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return Workspace{}, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	rules, source, err := ResolveConfig(ctx, cfg.Workspace, r)
	if err != nil {
		conn.Close()
		return Workspace{}, err
	}
	return Workspace{DB: conn, Repo: r, Config: rules, ConfigSource: source}, nil
}

func (w Workspace) Close() error {
	if w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
