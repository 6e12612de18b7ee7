package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/phrazzld/casework/internal/config"
	"github.com/phrazzld/casework/internal/platform/postgres"
	"github.com/phrazzld/casework/internal/platform/sqlite"
	"github.com/phrazzld/casework/internal/registry"
	"github.com/urfave/cli/v3"
)

func newMigrateCommand() *cli.Command {
	sub := func(name, usage string) *cli.Command {
		return &cli.Command{
			Name:  name,
			Usage: usage,
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return runMigration(ctx, cmd, name)
			},
		}
	}
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the PostgreSQL process registry schema",
		Commands: []*cli.Command{
			sub("up", "Apply all pending migrations"),
			sub("down", "Roll back the most recent migration"),
			sub("status", "Show applied and pending migrations"),
			sub("version", "Print the current schema version"),
		},
	}
}

func runMigration(ctx context.Context, cmd *cli.Command, command string) error {
	cfg, err := config.LoadFile(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Database.Driver == "sqlite" {
		fmt.Fprintln(writerOf(cmd), "sqlite schema is created on open; nothing to migrate")
		return nil
	}

	slog.Info("running migrations", "command", command, "database", maskDatabaseURL(cfg.Database.URL))
	db, err := postgres.Open(ctx, cfg.Database.URL, poolConfig(cfg.Database))
	if err != nil {
		return err
	}
	defer db.Close()
	return postgres.Migrate(ctx, db, command)
}

// openStore connects the configured registry backend. PostgreSQL must already
// be migrated; SQLite creates its schema on open.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, registry.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return db, sqlite.NewProcessStore(db), nil
	case "postgres":
		db, err := postgres.Open(ctx, cfg.URL, poolConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		return db, postgres.NewProcessStore(db), nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func poolConfig(cfg config.DatabaseConfig) postgres.PoolConfig {
	return postgres.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

// describeStore names the registry backend for logs without leaking credentials.
func describeStore(cfg config.DatabaseConfig) string {
	if cfg.Driver == "sqlite" {
		return "sqlite:" + cfg.URL
	}
	return maskDatabaseURL(cfg.URL)
}

// maskDatabaseURL masks the password in a database URL for safe logging.
func maskDatabaseURL(dbURL string) string {
	parsed, err := url.Parse(dbURL)
	if err != nil {
		return "invalid-url"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "****")
		}
		return parsed.String()
	}
	return dbURL
}
