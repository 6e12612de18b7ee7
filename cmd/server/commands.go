package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/casework/internal/config"
	"github.com/phrazzld/casework/internal/permission"
	"github.com/phrazzld/casework/internal/platform/logger"
	"github.com/phrazzld/casework/internal/registry"
	"github.com/phrazzld/casework/internal/service/auth"
	"github.com/urfave/cli/v3"
)

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "casework",
		Usage: "Forensic task orchestration server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (defaults to ./config.yaml when present)",
				Sources: cli.EnvVars(config.EnvPrefix + "_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newMigrateCommand(),
			newReconcileCommand(),
			newTokenCommand(),
		},
	}
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP API and background workers",
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	loader, err := config.NewLoader(path)
	if err != nil {
		return err
	}
	cfg, err := loader.Config()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"store", describeStore(cfg.Database))

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	if path != "" {
		loader.Watch(app.applyConfig, func(err error) {
			log.Error("config change rejected", "error", err)
		})
	}
	return app.Run(ctx)
}

func newReconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Mark work left running by a crashed server as interrupted; run only while the server is stopped",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.LoadFile(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			db, store, err := openStore(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			reg := registry.New(store, slog.Default())
			report, err := reg.ReconcileOnStartup(ctx, func(uuid.UUID) bool { return false })
			if err != nil {
				return err
			}
			printReport(writerOf(cmd), report)
			return nil
		},
	}
}

func printReport(w io.Writer, report registry.Report) {
	fmt.Fprintf(w, "interrupted: %d\n", len(report.Interrupted))
	for _, p := range report.Interrupted {
		fmt.Fprintf(w, "  %s case=%s type=%s\n", p.ID, p.CaseID, p.ProcessType)
	}
	fmt.Fprintf(w, "awaiting requeue: %d\n", len(report.Recoverable))
	for _, p := range report.Recoverable {
		fmt.Fprintf(w, "  %s case=%s type=%s status=%s\n", p.ID, p.CaseID, p.ProcessType, p.Status)
	}
}

func newTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a signed bearer token for development and scripting",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "principal", Usage: "Principal id carried by the token", Required: true},
			&cli.StringFlag{Name: "role", Usage: "Role carried by the token", Required: true},
			&cli.DurationFlag{Name: "lifetime", Usage: "Token lifetime (defaults to auth.token_lifetime)"},
		},
		Action: runToken,
	}
}

func runToken(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadFile(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	role := cmd.String("role")
	roles, err := permission.ResolveRoles(cfg.Permissions)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(roles, func(r config.RoleConfig) bool { return r.Name == role }) {
		return fmt.Errorf("role %q is not defined", role)
	}

	lifetime := cfg.Auth.TokenLifetime
	if cmd.IsSet("lifetime") {
		lifetime = cmd.Duration("lifetime")
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}

	tokens, err := auth.NewJWTService(cfg.Auth.JWTSecret, lifetime)
	if err != nil {
		return err
	}
	token, err := tokens.GenerateToken(ctx, cmd.String("principal"), role)
	if err != nil {
		return err
	}
	fmt.Fprintln(writerOf(cmd), token)
	return nil
}

func writerOf(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
