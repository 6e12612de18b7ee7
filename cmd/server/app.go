package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/phrazzld/casework/internal/api"
	apimw "github.com/phrazzld/casework/internal/api/middleware"
	"github.com/phrazzld/casework/internal/config"
	"github.com/phrazzld/casework/internal/events"
	"github.com/phrazzld/casework/internal/permission"
	"github.com/phrazzld/casework/internal/platform/metrics"
	"github.com/phrazzld/casework/internal/platform/tracing"
	"github.com/phrazzld/casework/internal/provider"
	"github.com/phrazzld/casework/internal/registry"
	"github.com/phrazzld/casework/internal/service/auth"
	"github.com/phrazzld/casework/internal/task"
)

const maintenanceInterval = time.Minute

// application holds the wired components so they can be shut down in order.
type application struct {
	config *config.Config
	logger *slog.Logger

	db        *sql.DB
	metrics   *metrics.Registry
	gate      *permission.Gate
	policy    *permission.PolicyWatcher
	registry  *registry.Registry
	stream    *events.Stream
	providers *provider.Router
	scheduler *task.Scheduler
	handler   http.Handler

	stopTracing tracing.Shutdown
	stopMaint   context.CancelFunc
	maintWG     sync.WaitGroup
}

// newApplication builds and starts every component. Interrupted work from a
// previous run is reconciled before the scheduler starts admitting tasks.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *application, err error) {
	app := &application{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.cleanup(context.Background())
		}
	}()

	app.stopTracing, err = tracing.Setup(cfg.Tracing, os.Stdout)
	if err != nil {
		return nil, err
	}
	app.metrics = metrics.NewRegistry("casework")

	roles, err := permission.ResolveRoles(cfg.Permissions)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	app.gate = permission.NewGate(roles,
		permission.WithGlobalLimit(cfg.Permissions.GlobalRate, cfg.Permissions.GlobalBurst),
		permission.WithLogger(logger))
	if cfg.Permissions.PolicyFile != "" {
		app.policy, err = permission.WatchPolicyFile(cfg.Permissions.PolicyFile, app.gate, logger)
		if err != nil {
			return nil, err
		}
	}

	var store registry.Store
	app.db, store, err = openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	app.registry = registry.New(store, logger)
	logger.Info("process registry ready", "driver", cfg.Database.Driver)

	app.stream = events.NewStream(events.Config{
		RetainedSize:     cfg.Stream.RetainedSize,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		RetentionGrace:   cfg.Stream.RetentionGrace,
		JanitorInterval:  cfg.Stream.JanitorInterval,
	}, logger)
	app.stream.Start()

	app.providers, err = provider.FromConfig(ctx, cfg.Providers, logger, provider.WithPublisher(app.stream))
	if err != nil {
		return nil, fmt.Errorf("failed to build provider chain: %w", err)
	}
	app.providers.StartHealthLoop()

	app.scheduler, err = task.NewScheduler(cfg.Scheduler, task.Deps{
		Registry: app.registry,
		Gate:     app.gate,
		Stream:   app.stream,
		Executors: map[string]task.Executor{
			"command":  task.NewCommandExecutor(cfg.Scheduler.CancelGrace, logger),
			"analysis": task.NewAnalysisExecutor(app.providers),
		},
		Metrics: app.metrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if _, err = app.scheduler.Recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover tasks: %w", err)
	}
	app.scheduler.Start()

	tokens, err := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}
	keys, err := auth.NewAPIKeyVerifier(cfg.Auth.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to load api keys: %w", err)
	}

	app.handler = api.NewRouter(api.RouterDeps{
		Tasks:          app.scheduler,
		Processes:      app.registry,
		Stream:         app.stream,
		Providers:      app.providers,
		Gate:           app.gate,
		Auth:           apimw.NewAuthMiddleware(tokens, keys),
		Store:          app.db,
		Metrics:        app.metrics,
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	app.startMaintenance()
	logger.Info("application initialized")
	return app, nil
}

// startMaintenance prunes idle rate histories and samples stream gauges.
func (app *application) startMaintenance() {
	ctx, cancel := context.WithCancel(context.Background())
	app.stopMaint = cancel
	app.maintWG.Add(1)
	go func() {
		defer app.maintWG.Done()
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				app.maintain()
			}
		}
	}()
}

func (app *application) maintain() {
	if n := app.gate.Prune(); n > 0 {
		app.logger.Debug("pruned idle rate histories", "principals", n)
	}
	st := app.stream.Stats()
	app.metrics.Set("event_feeds", nil, float64(st.Feeds))
	app.metrics.Set("event_subscribers", nil, float64(st.Subscribers))
	app.metrics.Set("event_records_published", nil, float64(st.Published))
	app.metrics.Set("event_records_dropped", nil, float64(st.Dropped))
}

// applyConfig takes a changed config file. Only the inline role table is
// applied live; a policy file has its own watcher.
func (app *application) applyConfig(cfg *config.Config) {
	if cfg.Permissions.PolicyFile != "" || app.config.Permissions.PolicyFile != "" {
		app.logger.Info("config file changed; restart to apply changes outside the role table")
		return
	}
	if err := permission.ValidateRoles(cfg.Permissions.Roles); err != nil {
		app.logger.Error("role table change rejected", "error", err)
		return
	}
	app.gate.Reload(cfg.Permissions.Roles)
}

// cleanup stops components in reverse dependency order. Nil components are
// skipped so it can unwind a partially built application.
func (app *application) cleanup(ctx context.Context) {
	if app.stopMaint != nil {
		app.stopMaint()
		app.maintWG.Wait()
	}
	if app.scheduler != nil {
		if err := app.scheduler.Stop(ctx); err != nil {
			app.logger.Error("scheduler did not stop cleanly", "error", err)
		}
	}
	if app.providers != nil {
		app.providers.Stop()
	}
	if app.stream != nil {
		app.stream.Stop()
	}
	if app.policy != nil {
		if err := app.policy.Close(); err != nil {
			app.logger.Warn("error closing policy watcher", "error", err)
		}
	}
	if app.metrics != nil {
		if err := app.metrics.Shutdown(ctx); err != nil {
			app.logger.Warn("error stopping meter provider", "error", err)
		}
	}
	if app.stopTracing != nil {
		if err := app.stopTracing(ctx); err != nil {
			app.logger.Warn("error flushing traces", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
