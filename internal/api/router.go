package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	apimw "github.com/phrazzld/casework/internal/api/middleware"
	"github.com/phrazzld/casework/internal/permission"
	"github.com/phrazzld/casework/internal/platform/metrics"
)

// RouterDeps are the components served over HTTP.
type RouterDeps struct {
	Tasks     TaskService
	Processes ProcessQuerier
	Stream    Subscriber
	Providers ProviderService
	Gate      apimw.Authorizer
	Auth      *apimw.AuthMiddleware
	Store     Pinger
	Metrics   *metrics.Registry
	Logger    *slog.Logger

	// AllowedOrigins are extra WebSocket origin patterns.
	AllowedOrigins []string
}

// NewRouter builds the HTTP handler. Task routes are authorized by the
// scheduler; every other authenticated route checks its capability here.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(apimw.NewTraceMiddleware(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(apimw.NewMetricsMiddleware(d.Metrics))

	tasks := NewTaskHandler(d.Tasks)
	procs := NewProcessHandler(d.Processes)
	stream := NewStreamHandler(d.Stream, d.AllowedOrigins)
	providers := NewProviderHandler(d.Providers)
	ops := NewOpsHandler(d.Store, d.Metrics)

	require := func(c permission.Capability) func(http.Handler) http.Handler {
		return apimw.RequireCapability(d.Gate, c)
	}

	r.Get("/health", ops.Health)

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Authenticate)

		r.With(require(permission.MetricsRead)).Get("/metrics", ops.Metrics)

		r.Route("/api", func(r chi.Router) {
			r.Route("/cases/{caseID}", func(r chi.Router) {
				r.Post("/tasks", tasks.Submit)
				r.Get("/tasks", tasks.List)
				r.With(require(permission.ProcessRead)).Get("/processes", procs.List)
			})

			r.Route("/tasks/{id}", func(r chi.Router) {
				r.Get("/", tasks.Status)
				r.Delete("/", tasks.Cancel)
				r.With(require(permission.StreamSubscribe)).Get("/events", stream.Events)
			})

			r.With(require(permission.ProviderGenerate)).Post("/analysis/generate", providers.Generate)

			r.Route("/providers", func(r chi.Router) {
				r.Use(require(permission.ProviderAdmin))
				r.Get("/", providers.List)
				r.Post("/{id}/activate", providers.Activate)
				r.Post("/healthcheck", providers.HealthCheck)
				r.Post("/statistics/reset", providers.ResetStatistics)
			})
		})
	})

	return r
}
