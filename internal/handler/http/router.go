package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/utafrali/saga-orchestrator/internal/metrics"
	"github.com/utafrali/saga-orchestrator/pkg/health"
	"github.com/utafrali/saga-orchestrator/pkg/middleware"
)

// ServiceName labels HTTP metrics and server spans.
const ServiceName = "saga-orchestrator"

// RouterDeps holds everything the control API routes need.
type RouterDeps struct {
	Sagas     SagaService
	Events    EventService
	Templates TemplateLister
	Collector *metrics.Collector
	Health    *health.Handler
	CORS      middleware.CORSConfig
	// PprofCIDRs enables /debug/pprof for these client networks.
	PprofCIDRs []string
	Logger     *slog.Logger
}

// NewRouter creates a chi router with all orchestrator routes registered.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS(deps.CORS))
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.NewHTTPMetrics(deps.Collector.Registry()).Handler(ServiceName))
	r.Use(middleware.Tracing(ServiceName))
	r.Use(middleware.RequestLogger(logger))

	ops := NewOpsHandler(deps.Collector, deps.Templates, deps.Health)

	// Health check endpoints
	r.Get("/health", ops.Health)
	r.Get("/health/live", deps.Health.LivenessHandler())
	r.Get("/health/ready", deps.Health.ReadinessHandler())

	r.Get("/metrics", ops.Metrics)
	r.Handle("/metrics/prometheus", deps.Collector.Handler())
	r.Get("/workflows/templates", ops.Templates)
	middleware.MountPprof(r, deps.PprofCIDRs, logger)

	sagaHandler := NewSagaHandler(deps.Sagas, logger)
	eventHandler := NewEventHandler(deps.Events, logger)

	r.Route("/saga", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/start", sagaHandler.StartSaga)
		r.Get("/", sagaHandler.ListSagas)
		r.Get("/{id}/status", sagaHandler.GetStatus)
		r.Get("/{id}/steps", sagaHandler.GetSteps)
		r.Post("/{id}/execute", sagaHandler.ExecuteStep)
		r.Post("/{id}/compensate", sagaHandler.Compensate)
		r.Delete("/{id}", sagaHandler.DeleteSaga)
	})

	r.With(ContentTypeJSON).Post("/events/{event_type}", eventHandler.PostEvent)

	return r
}
