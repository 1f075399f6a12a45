package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/pulse/internal/config"
	"github.com/pitabwire/pulse/internal/coordinator"
	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/model"
)

var errShuttingDown = model.NewDeliveryFailureError("server is shutting down")

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Service      *coordinator.Service
	Authenticate func(http.Handler) http.Handler
	Logger       *zap.Logger
	Metrics      *observability.Metrics

	// Accepting reports whether new connections are admitted. Nil means
	// always.
	Accepting func() bool

	// DurableStore is probed by the readiness endpoint when set.
	DurableStore observability.HealthChecker
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the websocket endpoint
// bypass the authentication middleware; observers authenticate in-band.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	accepting := deps.Accepting
	if accepting == nil {
		accepting = func() bool { return true }
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		WriteError(w, model.NewNotFoundError("no route for "+req.Method+" "+req.URL.Path))
	})

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(observability.ReadinessChecks{
		Accepting:    accepting,
		DurableStore: deps.DurableStore,
	}))
	if cfg.Observability.Metrics.Enabled {
		r.Handle(cfg.Observability.Metrics.Path, observability.Handler())
	}
	r.Get(cfg.WebSocket.Path, func(w http.ResponseWriter, req *http.Request) {
		if !accepting() {
			WriteError(w, errShuttingDown)
			return
		}
		handleWebSocket(deps.Service, cfg.WebSocket, logger.Named("websocket"), deps.Metrics)(w, req)
	})

	// Authenticated routes.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.TenantClaim))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/tenants/{tenantId}/campaigns/{campaignId}", func(r chi.Router) {
			r.Post("/stages/{stageId}/start", handleStageStart(deps.Service))
			r.Post("/stages/{stageId}/progress", handleStageProgress(deps.Service))
			r.Post("/stages/{stageId}/complete", handleStageComplete(deps.Service))
			r.Post("/stages/{stageId}/error", handleStageError(deps.Service))
			r.Post("/stages/{stageId}/data", handleStageData(deps.Service))
			r.Post("/stages/{stageId}/log", handleStageLog(deps.Service))
			r.Post("/finish", handleFinish(deps.Service))
			r.Get("/snapshot", handleSnapshot(deps.Service))
		})

		r.Get("/stats", handleStats(deps.Service))

		operatorRole := ""
		if cfg.Identity.Enabled() {
			operatorRole = cfg.Identity.OperatorRole
		}
		r.With(RequireRole(operatorRole)).Post("/operator/notices", handleNotice(deps.Service))
	})

	return r
}
