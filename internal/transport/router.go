package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/internal/config"
	"github.com/pitabwire/wardflow/internal/template"
	"github.com/pitabwire/wardflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Directory    ActorResolver
	Engine       *workflow.Engine
	Registry     *template.Registry

	// OnTemplatesChanged is called with the registry size after a publish.
	OnTemplatesChanged func(int)

	HealthHandler  http.HandlerFunc
	ReadyHandler   http.HandlerFunc
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	health := deps.HealthHandler
	if health == nil {
		health = handleHealth
	}
	ready := deps.ReadyHandler
	if ready == nil {
		ready = handleHealth
	}
	r.Get("/health", health)
	r.Get("/ready", ready)
	if deps.MetricsHandler != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildActor(deps.Config.Identity.ClaimPaths, deps.Directory))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/v1", func(r chi.Router) {
			r.Route("/templates", func(r chi.Router) {
				r.Post("/", handleTemplatePublish(deps.Registry, logger, deps.OnTemplatesChanged))
				r.Get("/", handleTemplateList(deps.Registry))
				r.Get("/{templateID}", handleTemplateGet(deps.Registry))
				r.Post("/{templateID}/retire", handleTemplateRetire(deps.Registry, logger))
			})

			e := deps.Engine
			r.Route("/instances", func(r chi.Router) {
				r.Post("/", handleInstanceCreate(e, logger))
				r.Get("/", handleInstanceList(e, logger))
				r.Route("/{instanceID}", func(r chi.Router) {
					r.Get("/", handleInstanceGet(e, logger))
					r.Get("/stages", handleInstanceStages(e, logger))
					r.Get("/history", handleInstanceHistory(e, logger))
					r.Post("/start", handleInstanceStart(e, logger))
					r.Post("/data", handleInstanceData(e, logger))
					r.Post("/transitions", handleInstanceTransition(e, logger))
					r.Post("/cancel", handleInstanceLifecycle(e.Cancel, "", logger))
					r.Post("/hold", handleInstanceLifecycle(e.Hold, CapabilityAdminInstances, logger))
					r.Post("/fail", handleInstanceLifecycle(e.Fail, CapabilityAdminInstances, logger))
					r.Post("/resume", handleInstanceResume(e, logger))
				})
			})

			r.Post("/stage-instances/{stageInstanceID}/decisions", handleDecision(e, logger))
			r.Get("/stage-instances/{stageInstanceID}/approvals", handleStageApprovals(e, logger))
			r.Get("/approvals/pending", handlePendingApprovals(e, logger))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
