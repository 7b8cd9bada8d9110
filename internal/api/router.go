// Package api exposes the coordination service over HTTP: agent intake
// routes, risk evaluation, response control and operator dashboards.
package api

import (
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vigil-sec/vigil/internal/api/handlers"
	"github.com/vigil-sec/vigil/internal/api/utils"
	"github.com/vigil-sec/vigil/internal/auth"
	"github.com/vigil-sec/vigil/internal/config"
	"github.com/vigil-sec/vigil/internal/ingest"
	"github.com/vigil-sec/vigil/internal/response"
	"github.com/vigil-sec/vigil/internal/store"
)

// Deps carries everything the router wires together.
type Deps struct {
	Store        store.Store
	Ingest       *ingest.Service
	Orchestrator *response.Orchestrator
	Auth         *auth.Service
	Hub          *StreamHub
	Recommender  handlers.Recommender
	Log          *zap.Logger
}

// Router sets up the main API router with all routes
func Router(cfg config.ServerConfig, deps Deps) *mux.Router {
	router := mux.NewRouter()

	router.Use(utils.RequestLoggingMiddleware(deps.Log))
	router.Use(utils.InputValidationMiddleware(cfg.MaxBodyBytes))
	router.Use(utils.RateLimitMiddleware(rate.Limit(cfg.RateLimit), cfg.RateBurst))

	rec := deps.Recommender
	if rec == nil {
		rec = handlers.StaticRecommender{}
	}

	// Public routes (no session token required)
	public := router.PathPrefix("/api").Subrouter()
	public.HandleFunc("/health", handlers.HealthHandler).Methods("GET")
	public.HandleFunc("/agent/register", handlers.RegisterAgentHandler(deps.Ingest)).Methods("POST")

	// Agent routes behind the session token issued at registration
	agentRoutes := router.PathPrefix("/api/agent").Subrouter()
	agentRoutes.Use(deps.Auth.Middleware)
	agentRoutes.HandleFunc("/heartbeat", handlers.HeartbeatHandler(deps.Ingest)).Methods("POST")
	agentRoutes.HandleFunc("/events", handlers.SubmitEventsHandler(deps.Ingest)).Methods("POST")

	// Operator routes. These carry no session token; they are rate limited
	// here and expected to sit behind the deployment's own access controls.
	ops := router.PathPrefix("/api").Subrouter()
	ops.HandleFunc("/risk/evaluate", handlers.EvaluateRiskHandler(rec)).Methods("POST")
	ops.HandleFunc("/response/execute", handlers.ExecuteActionHandler(deps.Orchestrator)).Methods("POST")
	ops.HandleFunc("/response/{id}", handlers.ActionStatusHandler(deps.Orchestrator)).Methods("GET")
	ops.HandleFunc("/alerts", handlers.ListAlertsHandler(deps.Store)).Methods("GET")
	ops.HandleFunc("/assets", handlers.ListAssetsHandler(deps.Store)).Methods("GET")
	ops.HandleFunc("/status", handlers.StatusHandler(deps.Store)).Methods("GET")
	ops.HandleFunc("/stream", deps.Hub.Handler()).Methods("GET")

	return router
}
