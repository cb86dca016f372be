// Package api is the operator HTTP interface: manual sweeps, rule and job
// management, execution history and monitoring.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/muaviaUsmani/sellerpilot/internal/audit"
	"github.com/muaviaUsmani/sellerpilot/internal/engine"
	"github.com/muaviaUsmani/sellerpilot/internal/job"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/metrics"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
	"github.com/muaviaUsmani/sellerpilot/internal/scheduler"
)

// Engine is what the API drives
type Engine interface {
	RunRule(ctx context.Context, accountID int64, ruleID string) (engine.Result, error)
	CreateOrUpdateRule(ctx context.Context, accountID int64, req engine.RuleRequest) (*rule.Rule, error)
	DeleteRule(ctx context.Context, accountID int64, ruleID string) error
	SetRuleActive(ctx context.Context, accountID int64, ruleID string, active bool) error
	ListRules(ctx context.Context, accountID int64, entityID string) ([]*rule.Rule, error)
	History(ctx context.Context, accountID int64, entityID string, limit int) ([]*audit.Record, error)
	SubmitJob(ctx context.Context, req engine.JobRequest) (*job.Job, error)
	ListJobs(ctx context.Context, accountID int64) ([]job.View, error)
	DeleteJob(ctx context.Context, accountID int64, id string) error
}

// Trigger runs and reports sweeps
type Trigger interface {
	RunNow(ctx context.Context) (engine.Summary, error)
	GetState(ctx context.Context) (*scheduler.TriggerState, error)
}

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// Deps are the server's collaborators
type Deps struct {
	Engine  Engine
	Trigger Trigger
	Metrics *metrics.Collector
	// Checks are run by /health, keyed by dependency name
	Checks map[string]HealthCheck
	Log    logger.Logger
}

// Server routes /api/v1
type Server struct {
	engine  Engine
	trigger Trigger
	metrics *metrics.Collector
	checks  map[string]HealthCheck
	log     logger.Logger
	router  *chi.Mux
}

// NewServer creates the server and its routes
func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = logger.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Default()
	}
	s := &Server{
		engine:  d.Engine,
		trigger: d.Trigger,
		metrics: d.Metrics,
		checks:  d.Checks,
		log:     d.Log.WithComponent(logger.ComponentAPI).WithSource(logger.LogSourceInternal),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	// a manual sweep can run up to the tick deadline
	r.Use(middleware.Timeout(15 * time.Minute))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/ticks", s.handleRunTick)
		r.Get("/trigger", s.handleTriggerState)

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Post("/rules", s.handleUpsertRule)
			r.Get("/rules", s.handleListRules)
			r.Patch("/rules/{ruleID}", s.handleSetRuleActive)
			r.Delete("/rules/{ruleID}", s.handleDeleteRule)
			r.Post("/rules/{ruleID}/run", s.handleRunRule)

			r.Get("/executions", s.handleListExecutions)

			r.Post("/jobs", s.handleSubmitJob)
			r.Get("/jobs", s.handleListJobs)
			r.Delete("/jobs/{jobID}", s.handleDeleteJob)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request through the process logger
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		args := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.log.ErrorContext(r.Context(), "Request failed", args...)
			return
		}
		s.log.DebugContext(r.Context(), "Request served", args...)
	})
}
