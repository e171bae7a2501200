// Package server assembles the chi router for the management API.
package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/freqops/freqops/internal/errors"
	"github.com/freqops/freqops/internal/server/handlers"
	"github.com/freqops/freqops/internal/server/middleware"
)

// Deps are the handler dependencies. Nil entries leave their routes
// unregistered, which keeps partial wiring (tests, worker process)
// possible.
type Deps struct {
	Tasks     *handlers.TaskHandler
	Emergency *handlers.EmergencyHandler
	Bots      *handlers.BotsHandler
	Health    *handlers.HealthManager
	Logger    *zap.Logger
}

// Server holds the bind address and the assembled router.
type Server struct {
	host   string
	port   int
	router chi.Router
}

// New assembles the router with the standard middleware chain.
func New(host string, port int, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestLogger(log))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteEnvelope(w, req, http.StatusNotFound,
			apperrors.NewErrorEnvelope(apperrors.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteEnvelope(w, req, http.StatusMethodNotAllowed,
			apperrors.NewErrorEnvelope(apperrors.CodeMethodNotAllowed, "method not allowed"))
	})

	r.Get("/version", handlers.VersionHandler)

	if deps.Health != nil {
		r.Get("/health", deps.Health.HealthHandler)
		r.Get("/health/live", deps.Health.LivenessHandler)
		r.Get("/health/ready", deps.Health.ReadinessHandler)
	}
	if deps.Tasks != nil {
		r.Post("/backtest", deps.Tasks.SubmitBacktest)
		r.Post("/tasks", deps.Tasks.SubmitTask)
		r.Get("/tasks", deps.Tasks.ListTasks)
		r.Get("/task/{id}", deps.Tasks.GetTask)
		r.Post("/task/{id}/stop", deps.Tasks.StopTask)
	}
	if deps.Emergency != nil {
		r.Post("/emergency/stop-all", deps.Emergency.StopAll)
	}
	if deps.Bots != nil {
		r.Get("/bots", deps.Bots.List)
	}

	return &Server{host: host, port: port, router: r}
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Addr returns the bind address.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }
