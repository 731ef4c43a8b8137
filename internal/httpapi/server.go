package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetops/control-plane/internal/alert"
	"github.com/fleetops/control-plane/internal/compose"
	"github.com/fleetops/control-plane/internal/container"
	"github.com/fleetops/control-plane/internal/executor"
	"github.com/fleetops/control-plane/internal/fleet"
	"github.com/fleetops/control-plane/internal/monitor"
	"github.com/fleetops/control-plane/internal/notify"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"
)

// Server exposes the /api/v1 HTTP surface over the three cores.
type Server struct {
	registry  *fleet.Registry
	loop      *monitor.Loop
	exec      *executor.Executor
	engine    *container.Engine
	tasks     *container.StatsTasks
	orch      *compose.Orchestrator
	evaluator *alert.Evaluator
	notifier  *notify.Notifier

	log *logging.Logger
	m   *metrics.Metrics

	router *mux.Router
}

// Deps collects every capability the HTTP surface calls into.
type Deps struct {
	Registry  *fleet.Registry
	Loop      *monitor.Loop
	Exec      *executor.Executor
	Engine    *container.Engine
	Tasks     *container.StatsTasks
	Orch      *compose.Orchestrator
	Evaluator *alert.Evaluator
	Notifier  *notify.Notifier
	Log       *logging.Logger
	Metrics   *metrics.Metrics
}

// New builds the HTTP surface, wiring middleware in the order spec.md §6
// implies: recovery first (catches panics from everything downstream),
// then logging, then rate limiting, then auth, then routes.
func New(deps Deps, bearerToken string, rateLimitPerMinute int) *Server {
	s := &Server{
		registry: deps.Registry, loop: deps.Loop, exec: deps.Exec, engine: deps.Engine, tasks: deps.Tasks,
		orch: deps.Orch, evaluator: deps.Evaluator, notifier: deps.Notifier,
		log: deps.Log, m: deps.Metrics,
	}

	r := mux.NewRouter()
	r.Use(Recovery(s.log))
	r.Use(RequestLogging(s.log, s.m))
	r.Use(NewRateLimiter(rateLimitPerMinute, time.Minute, s.log).Handler)
	r.Use(BearerAuth(bearerToken, map[string]bool{"/health": true, "/metrics": true}))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/machines", s.createMachine).Methods(http.MethodPost)
	api.HandleFunc("/machines", s.listMachines).Methods(http.MethodGet)
	api.HandleFunc("/machines/{id}", s.getMachine).Methods(http.MethodGet)
	api.HandleFunc("/machines/{id}", s.updateMachine).Methods(http.MethodPut)
	api.HandleFunc("/machines/{id}", s.deleteMachine).Methods(http.MethodDelete)
	api.HandleFunc("/machines/command", s.runCommand).Methods(http.MethodPost)
	api.HandleFunc("/machines/{id}/setup", s.setupMachine).Methods(http.MethodPost)
	api.HandleFunc("/machines/{id}/monitoring", s.updateMonitoring).Methods(http.MethodPut)

	api.HandleFunc("/docker/containers", s.createContainer).Methods(http.MethodPost)
	api.HandleFunc("/docker/containers", s.listContainers).Methods(http.MethodGet)
	api.HandleFunc("/docker/containers/{id}/start", s.startContainer).Methods(http.MethodPost)
	api.HandleFunc("/docker/containers/{id}/stop", s.stopContainer).Methods(http.MethodPost)
	api.HandleFunc("/docker/containers/{id}/exec", s.execContainer).Methods(http.MethodPost)
	api.HandleFunc("/docker/containers/{id}", s.removeContainer).Methods(http.MethodDelete)
	api.HandleFunc("/docker/containers/{id}/logs", s.containerLogs).Methods(http.MethodGet)

	api.HandleFunc("/compose/deployments", s.deployCompose).Methods(http.MethodPost)
	api.HandleFunc("/compose/deployments/{id}", s.removeCompose).Methods(http.MethodDelete)

	api.HandleFunc("/monitoring/alerts/rules", s.createAlertRule).Methods(http.MethodPost)
	api.HandleFunc("/monitoring/alerts", s.listAlerts).Methods(http.MethodGet)
	api.HandleFunc("/monitoring/alerts/{id}/acknowledge", s.acknowledgeAlert).Methods(http.MethodPost)
	api.HandleFunc("/monitoring/alerts/{id}/resolve", s.resolveAlert).Methods(http.MethodPost)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}
