package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nimburion/schedlock/pkg/config"
	"github.com/nimburion/schedlock/pkg/health"
	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
	"github.com/nimburion/schedlock/pkg/observability/metrics"
	"github.com/nimburion/schedlock/pkg/scheduler"
	"github.com/nimburion/schedlock/pkg/version"
)

// LockInspector reads the current record of a named lock.
type LockInspector interface {
	Inspect(ctx context.Context, name string) (*lock.Record, error)
}

// TaskRunner lists and triggers scheduled tasks.
type TaskRunner interface {
	Tasks() []scheduler.TaskInfo
	Trigger(ctx context.Context, name string) (lock.Result, error)
}

// ManagementDeps are the components the management endpoints read from. Locks and Tasks
// are optional; their routes answer 404 when unset.
type ManagementDeps struct {
	Health  *health.Registry
	Metrics *metrics.Registry
	Locks   LockInspector
	Tasks   TaskRunner
	Version version.Info
	Clock   func() time.Time
}

// ManagementServer serves health, metrics, lock and task endpoints on the management port.
type ManagementServer struct {
	*Server
	router *mux.Router
	deps   ManagementDeps
	log    logger.Logger
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type lockResponse struct {
	lock.Record
	Held bool `json:"held"`
}

type triggerResponse struct {
	Task        string    `json:"task"`
	State       string    `json:"state"`
	Acquired    bool      `json:"acquired"`
	Executed    bool      `json:"executed"`
	LockedAt    time.Time `json:"locked_at,omitempty"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// NewManagementServer builds the management router:
//   - GET /health: liveness, always 200
//   - GET /ready: 200 when every health check is healthy, 503 otherwise
//   - GET /metrics: Prometheus exposition
//   - GET /version: build metadata
//   - GET /locks/{name}: current lock record
//   - GET /tasks: registered tasks with their next firing
//   - POST /tasks/{name}/trigger: run one firing now
func NewManagementServer(cfg config.ManagementConfig, log logger.Logger, deps ManagementDeps) (*ManagementServer, error) {
	if log == nil {
		return nil, errors.New("management server requires a logger")
	}
	if deps.Health == nil {
		deps.Health = health.NewRegistry()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	log = log.With("component", "management")

	r := mux.NewRouter()
	r.Use(requestID(), tracing("schedlock-management"), accessLog(log), recovery(log))

	s := &ManagementServer{
		Server: NewServer(Config{
			Port:            cfg.Port,
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, r, log),
		router: r,
		deps:   deps,
		log:    log,
	}
	s.registerEndpoints()
	return s, nil
}

func (s *ManagementServer) registerEndpoints() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	s.router.HandleFunc("/locks/{name}", s.handleLock).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks/{name}/trigger", s.handleTrigger).Methods(http.MethodPost)
}

// Handler returns the management router.
func (s *ManagementServer) Handler() http.Handler {
	return s.router
}

func (s *ManagementServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *ManagementServer) handleReady(w http.ResponseWriter, r *http.Request) {
	result := s.deps.Health.Check(r.Context())
	if !result.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *ManagementServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Version)
}

func (s *ManagementServer) handleLock(w http.ResponseWriter, r *http.Request) {
	if s.deps.Locks == nil {
		s.writeError(w, r, http.StatusNotFound, "not_found", "lock inspection is not enabled")
		return
	}
	name := mux.Vars(r)["name"]
	rec, err := s.deps.Locks.Inspect(r.Context(), name)
	switch {
	case errors.Is(err, lock.ErrInvalidArgument):
		s.writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	case err != nil:
		s.log.Warn("lock inspection failed", "lock", name, "error", err)
		s.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "lock store is unavailable")
		return
	case rec == nil:
		s.writeError(w, r, http.StatusNotFound, "not_found", "no record for lock "+name)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse{Record: *rec, Held: rec.HeldAt(s.deps.Clock())})
}

func (s *ManagementServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, http.StatusNotFound, "not_found", "scheduler is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Tasks.Tasks()})
}

func (s *ManagementServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, http.StatusNotFound, "not_found", "scheduler is not enabled")
		return
	}
	name := mux.Vars(r)["name"]
	result, err := s.deps.Tasks.Trigger(r.Context(), name)
	if errors.Is(err, scheduler.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "not_found", err.Error())
		return
	}

	resp := triggerResponse{
		Task:        name,
		State:       result.State.String(),
		Acquired:    result.Acquired,
		Executed:    result.Executed,
		LockedAt:    result.LockedAt,
		LockedUntil: result.LockedUntil,
	}
	status := http.StatusOK
	switch {
	case !result.Executed && result.StoreErr != nil:
		resp.Error = result.StoreErr.Error()
		status = http.StatusServiceUnavailable
	case !result.Executed:
		status = http.StatusConflict
	}
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *ManagementServer) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error:     code,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
