package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/failure"
	"github.com/shipth-is/shipgo/internal/repository"
	"github.com/shipth-is/shipgo/internal/service/launch"
	"github.com/shipth-is/shipgo/internal/telemetry"
)

const (
	healthCheckTimeout = 2 * time.Second
	defaultListLimit   = 20
	maxListLimit       = 200
)

// Launcher runs the launch pipeline.
type Launcher interface {
	Start(ctx context.Context, buildID string) (domain.LaunchState, error)
	StartDescriptor(ctx context.Context, build domain.GoBuild) (domain.LaunchState, error)
	State() domain.LaunchState
	Subscribe() (<-chan domain.LaunchState, func())
	Stop(ctx context.Context) error
}

// BuildCache lists and reads cached descriptors.
type BuildCache interface {
	Recent(ctx context.Context, limit int) ([]repository.CachedBuild, error)
	Cached(ctx context.Context, buildID string) (domain.GoBuild, error)
}

// Sessions exposes the signed-in identity.
type Sessions interface {
	Current() *domain.Session
}

// RelayStatus reports the realtime channel.
type RelayStatus interface {
	Status(ctx context.Context) (telemetry.Status, error)
}

// Deps are the collaborators of the router. History and Health are optional.
type Deps struct {
	Launcher Launcher
	Builds   BuildCache
	Sessions Sessions
	Relay    RelayStatus
	History  repository.LaunchRepository
	Health   func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	Registry prometheus.Registerer
}

// Router exposes the local agent API.
type Router struct {
	mux                *chi.Mux
	logger             *slog.Logger
	deps               Deps
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	launchRequests     *prometheus.CounterVec
}

// New creates and registers handlers.
func New(logger *slog.Logger, deps Deps) *Router {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.DefaultRegisterer
	}
	r := &Router{
		mux:    chi.NewRouter(),
		logger: logger.With("component", "http"),
		deps:   deps,
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.Use(middleware.RequestID)
	r.mux.Use(middleware.Recoverer)

	r.mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.deps.Gatherer, promhttp.HandlerOpts{}))
	r.mux.Get("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.Get("/session", r.instrument("/session", r.handleSession))
	r.mux.Get("/telemetry", r.instrument("/telemetry", r.handleTelemetry))

	r.mux.Route("/launch", func(sub chi.Router) {
		sub.Get("/", r.instrument("/launch", r.handleLaunchState))
		sub.Post("/", r.instrument("/launch", r.handleLaunch))
		sub.Delete("/", r.instrument("/launch", r.handleStop))
		sub.Get("/events", r.handleLaunchEvents)
	})
	r.mux.Get("/launches", r.instrument("/launches", r.handleHistory))
	r.mux.Get("/builds", r.instrument("/builds", r.handleBuilds))
	r.mux.Post("/builds/{buildID}/launch", r.instrument("/builds/{buildID}/launch", r.handleRelaunch))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if r.deps.Health != nil {
		if err := r.deps.Health(ctx); err != nil {
			status = "degraded"
			component = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		}
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"runtime_host": component,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	sess := r.deps.Sessions.Current()
	if sess == nil {
		r.writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	r.writeJSON(w, http.StatusOK, sess.Self)
}

func (r *Router) handleTelemetry(w http.ResponseWriter, req *http.Request) {
	st, err := r.deps.Relay.Status(req.Context())
	if err != nil {
		r.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	r.writeJSON(w, http.StatusOK, st)
}

type launchRequest struct {
	BuildID string `json:"build_id"`
}

func (r *Router) handleLaunch(w http.ResponseWriter, req *http.Request) {
	if r.deps.Sessions.Current() == nil {
		r.writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	var payload launchRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.BuildID == "" {
		r.writeError(w, http.StatusBadRequest, "build_id is required")
		return
	}
	state, err := r.deps.Launcher.Start(req.Context(), payload.BuildID)
	r.respondLaunch(w, state, err)
}

func (r *Router) handleRelaunch(w http.ResponseWriter, req *http.Request) {
	buildID := chi.URLParam(req, "buildID")
	build, err := r.deps.Builds.Cached(req.Context(), buildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.writeError(w, http.StatusNotFound, "build not cached")
			return
		}
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	state, err := r.deps.Launcher.StartDescriptor(req.Context(), build)
	r.respondLaunch(w, state, err)
}

func (r *Router) respondLaunch(w http.ResponseWriter, state domain.LaunchState, err error) {
	if err != nil {
		if errors.Is(err, launch.ErrLaunchInProgress) {
			r.recordLaunchRequest("conflict")
			r.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "state": state})
			return
		}
		r.recordLaunchRequest("failure")
		r.writeError(w, http.StatusBadRequest, failure.Message(err))
		return
	}
	r.recordLaunchRequest("accepted")
	r.writeJSON(w, http.StatusAccepted, state)
}

func (r *Router) handleLaunchState(w http.ResponseWriter, req *http.Request) {
	r.writeJSON(w, http.StatusOK, r.deps.Launcher.State())
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Launcher.Stop(req.Context()); err != nil {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (r *Router) handleBuilds(w http.ResponseWriter, req *http.Request) {
	limit, ok := r.parseLimit(w, req)
	if !ok {
		return
	}
	builds, err := r.deps.Builds.Recent(req.Context(), limit)
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type item struct {
		domain.GoBuild
		CachedAt time.Time `json:"cachedAt"`
	}
	out := make([]item, 0, len(builds))
	for _, b := range builds {
		out = append(out, item{GoBuild: b.Build, CachedAt: b.SavedAt})
	}
	r.writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if r.deps.History == nil {
		r.writeJSON(w, http.StatusOK, []repository.LaunchRecord{})
		return
	}
	limit, ok := r.parseLimit(w, req)
	if !ok {
		return
	}
	recs, err := r.deps.History.ListLaunches(req.Context(), limit)
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []repository.LaunchRecord{}
	}
	r.writeJSON(w, http.StatusOK, recs)
}

func (r *Router) parseLimit(w http.ResponseWriter, req *http.Request) (int, bool) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		r.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
