// Package ops exposes the operator HTTP surface of the maintenance worker:
// liveness and readiness probes plus authenticated manual job triggers. It is
// bound to an internal port and is never exposed publicly.
package ops

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kinecare/internal/scheduler"
	"kinecare/internal/types"
)

// readinessTimeout bounds the database ping in the readiness probe.
const readinessTimeout = 2 * time.Second

// JobRunner executes one maintenance task on demand.
type JobRunner interface {
	RunTask(ctx context.Context, task scheduler.TaskType, now time.Time, trigger string) (scheduler.JobResult, error)
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the ops HTTP server.
type Server struct {
	logger   *slog.Logger
	runner   JobRunner
	db       Pinger
	adminKey types.SecretString

	now func() time.Time
}

// NewServer creates a new ops Server.
func NewServer(runner JobRunner, db Pinger, adminKey types.SecretString, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger,
		runner:   runner,
		db:       db,
		adminKey: adminKey,
		now:      time.Now,
	}
}

// Router builds the chi router for the ops surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/ops", func(r chi.Router) {
		r.Use(s.requireAdminKey)
		r.Post("/jobs/{task}", s.handleTriggerJob)
	})

	return r
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"status": "ok"}})
}

// handleReadyz reports readiness by pinging the database.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.logger.WarnContext(r.Context(), "readiness probe failed",
			"error", err,
		)
		JSON(w, r, http.StatusServiceUnavailable, APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalDB),
				Message:   "database unreachable",
				RequestID: middleware.GetReqID(r.Context()),
			},
		})
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"status": "ready"}})
}

// triggerJobRequest is the optional payload of a manual trigger. When
// reference_time is omitted the job runs against the current time.
type triggerJobRequest struct {
	ReferenceTime *string `json:"reference_time"`
}

// handleTriggerJob runs one maintenance task immediately and returns its
// result. The task goes through the same executor, timeout, and history
// recording as a scheduled run; a failed manual run is never requeued.
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	task, err := scheduler.ParseTask(chi.URLParam(r, "task"))
	if err != nil {
		Error(w, r, err)
		return
	}

	var req triggerJobRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}

	now := s.now()
	if req.ReferenceTime != nil {
		parsed, err := time.Parse(time.RFC3339, *req.ReferenceTime)
		if err != nil {
			Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidTime,
				"reference_time must be an RFC 3339 timestamp",
				err,
			))
			return
		}
		now = parsed
	}

	result, err := s.runner.RunTask(r.Context(), task, now, scheduler.TriggerManual)
	if err != nil {
		Error(w, r, wrapJobError(err))
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: result})
}

// wrapJobError maps a job execution failure onto the ops error codes. A
// deadline expiry becomes job_timeout (504); an AppError passes through; any
// other failure becomes job_failed.
func wrapJobError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeJobTimeout, "job timed out", err)
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeJobFailed, "job failed", err)
}

// requireAdminKey guards the trigger endpoints with the admin API key carried
// in the X-Admin-Key header. Comparison is constant time.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthAdminKeyMissing,
				"X-Admin-Key header is required",
				nil,
			))
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.adminKey.Unmask())) != 1 {
			s.logger.WarnContext(r.Context(), "rejected request with invalid admin key",
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
			)
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthAdminKeyInvalid,
				"invalid admin key",
				nil,
			))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests logs one line per request with status and duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
