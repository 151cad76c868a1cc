// Package api serves the management surface: schedules, manual runs and run
// history over JSON/HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	pantryerrors "github.com/muaviaUsmani/pantry/internal/errors"
	"github.com/muaviaUsmani/pantry/internal/history"
	"github.com/muaviaUsmani/pantry/internal/logger"
	"github.com/muaviaUsmani/pantry/internal/metrics"
	"github.com/muaviaUsmani/pantry/internal/scheduler"
)

// manualBurst is how many manual triggers may arrive back to back
const manualBurst = 2

// Options configures a Server
type Options struct {
	// ManualTriggerRate is the number of manual runs accepted per minute.
	// Zero disables the limit.
	ManualTriggerRate int
	// Health is checked by /healthz; nil always reports ok
	Health func(ctx context.Context) error
	// Metrics is served on /metrics (default: metrics.Default())
	Metrics *metrics.Collector
}

// Server routes management requests to the scheduler and history services
type Server struct {
	manager  *scheduler.Manager
	registry *scheduler.Registry
	history  *history.Service
	metrics  *metrics.Collector
	limiter  *rate.Limiter
	health   func(ctx context.Context) error
	log      logger.Logger
	mux      *http.ServeMux
}

// New creates a server and registers its routes
func New(manager *scheduler.Manager, registry *scheduler.Registry, hist *history.Service, opts Options) *Server {
	s := &Server{
		manager:  manager,
		registry: registry,
		history:  hist,
		metrics:  opts.Metrics,
		health:   opts.Health,
		log:      logger.Default().WithComponent(logger.ComponentAPI),
		mux:      http.NewServeMux(),
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	if opts.ManualTriggerRate > 0 {
		every := time.Minute / time.Duration(opts.ManualTriggerRate)
		s.limiter = rate.NewLimiter(rate.Every(every), manualBurst)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)

	s.mux.HandleFunc("GET /schedules", s.handleListSchedules)
	s.mux.HandleFunc("POST /schedules", s.handleCreateSchedule)
	s.mux.HandleFunc("PUT /schedules", s.handleUpdateSchedule)
	s.mux.HandleFunc("DELETE /schedules", s.handleDeleteSchedule)

	s.mux.HandleFunc("POST /pipeline/run", s.handleRun)
	s.mux.HandleFunc("GET /pipeline/logs", s.handleListRuns)
	s.mux.HandleFunc("GET /pipeline/logs/{id}", s.handleGetRun)
	s.mux.HandleFunc("DELETE /pipeline/logs/delete", s.handleDeleteRuns)
	s.mux.HandleFunc("DELETE /pipeline/logs/{id}", s.handleDeleteRun)
}

// Handler returns the root handler with request logging and panic recovery
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if err := pantryerrors.FromRecovered(recover()); err != nil {
				var panicErr *pantryerrors.PanicError
				if errors.As(err, &panicErr) {
					s.log.Error("Handler panicked",
						"method", r.Method,
						"path", r.URL.Path,
						"panic_value", panicErr.Value,
						"stack_trace", panicErr.Stacktrace)
				}
				if !rec.wrote {
					writeError(rec, http.StatusInternalServerError, "internal server error")
				}
			}

			s.log.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start))
		}()

		s.mux.ServeHTTP(rec, r)
	})
}

// fail writes err with the status it maps to. Server errors are logged and
// their details are not sent to the caller.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}
