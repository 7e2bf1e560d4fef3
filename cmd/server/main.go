package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/programrules/effect"
	"github.com/liamcoop/programrules/internal/config"
	"github.com/liamcoop/programrules/internal/logger"
	"github.com/liamcoop/programrules/metadata"
	"github.com/liamcoop/programrules/pipeline"
)

// userHeader carries the UID of the user rules are evaluated on behalf of.
const userHeader = "X-User-Id"

type Server struct {
	service        *pipeline.Service
	templates      interface{ Invalidate() }
	checks         []healthCheck
	validate       *validator.Validate
	requestTimeout time.Duration
	router         *chi.Mux
}

func NewServer(a *app, requestTimeout time.Duration) *Server {
	s := &Server{
		service:        a.service,
		checks:         a.checks,
		validate:       validator.New(),
		requestTimeout: requestTimeout,
	}
	if a.templates != nil {
		s.templates = a.templates
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(withUser)

		r.Post("/enrollments/{enrollmentUid}/evaluate", s.handleEvaluateEnrollment)
		r.Post("/events/{eventUid}/evaluate", s.handleEvaluateEvent)
		r.Post("/describe", s.handleDescribe)
		r.Post("/rules/invalidate", s.handleInvalidate)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		status := ww.Status()
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}
		logger.Logger.Log(r.Context(), level, "HTTP request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if uid := r.Header.Get(userHeader); uid != "" {
			r = r.WithContext(metadata.WithUser(r.Context(), uid))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.checks {
		if err := check.ping(r.Context()); err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{
				"status":  "unhealthy",
				"backend": check.name,
				"error":   err.Error(),
			})
			return
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{
		"status":   "healthy",
		"errors":   logger.TotalErrors.Load(),
		"warnings": logger.TotalWarnings.Load(),
	})
}

func (s *Server) handleEvaluateEnrollment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result, err := s.service.EvaluateAndApply(r.Context(), chi.URLParam(r, "enrollmentUid"))
	s.respondEvaluation(w, r, result, err, start)
}

func (s *Server) handleEvaluateEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result, err := s.service.EvaluateEventAndApply(r.Context(), chi.URLParam(r, "eventUid"))
	s.respondEvaluation(w, r, result, err, start)
}

// respondEvaluation writes result. A result with an error means the
// evaluation ran but some effects failed to apply.
func (s *Server) respondEvaluation(w http.ResponseWriter, r *http.Request, result *pipeline.Result, err error, start time.Time) {
	if result == nil {
		if errors.Is(err, metadata.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "target not found", err)
			return
		}
		respondError(w, r, http.StatusInternalServerError, "evaluation failed", err)
		return
	}

	resp := EvaluateResponse{
		Effects:         toEffectResponses(result.Effects),
		Annotations:     result.Annotations,
		MandatoryFields: result.MandatoryFields,
		HiddenFields:    result.HiddenFields,
		EvaluationTime:  time.Since(start).String(),
	}
	if resp.Annotations == nil {
		resp.Annotations = []effect.Annotation{}
	}
	if err != nil {
		resp.Errors = splitErrors(err)
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	var req DescribeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, r, http.StatusBadRequest, "condition and programUid are required", err)
		return
	}

	result, err := s.service.Describe(r.Context(), req.Condition, req.ProgramUID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "describe failed", err)
		return
	}

	resp := DescribeResponse{Description: result.Description, Valid: result.Valid}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	s.service.Invalidate()
	if s.templates != nil {
		s.templates.Invalidate()
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}

	logger.CountResponse(status)
	if status >= 500 {
		logger.Error(message, "path", r.URL.Path, "error", err)
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

// splitErrors unwraps an errors.Join result into its messages.
func splitErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	ctx := context.Background()
	log := logger.Setup(ctx, logger.Options{
		Level:       cfg.App.LogLevel,
		Format:      cfg.App.LogFormat,
		SampleRate:  cfg.App.ErrorSampleRate,
		OtelEnabled: cfg.App.OtelEnabled,
		ServiceName: cfg.App.Name,
	})
	cfg.LogConfig(log)

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		logger.Fatal("failed to start pipeline", "error", err)
	}
	defer a.Close()

	if _, err := a.service.Snapshot(ctx); err != nil {
		log.Warn("initial rule snapshot failed", "error", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      NewServer(a, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("server starting", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		log.Error("logger shutdown error", "error", err)
	}
	log.Info("server stopped")
}
