package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlrecall/sqlrecall/internal/assist"
	"github.com/sqlrecall/sqlrecall/internal/config"
	"github.com/sqlrecall/sqlrecall/internal/feedback"
	"github.com/sqlrecall/sqlrecall/internal/maintenance"
	"github.com/sqlrecall/sqlrecall/internal/observability"
	"github.com/sqlrecall/sqlrecall/internal/patterns"
	"github.com/sqlrecall/sqlrecall/internal/retrieval"
	"github.com/sqlrecall/sqlrecall/internal/schema"
	"github.com/sqlrecall/sqlrecall/internal/sqlguard"
)

type ReadinessCheck func(ctx context.Context) error

type Assistant interface {
	Validate(sqlText string) sqlguard.Verdict
	Retrieve(ctx context.Context, question string, fp schema.Fingerprint, k int) []retrieval.Match
	Ask(ctx context.Context, req assist.AskRequest) (assist.AskResult, error)
	Feedback(ctx context.Context, req assist.FeedbackRequest) (feedback.Result, error)
}

type PatternLister interface {
	Candidates(ctx context.Context, fp schema.Fingerprint) ([]patterns.Pattern, error)
}

type MaintenanceRunner interface {
	RunPruneOnce(ctx context.Context, fp schema.Fingerprint) (maintenance.PruneSummary, error)
	RunExportOnce(ctx context.Context, fp schema.Fingerprint) (maintenance.ExportSummary, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Assistant         Assistant
	Patterns          PatternLister
	Maintenance       MaintenanceRunner
	// MaxBodyBytes caps request bodies. Zero uses 1 MiB.
	MaxBodyBytes int64
}

type route struct {
	pattern string
	handler func(Dependencies, http.ResponseWriter, *http.Request)
}

var protectedRoutes = []route{
	{"POST /v1/fingerprint", handleFingerprint},
	{"POST /v1/validate", handleValidate},
	{"POST /v1/patterns/search", handleSearchPatterns},
	{"GET /v1/patterns", handleListPatterns},
	{"POST /v1/feedback", handleFeedback},
	{"POST /v1/ask", handleAsk},
	{"POST /v1/patterns/prune", handlePruneRun},
	{"POST /v1/patterns/export", handleExportRun},
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	for _, rt := range protectedRoutes {
		handler := rt.handler
		protected.HandleFunc(rt.pattern, func(w http.ResponseWriter, r *http.Request) {
			handler(deps, w, r)
		})
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	protectedHandler = limitBody(protectedHandler, deps.MaxBodyBytes)
	for _, rt := range protectedRoutes {
		mux.Handle(rt.pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Driver != config.ObjectStoreDriverS3 {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func limitBody(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
