// Package server exposes the HTTP API: health and readiness probes,
// Prometheus metrics, snapshot and run status, analysis run history, and the
// latest community results. It includes permissive CORS for development and
// injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/viewer-atlas/config"
	"github.com/onnwee/viewer-atlas/pipeline"
	"github.com/onnwee/viewer-atlas/telemetry"
)

// TriggerFunc starts an analysis run and returns its result. The scheduler's
// singleflight-gated entrypoint satisfies this, so API triggers and cron
// ticks share one in-flight run.
type TriggerFunc func(context.Context) (pipeline.Result, error)

// NewMux returns the HTTP handler with all routes. The provided context
// bounds the rate limiter's cleanup goroutine.
func NewMux(ctx context.Context, db *sql.DB, cfg *config.Config, analyze TriggerFunc) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()
	limiter := newIPRateLimiter(ctx, rateLimiterCfg)

	handlers := NewHandlers(db, cfg, analyze)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/config", handlers.HandleConfig)
	mux.HandleFunc("/api/runs", handlers.HandleRunsList)
	mux.HandleFunc("/api/runs/", handlers.HandleRunsDispatcher)
	mux.HandleFunc("/api/communities", handlers.HandleCommunities)
	mux.HandleFunc("/api/analyze", handlers.HandleAnalyze)

	// Manual analysis triggers are authenticated and rate limited; the read
	// endpoints stay open.
	protected := adminAuth(rateLimitMiddleware(mux, limiter), authCfg)
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/analyze" {
			protected.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		// Capture status code via custom ResponseWriter
		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context
// cancellation. The write timeout covers a synchronous analysis trigger.
func Start(ctx context.Context, db *sql.DB, addr string, cfg *config.Config, analyze TriggerFunc) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, db, cfg, analyze),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
