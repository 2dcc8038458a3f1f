// Package server exposes the HTTP API: live sessions, the monitored channel set, directory
// lookups, health and metrics. It injects correlation IDs into request contexts for
// consistent logging and wraps every request in a tracing span.
package server

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/db"
	"github.com/onnwee/chatnotes/telemetry"
)

// NoteLister reads stored notes.
type NoteLister interface {
	ListNotes(ctx context.Context, channelID string, limit int) ([]db.Note, error)
}

// CursorLister reads poll cursors.
type CursorLister interface {
	ListCursors(ctx context.Context) ([]chat.PollCursor, error)
}

// Options wires the HTTP surface.
type Options struct {
	Orchestrator *chat.Orchestrator
	DB           *sql.DB      // optional; enables the database check
	Notes        NoteLister   // optional
	Cursors      CursorLister // optional
	Gatherer     prometheus.Gatherer

	Auth      AuthConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig

	SweepMaxAge       time.Duration // default for /admin/directory/sweep
	LiveStatusEvery   time.Duration // websocket status frames; 30s
	SessionOwnerLimit int           // max sessions per owner; 0 = unlimited
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter's cleanup goroutine.
func NewMux(ctx context.Context, opts Options) http.Handler {
	if opts.Auth.enabled() {
		slog.Info("admin authentication enabled")
	} else {
		slog.Warn("Admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production")
	}
	limiter := newIPRateLimiter(ctx, opts.RateLimit)
	h := NewHandlers(opts)

	mux := http.NewServeMux()

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Health checks
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /stats", h.HandleStats)

	// Sessions
	mux.HandleFunc("GET /sessions", h.HandleSessionsList)
	mux.HandleFunc("POST /sessions", h.HandleSessionOpen)
	mux.HandleFunc("POST /sessions/{id}/ping", h.HandleSessionPing)
	mux.HandleFunc("DELETE /sessions/{id}", h.HandleSessionClose)
	mux.HandleFunc("GET /live", h.HandleLive)

	// Monitored channels
	mux.HandleFunc("GET /channels", h.HandleChannelsList)
	mux.HandleFunc("POST /channels", h.HandleChannelAdd)
	mux.HandleFunc("POST /channels/{id}", h.HandleChannelAdd)
	mux.HandleFunc("DELETE /channels/{id}", h.HandleChannelRemove)
	mux.HandleFunc("GET /notes", h.HandleNotesList)

	// Directory
	mux.HandleFunc("GET /directory/servers/{id}", h.HandleDirectoryServer)
	mux.HandleFunc("GET /directory/servers/{id}/channels", h.HandleDirectoryServerChannels)
	mux.HandleFunc("GET /directory/channels/{id}", h.HandleDirectoryChannel)

	// Admin
	mux.HandleFunc("POST /admin/directory/sweep", h.HandleAdminDirectorySweep)
	mux.HandleFunc("POST /admin/directory/refresh", h.HandleAdminDirectoryRefresh)
	mux.HandleFunc("POST /admin/pull", h.HandleAdminPull)
	mux.HandleFunc("GET /admin/cursors", h.HandleAdminCursors)

	// Admin endpoints get auth then rate limiting; session creation is rate limited only.
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/admin/"):
			adminAuth(rateLimitMiddleware(mux, limiter), opts.Auth).ServeHTTP(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/sessions",
			r.URL.Path == "/live":
			rateLimitMiddleware(mux, limiter).ServeHTTP(w, r)
		default:
			mux.ServeHTTP(w, r)
		}
	})

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
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selective.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
	return withCORSConfig(handler, opts.CORS)
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

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Service runs the HTTP server under a supervisor.
type Service struct {
	Addr    string
	Handler http.Handler
}

// Serve runs the HTTP server and shuts down gracefully on context cancellation.
func (s *Service) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", s.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return ctx.Err()
}

func (s *Service) String() string { return "http-server" }
