package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/observability"
	"github.com/tomyedwab/sqlworker/worker"
)

const (
	defaultMaxBodyBytes    = 64 << 20
	defaultShutdownTimeout = 10 * time.Second
)

// HTTPConfig holds configuration options for the HTTP transport.
type HTTPConfig struct {
	Addr           string
	JWTSecret      []byte                 // Optional, empty disables authentication
	RateLimit      float64                // Optional, requests per second; 0 disables limiting
	RateBurst      int                    // Optional, defaults to 1 when RateLimit is set
	MaxBodyBytes   int64                  // Optional, defaults to 64MiB
	Metrics        *observability.Metrics // Optional
	MetricsHandler http.Handler           // Optional, mounted at /metrics
	Logger         *slog.Logger           // Optional, defaults to slog.Default()
}

// HTTPServer accepts one request per POST and streams its responses back as
// newline-delimited JSON.
type HTTPServer struct {
	worker *worker.Worker
	cfg    HTTPConfig
	logger *slog.Logger
}

// NewHTTPServer creates an HTTP transport for w.
func NewHTTPServer(w *worker.Worker, cfg HTTPConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &HTTPServer{
		worker: w,
		cfg:    cfg,
		logger: logger.With("component", "http"),
	}
}

// Handler returns the routes of the transport.
func (s *HTTPServer) Handler() http.Handler {
	middleware := []func(http.HandlerFunc) http.HandlerFunc{}
	if len(s.cfg.JWTSecret) > 0 {
		middleware = append(middleware, LoginRequired(s.cfg.JWTSecret))
	}
	if s.cfg.RateLimit > 0 {
		limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
		middleware = append(middleware, RateLimited(limiter))
	}
	middleware = append(middleware, LogRequests(s.logger))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", Chain(s.handleMessage, middleware...))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}
	return observability.HTTPMetrics(s.cfg.Metrics)(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP transport listening", "addr", s.cfg.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http: shutdown: %w", err)
	}
	s.logger.Info("HTTP transport stopped.")
	return nil
}

func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "Request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	stream := newLineWriter(w)
	defer stream.close()

	if err := s.worker.HandlePayload(r.Context(), body, stream); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("Request not completed", "error", err)
		}
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Engine   string `json:"engine"`
	Database string `json:"database"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	loadState := s.worker.LoadState()
	resp := healthResponse{
		Status:   "ok",
		Engine:   loadState.String(),
		Database: s.worker.State().String(),
	}
	status := http.StatusOK
	if loadState == engine.LoadFailed {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}
