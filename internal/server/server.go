package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dante-gpu/asset-worker/internal/gpu"
	"github.com/dante-gpu/asset-worker/internal/status"
	"github.com/dante-gpu/asset-worker/internal/sysinfo"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// GPUScorer reports the allocator's current view of the devices.
type GPUScorer interface {
	Scores(ctx context.Context) ([]gpu.Score, error)
}

// Handlers serves the worker's read-only status endpoints.
type Handlers struct {
	tracker      *status.Tracker
	gpus         GPUScorer
	workspaceDir string
	instanceID   string
	logger       *zap.Logger
}

// NewHandlers creates Handlers. gpus may be nil on hosts without telemetry.
func NewHandlers(instanceID string, tracker *status.Tracker, gpus GPUScorer, workspaceDir string, logger *zap.Logger) *Handlers {
	return &Handlers{
		tracker:      tracker,
		gpus:         gpus,
		workspaceDir: workspaceDir,
		instanceID:   instanceID,
		logger:       logger.Named("status_server"),
	}
}

// Routes builds the router.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Get("/gpus", h.listGPUs)
	r.Get("/system", h.system)
	return r
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		InstanceID string `json:"instance_id"`
		status.Snapshot
	}{InstanceID: h.instanceID, Snapshot: h.tracker.Snapshot()}, h.logger)
}

func (h *Handlers) listGPUs(w http.ResponseWriter, r *http.Request) {
	if h.gpus == nil {
		writeError(w, http.StatusServiceUnavailable, "GPU telemetry is not configured", h.logger)
		return
	}
	scores, err := h.gpus.Scores(r.Context())
	if err != nil {
		h.logger.Warn("GPU telemetry unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error(), h.logger)
		return
	}
	writeJSON(w, http.StatusOK, scores, h.logger)
}

func (h *Handlers) system(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sysinfo.Collect(r.Context(), h.workspaceDir, h.logger), h.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, message string, logger *zap.Logger) {
	writeJSON(w, code, map[string]string{"error": message}, logger)
}

// NewServer creates and configures an http.Server.
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	logger.Info("HTTP server configured", zap.String("address", addr))
	return srv
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting status server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Status server forced to shutdown uncleanly", zap.Error(err))
		return err
	}
	logger.Info("Status server stopped")
	return nil
}

// NewStructuredLogger returns a middleware that logs request details using Zap.
func NewStructuredLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug("Request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
