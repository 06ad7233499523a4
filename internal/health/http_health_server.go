package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labrecorder/capturesvc/internal/config"
	"github.com/labrecorder/capturesvc/internal/logging"
)

// HTTPHealthServer exposes the ambient liveness/readiness endpoints and
// the Prometheus /metrics surface. It delegates every health decision to
// a HealthAPI; no business logic lives in the handlers.
type HTTPHealthServer struct {
	config    *config.HTTPHealthConfig
	logger    *logging.Logger
	healthAPI HealthAPI
	server    *http.Server
}

// NewHTTPHealthServer builds the server from config; timeouts are
// validated eagerly so a bad duration string fails startup, not the
// first request.
func NewHTTPHealthServer(cfg *config.HTTPHealthConfig, healthAPI HealthAPI, logger *logging.Logger) (*HTTPHealthServer, error) {
	if cfg == nil || healthAPI == nil {
		return nil, fmt.Errorf("health: config and health API are required")
	}
	if logger == nil {
		logger = logging.GetLogger("health")
	}

	hs := &HTTPHealthServer{config: cfg, logger: logger, healthAPI: healthAPI}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.BasicEndpoint, hs.handleBasic)
	mux.HandleFunc(cfg.DetailedEndpoint, hs.handleDetailed)
	mux.HandleFunc(cfg.ReadyEndpoint, hs.handleReadiness)
	mux.HandleFunc(cfg.LiveEndpoint, hs.handleLiveness)
	if cfg.EnableMetrics {
		mux.Handle(cfg.MetricsEndpoint, promhttp.Handler())
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("health: read timeout: %w", err)
	}
	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("health: write timeout: %w", err)
	}
	idleTimeout, err := time.ParseDuration(cfg.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("health: idle timeout: %w", err)
	}

	hs.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return hs, nil
}

// Serve listens until Stop is called. Run in a goroutine.
func (hs *HTTPHealthServer) Serve() {
	if !hs.config.Enabled {
		return
	}
	hs.logger.WithFields(logging.Fields{"address": hs.server.Addr}).Info("health server listening")
	if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		hs.logger.WithError(err).Error("health server failed")
	}
}

// Stop shuts the listener down, draining in-flight requests briefly.
func (hs *HTTPHealthServer) Stop() error {
	if hs.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.server.Shutdown(ctx)
}

func (hs *HTTPHealthServer) handleBasic(w http.ResponseWriter, r *http.Request) {
	resp, err := hs.healthAPI.GetHealth(r.Context())
	if err != nil {
		hs.writeError(w, err)
		return
	}
	hs.writeJSON(w, http.StatusOK, resp)
}

func (hs *HTTPHealthServer) handleDetailed(w http.ResponseWriter, r *http.Request) {
	resp, err := hs.healthAPI.GetDetailedHealth(r.Context())
	if err != nil {
		hs.writeError(w, err)
		return
	}
	hs.writeJSON(w, http.StatusOK, resp)
}

func (hs *HTTPHealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	resp, err := hs.healthAPI.IsReady(r.Context())
	if err != nil {
		hs.writeError(w, err)
		return
	}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	hs.writeJSON(w, code, resp)
}

func (hs *HTTPHealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	resp, err := hs.healthAPI.IsAlive(r.Context())
	if err != nil {
		hs.writeError(w, err)
		return
	}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	hs.writeJSON(w, code, resp)
}

func (hs *HTTPHealthServer) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		hs.logger.WithError(err).Warn("health server: response encode failed")
	}
}

func (hs *HTTPHealthServer) writeError(w http.ResponseWriter, err error) {
	hs.logger.WithError(err).Error("health server: handler failed")
	hs.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"error":     "internal error",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
