package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zetaphor/freespeak/internal/bridge"
	"github.com/Zetaphor/freespeak/internal/config"
	"github.com/Zetaphor/freespeak/internal/metrics"
	"github.com/Zetaphor/freespeak/internal/segmenter"
	"github.com/Zetaphor/freespeak/internal/vad"
)

// EngineStatsProvider exposes detection engine statistics for the
// status surface.
type EngineStatsProvider interface {
	GetStats() vad.EngineStats
}

// HTTPServer provides the control and status API for the daemon
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	controller *segmenter.Controller
	engine     EngineStatsProvider
	bridge     *bridge.Bridge
	hub        *Hub
	metrics    *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new control/status API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, controller *segmenter.Controller,
	engine EngineStatsProvider, b *bridge.Bridge, hub *Hub, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		controller: controller,
		engine:     engine,
		bridge:     b,
		hub:        hub,
		metrics:    m,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Pipeline status endpoint
	mux.HandleFunc("/status", h.withMetrics("/status", h.handleStatus))

	// Runtime threshold endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Recording control endpoint
	mux.HandleFunc("/control", h.withMetrics("/control", h.handleControl))

	// WebSocket control surface
	if h.hub != nil {
		mux.HandleFunc("/ws", h.hub.HandleWS)
	}

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// Handler returns the configured mux, used by tests.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	status := h.controller.GetStatus()
	bridgeStats := h.bridge.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "freespeak",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"segmenter": map[string]interface{}{
				"state":     status.State,
				"recording": status.Recording,
			},
			"bridge": map[string]interface{}{
				"sent":            bridgeStats.Sent,
				"delivered":       bridgeStats.Delivered,
				"failed":          bridgeStats.Failed,
				"dropped_no_sink": bridgeStats.DroppedNoSink,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStatus implements the /status endpoint
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.controller.GetStatus()

	response := map[string]interface{}{
		"state":     status.State,
		"recording": status.Recording,
		"counters":  status.Counters,
		"timestamp": time.Now().UTC(),
	}

	if h.engine != nil {
		response["vad"] = h.engine.GetStats()
	}
	if h.bridge != nil {
		response["bridge"] = h.bridge.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Thresholds is the JSON body of the /config endpoint.
type Thresholds struct {
	Sensitivity           float32 `json:"sensitivity"`
	MinSpeakingDurationMs int64   `json:"min_speaking_duration_ms"`
	MinAudioDurationMs    int64   `json:"min_audio_duration_ms"`
}

// handleConfig implements the /config endpoint. GET returns the
// thresholds in force; PUT replaces them for future utterances.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeThresholds(w)

	case http.MethodPut:
		var body Thresholds
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}

		cfg := segmenter.Config{
			Sensitivity:         body.Sensitivity,
			MinSpeakingDuration: time.Duration(body.MinSpeakingDurationMs) * time.Millisecond,
			MinAudioDuration:    time.Duration(body.MinAudioDurationMs) * time.Millisecond,
		}
		if err := h.controller.UpdateConfig(cfg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		h.writeThresholds(w)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPServer) writeThresholds(w http.ResponseWriter) {
	cfg := h.controller.GetConfig()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Thresholds{
		Sensitivity:           cfg.Sensitivity,
		MinSpeakingDurationMs: cfg.MinSpeakingDuration.Milliseconds(),
		MinAudioDurationMs:    cfg.MinAudioDuration.Milliseconds(),
	})
}

// ControlRequest is the JSON body of the /control endpoint.
type ControlRequest struct {
	Action string `json:"action"`
}

// handleControl implements the /control endpoint: toggle, start, stop.
func (h *HTTPServer) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	var err error
	switch body.Action {
	case "toggle":
		err = h.controller.Toggle()
	case "start":
		err = h.controller.Start()
	case "stop":
		err = h.controller.Stop()
	default:
		http.Error(w, fmt.Sprintf("Unknown action '%s'", body.Action), http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	status := h.controller.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"state":     status.State,
		"recording": status.Recording,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "freespeak dictation daemon",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":        "API documentation",
			"GET /health":  "Service health check",
			"GET /status":  "Pipeline state and counters",
			"GET /config":  "Current segmentation thresholds",
			"PUT /config":  "Update segmentation thresholds",
			"PUT /control": "Recording control (toggle, start, stop)",
			"GET /ws":      "WebSocket control and state feed",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
