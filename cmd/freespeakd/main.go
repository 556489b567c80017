package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Zetaphor/freespeak/internal/bridge"
	"github.com/Zetaphor/freespeak/internal/capture"
	"github.com/Zetaphor/freespeak/internal/config"
	"github.com/Zetaphor/freespeak/internal/metrics"
	"github.com/Zetaphor/freespeak/internal/segmenter"
	"github.com/Zetaphor/freespeak/internal/server"
	"github.com/Zetaphor/freespeak/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "freespeak"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Optional .env for the transcription API key
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("chunk_size", cfg.Audio.ChunkSize),
		slog.String("device", cfg.Audio.Device),
		slog.Float64("vad_threshold", float64(cfg.VAD.Threshold)),
		slog.Int("vad_window_size", cfg.VAD.WindowSize),
		slog.Float64("min_speaking_duration", cfg.Segmenter.MinSpeakingDuration),
		slog.Float64("min_audio_duration", cfg.Segmenter.MinAudioDuration),
		slog.Bool("transcription_enabled", cfg.Transcription.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize microphone source
	source, err := capture.NewSource(logger, capture.Config{
		SampleRate: cfg.Audio.SampleRate,
		ChunkSize:  cfg.Audio.ChunkSize,
		Device:     cfg.Audio.Device,
		QueueSize:  cfg.Audio.QueueSize,
	})
	if err != nil {
		logger.Error("Failed to create microphone source", slog.String("error", err.Error()))
		os.Exit(1)
	}
	source.SetRecorder(appMetrics)

	// Initialize detection engine
	engine, err := vad.NewEnergyEngine(logger, cfg.VAD.WindowSize, cfg.VAD.PrerollWindows, cfg.VAD.HangoverWindows)
	if err != nil {
		logger.Error("Failed to create detection engine", slog.String("error", err.Error()))
		os.Exit(1)
	}
	engine.SetRecorder(appMetrics)

	// Initialize transcription bridge
	b := bridge.New(logger, cfg.Transcription.MaxConcurrent, cfg.Transcription.GetTimeoutDuration())
	b.SetRecorder(appMetrics)
	if cfg.Transcription.Enabled {
		sink, err := bridge.NewTranscriptionSink(bridge.SinkConfig{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Timeout:       cfg.Transcription.GetTimeoutDuration(),
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			Language:      cfg.Transcription.Language,
			Model:         cfg.Transcription.Model,
		}, logger)
		if err != nil {
			logger.Error("Failed to create transcription sink", slog.String("error", err.Error()))
			os.Exit(1)
		}
		b.RegisterSink(sink)
		logger.Info("Transcription sink registered", slog.String("endpoint", cfg.Transcription.Endpoint))
	} else {
		logger.Warn("Transcription disabled, segments will be dropped until a sink registers")
	}

	// Initialize segmentation controller
	controller := segmenter.NewController(logger, b, appMetrics, cfg.Audio.SampleRate)
	err = controller.Initialize(engine, source.Output(), segmenter.Config{
		Sensitivity:         cfg.VAD.Threshold,
		MinSpeakingDuration: cfg.Segmenter.GetMinSpeakingDuration(),
		MinAudioDuration:    cfg.Segmenter.GetMinAudioDuration(),
	})
	if err != nil {
		logger.Error("Failed to initialize segmentation controller", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start microphone capture
	if err := source.Start(ctx); err != nil {
		logger.Error("Failed to start microphone capture", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize WebSocket hub and wire state/result push
	hub := server.NewHub(logger, controller)
	controller.AddStateListener(hub.NotifyState)
	b.AddResultListener(hub.NotifyResult)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, controller, engine, b, hub, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop the recording session, discarding any open utterance
	if err := controller.Stop(); err != nil {
		logger.Error("Error stopping segmentation controller", slog.String("error", err.Error()))
	}

	// Stop microphone capture
	source.Stop()

	// Close the detection engine and drain its event channel
	if err := engine.Close(); err != nil {
		logger.Error("Error closing detection engine", slog.String("error", err.Error()))
	}

	// Wait for in-flight transcriptions
	if err := b.Close(); err != nil {
		logger.Error("Error closing transcription bridge", slog.String("error", err.Error()))
	}

	// Get final statistics
	status := controller.GetStatus()
	logger.Info("Final pipeline statistics",
		slog.Uint64("utterances_opened", status.Counters.UtterancesOpened),
		slog.Uint64("segments_dispatched", status.Counters.SegmentsDispatched),
		slog.Uint64("discarded_by_timing", status.Counters.DiscardedByTiming),
		slog.Uint64("discarded_by_duration", status.Counters.DiscardedByDuration),
		slog.Uint64("discarded_on_stop", status.Counters.DiscardedOnStop),
		slog.Uint64("dispatch_failures", status.Counters.DispatchFailures),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
