package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/snapdetect/internal/config"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
	"github.com/MeKo-Tech/snapdetect/internal/server"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the detection API",
	Long: `Start an HTTP server that provides REST and WebSocket endpoints for
object detection. The model loads in the background; /ready reports when
detection requests are accepted.

The server provides the following endpoints:
  POST /detect/image - Detect objects in an uploaded image
  GET  /detect/ws    - WebSocket; each image supersedes the previous one
  GET  /health       - Health check endpoint
  GET  /ready        - Readiness of the runtime and the model
  GET  /models       - List available models
  GET  /metrics      - Prometheus metrics

Examples:
  snapdetect serve
  snapdetect serve --port 8080
  snapdetect serve --host 0.0.0.0 --port 3000 --rate-limit-enabled`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), map[string]string{
			"host":                 "server.host",
			"port":                 "server.port",
			"cors-origin":          "server.cors_origin",
			"max-upload-size":      "server.max_upload_mb",
			"timeout":              "server.timeout_sec",
			"shutdown-timeout":     "server.shutdown_timeout",
			"overlay-enable":       "server.overlay_enabled",
			"min-score":            "detector.min_score",
			"model":                "detector.model_path",
			"rate-limit-enabled":   "server.rate_limit.enabled",
			"requests-per-minute":  "server.rate_limit.requests_per_minute",
			"requests-per-hour":    "server.rate_limit.requests_per_hour",
			"max-requests-per-day": "server.rate_limit.max_requests_per_day",
			"max-data-per-day":     "server.rate_limit.max_data_per_day_mb",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		pCfg, err := cfg.ToPipelineConfig()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		pl, err := newPipeline(pCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize pipeline: %w", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		detectServer := server.New(pl, serverConfig(cfg, pCfg))
		defer func() { _ = detectServer.Close() }()
		detectServer.Start(ctx)

		mux := http.NewServeMux()
		detectServer.SetupRoutes(mux)

		timeout := time.Duration(cfg.Server.TimeoutSec) * time.Second
		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       timeout,
			WriteTimeout:      timeout,
		}

		go func() {
			slog.Info("Starting detection server", "host", cfg.Server.Host, "port", cfg.Server.Port)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			slog.Info("Context cancelled, initiating shutdown")
		}

		shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		slog.Info("Starting graceful shutdown", "timeout", shutdownTimeout.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		if err := detectServer.Close(); err != nil {
			slog.Error("Server cleanup error", "error", err)
		}
		slog.Info("Graceful shutdown completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", 20, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 30, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Bool("overlay-enable", true, "enable overlay image responses")
	serveCmd.Flags().Float64("min-score", 0.5, "minimum prediction score (0..1)")
	serveCmd.Flags().String("model", "", "override detection model path")
	serveCmd.Flags().Bool("rate-limit-enabled", false, "enable rate limiting")
	serveCmd.Flags().Int("requests-per-minute", 60, "maximum requests per minute per client")
	serveCmd.Flags().Int("requests-per-hour", 1000, "maximum requests per hour per client")
	serveCmd.Flags().Int("max-requests-per-day", 0, "maximum requests per day per client (0 = unlimited)")
	serveCmd.Flags().Int64("max-data-per-day", 0, "maximum upload volume per day per client in MB (0 = unlimited)")
}

// serverConfig converts the loaded configuration for the server package.
func serverConfig(cfg *config.Config, pCfg pipeline.Config) server.Config {
	rl := cfg.Server.RateLimit
	return server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		CORSOrigin:     cfg.Server.CORSOrigin,
		MaxUploadMB:    int64(cfg.Server.MaxUploadMB),
		TimeoutSec:     cfg.Server.TimeoutSec,
		PipelineConfig: pCfg,
		OverlayEnabled: cfg.Server.OverlayEnabled,
		RateLimit: server.RateLimitConfig{
			Enabled:           rl.Enabled,
			RequestsPerMinute: rl.RequestsPerMinute,
			RequestsPerHour:   rl.RequestsPerHour,
			MaxRequestsPerDay: rl.MaxRequestsPerDay,
			MaxDataPerDay:     rl.MaxDataPerDayMB * 1024 * 1024,
		},
	}
}
