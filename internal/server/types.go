package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MeKo-Tech/snapdetect/internal/detector"
	"github.com/MeKo-Tech/snapdetect/internal/display"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
	"github.com/MeKo-Tech/snapdetect/internal/readiness"
	"github.com/MeKo-Tech/snapdetect/internal/storage"
)

// pipelineInterface defines the methods needed by the server from a pipeline.
type pipelineInterface interface {
	Start(ctx context.Context)
	Ready() bool
	Readiness() readiness.State
	Retry(ctx context.Context) bool
	NewSession() *pipeline.Session
	Storage() *storage.Local
	Close() error
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	pipeline       pipelineInterface
	corsOrigin     string
	maxUploadMB    int64
	timeoutSec     int
	overlayEnabled bool
	overlay        display.OverlayOptions
	rateLimiter    *RateLimiter

	// initCtx outlives requests; initialization retries run under it.
	initCtx context.Context
}

// Config holds server configuration.
type Config struct {
	Host           string
	Port           int
	CORSOrigin     string
	MaxUploadMB    int64
	TimeoutSec     int
	PipelineConfig pipeline.Config
	OverlayEnabled bool
	RateLimit      RateLimitConfig
}

// RateLimitConfig holds per-client limits. Zero disables a limit.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	RequestsPerHour   int
	MaxRequestsPerDay int
	MaxDataPerDay     int64 // bytes
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

// ReadyResponse is returned by /ready.
type ReadyResponse struct {
	Ready        bool   `json:"ready"`
	Phase        string `json:"phase"`
	RuntimeReady bool   `json:"runtime_ready"`
	ModelReady   bool   `json:"model_ready"`
	Error        string `json:"error,omitempty"`
}

type ModelInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
	Count  int         `json:"count"`
}

// DetectResult is the JSON view of a finished selection.
type DetectResult struct {
	RequestID     uint64                `json:"request_id"`
	Width         int                   `json:"width"`
	Height        int                   `json:"height"`
	ScalingFactor float64               `json:"scaling_factor"`
	Predictions   []detector.Prediction `json:"predictions"`
	Boxes         []display.DisplayBox  `json:"boxes"`
	Captions      []string              `json:"captions"`
	Processing    struct {
		TotalMs int64 `json:"total_ms"`
	} `json:"processing"`
}

type DetectResponse struct {
	Success bool          `json:"success"`
	Result  *DetectResult `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
	Notice  string        `json:"notice,omitempty"`
	Stage   string        `json:"stage,omitempty"`
}

// NewServer builds the detection pipeline from config and wraps it. The
// pipeline is idle until Start.
func NewServer(config Config) (*Server, error) {
	pl, err := pipeline.NewBuilder().WithConfig(config.PipelineConfig).Build()
	if err != nil {
		return nil, err
	}
	return New(pl, config), nil
}

// New wraps an existing pipeline.
func New(pl pipelineInterface, config Config) *Server {
	s := &Server{
		pipeline:       pl,
		corsOrigin:     config.CORSOrigin,
		maxUploadMB:    config.MaxUploadMB,
		timeoutSec:     config.TimeoutSec,
		overlayEnabled: config.OverlayEnabled,
		overlay:        config.PipelineConfig.Display,
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}
	if s.maxUploadMB <= 0 {
		s.maxUploadMB = 20
	}
	if s.overlay.Width <= 0 || s.overlay.Height <= 0 {
		s.overlay = display.DefaultOverlayOptions()
	}
	if rl := config.RateLimit; rl.Enabled {
		s.rateLimiter = NewRateLimiter(rl.RequestsPerMinute, rl.RequestsPerHour, rl.MaxRequestsPerDay, rl.MaxDataPerDay)
	}
	return s
}

// Start begins runtime and model initialization.
func (s *Server) Start(ctx context.Context) {
	s.initCtx = ctx
	s.pipeline.Start(ctx)
}

// Close releases server resources.
func (s *Server) Close() error {
	if s.pipeline != nil {
		return s.pipeline.Close()
	}
	return nil
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/ready", s.corsMiddleware(s.readyHandler))
	mux.HandleFunc("/ready/retry", s.corsMiddleware(s.readyRetryHandler))
	mux.HandleFunc("/models", s.corsMiddleware(s.modelsHandler))
	mux.HandleFunc("/detect/image", s.corsMiddleware(s.rateLimitMiddleware(s.detectImageHandler)))
	mux.HandleFunc("/detect/ws", s.rateLimitMiddleware(s.detectWebSocketHandler))
	mux.Handle("/metrics", promhttp.Handler())
}
