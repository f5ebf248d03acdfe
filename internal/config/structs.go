//nolint:lll
package config

// Config is the complete snapdetect configuration. It is loaded from a
// config file, SNAPDETECT_ environment variables and command-line flags.
type Config struct {
	// Global settings
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	CacheDir  string `mapstructure:"cache_dir" yaml:"cache_dir" json:"cache_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" json:"log_format"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Detector   DetectorConfig   `mapstructure:"detector" yaml:"detector" json:"detector"`
	GPU        GPUConfig        `mapstructure:"gpu" yaml:"gpu" json:"gpu"`
	Preprocess PreprocessConfig `mapstructure:"preprocess" yaml:"preprocess" json:"preprocess"`
	Display    DisplayConfig    `mapstructure:"display" yaml:"display" json:"display"`
	Pick       PickConfig       `mapstructure:"pick" yaml:"pick" json:"pick"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output" json:"output"`
	Watch      WatchConfig      `mapstructure:"watch" yaml:"watch" json:"watch"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server" json:"server"`
}

// DetectorConfig contains model and postprocessing settings.
type DetectorConfig struct {
	ModelPath   string  `mapstructure:"model_path" yaml:"model_path" json:"model_path"`
	ModelURL    string  `mapstructure:"model_url" yaml:"model_url" json:"model_url"`
	LabelsPath  string  `mapstructure:"labels_path" yaml:"labels_path" json:"labels_path"`
	LibraryPath string  `mapstructure:"library_path" yaml:"library_path" json:"library_path"`
	NumThreads  int     `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
	MinScore    float64 `mapstructure:"min_score" yaml:"min_score" json:"min_score"`
	IoU         float64 `mapstructure:"iou" yaml:"iou" json:"iou"`
	MaxBoxes    int     `mapstructure:"max_boxes" yaml:"max_boxes" json:"max_boxes"`
	TimeoutMS   int     `mapstructure:"timeout_ms" yaml:"timeout_ms" json:"timeout_ms"`
	Warmup      int     `mapstructure:"warmup" yaml:"warmup" json:"warmup"`
}

// GPUConfig contains GPU acceleration settings.
type GPUConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Device      int    `mapstructure:"device" yaml:"device" json:"device"`
	MemoryLimit string `mapstructure:"memory_limit" yaml:"memory_limit" json:"memory_limit"`
}

// PreprocessConfig controls how selected images are prepared for the model.
type PreprocessConfig struct {
	TargetWidth int    `mapstructure:"target_width" yaml:"target_width" json:"target_width"`
	Format      string `mapstructure:"format" yaml:"format" json:"format"`
	Quality     int    `mapstructure:"quality" yaml:"quality" json:"quality"`
	Persist     bool   `mapstructure:"persist" yaml:"persist" json:"persist"`
}

// DisplayConfig describes the display square boxes are mapped into.
type DisplayConfig struct {
	Width       int     `mapstructure:"width" yaml:"width" json:"width"`
	Height      int     `mapstructure:"height" yaml:"height" json:"height"`
	BorderWidth float64 `mapstructure:"border_width" yaml:"border_width" json:"border_width"`
	Captions    bool    `mapstructure:"captions" yaml:"captions" json:"captions"`
}

// PickConfig holds the options handed to image pickers.
type PickConfig struct {
	AllowsEditing bool    `mapstructure:"allows_editing" yaml:"allows_editing" json:"allows_editing"`
	Aspect        string  `mapstructure:"aspect" yaml:"aspect" json:"aspect"`
	Quality       float64 `mapstructure:"quality" yaml:"quality" json:"quality"`
}

// OutputConfig contains CLI output settings.
type OutputConfig struct {
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// WatchConfig contains drop folder settings.
type WatchConfig struct {
	SettleMS int `mapstructure:"settle_ms" yaml:"settle_ms" json:"settle_ms"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string          `mapstructure:"host" yaml:"host" json:"host"`
	Port            int             `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string          `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int             `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int             `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int             `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	OverlayEnabled  bool            `mapstructure:"overlay_enabled" yaml:"overlay_enabled" json:"overlay_enabled"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig contains per-client limits. Zero disables a limit.
type RateLimitConfig struct {
	Enabled           bool  `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerMinute int   `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int   `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int   `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDayMB   int64 `mapstructure:"max_data_per_day_mb" yaml:"max_data_per_day_mb" json:"max_data_per_day_mb"`
}
