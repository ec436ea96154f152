package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Blob      BlobConfig      `yaml:"blob" mapstructure:"blob"`
	Capture   CaptureConfig   `yaml:"capture" mapstructure:"capture"`
	Detect    DetectConfig    `yaml:"detect" mapstructure:"detect"`
	Quality   QualityConfig   `yaml:"quality" mapstructure:"quality"`
	Naming    NamingConfig    `yaml:"naming" mapstructure:"naming"`
	Mistral   MistralConfig   `yaml:"mistral" mapstructure:"mistral"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Compare   CompareConfig   `yaml:"compare" mapstructure:"compare"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// BlobConfig configures artifact storage.
type BlobConfig struct {
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Root   string `yaml:"root" mapstructure:"root"` // key prefix inside the bucket
	Dir    string `yaml:"dir" mapstructure:"dir"`   // filesystem base for the local driver
}

// CaptureConfig configures the browser capture fallback chain.
type CaptureConfig struct {
	ViewportW      int      `yaml:"viewport_w" mapstructure:"viewport_w"`
	ViewportH      int      `yaml:"viewport_h" mapstructure:"viewport_h"`
	Scale          float64  `yaml:"scale" mapstructure:"scale"`
	Engines        []string `yaml:"engines" mapstructure:"engines"` // tried in order
	AttemptTimeout int      `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	AgentURL       string   `yaml:"agent_url" mapstructure:"agent_url"`
	AgentToken     string   `yaml:"agent_token" mapstructure:"agent_token"`
}

// DetectConfig configures region detection and deduplication. The IoU
// thresholds are empirically tuned; treat them as candidates for
// recalibration against a labeled dataset, not ground truth.
type DetectConfig struct {
	MinWidth         int     `yaml:"min_width" mapstructure:"min_width"`
	MinHeight        int     `yaml:"min_height" mapstructure:"min_height"`
	MaxPerGroup      int     `yaml:"max_per_group" mapstructure:"max_per_group"`
	MaxWidgets       int     `yaml:"max_widgets" mapstructure:"max_widgets"`
	CropPadding      int     `yaml:"crop_padding" mapstructure:"crop_padding"`
	IoUDropSameKind  float64 `yaml:"iou_drop_same_kind" mapstructure:"iou_drop_same_kind"`
	IoUDropCrossKind float64 `yaml:"iou_drop_cross_kind" mapstructure:"iou_drop_cross_kind"`
}

// QualityConfig configures the widget quality heuristic. Defaults mirror the
// tuned production values.
type QualityConfig struct {
	GoodThreshold float64 `yaml:"good_threshold" mapstructure:"good_threshold"`

	HardAspectLow  float64 `yaml:"hard_aspect_low" mapstructure:"hard_aspect_low"`
	HardAspectHigh float64 `yaml:"hard_aspect_high" mapstructure:"hard_aspect_high"`
	SoftAspectLow  float64 `yaml:"soft_aspect_low" mapstructure:"soft_aspect_low"`
	SoftAspectHigh float64 `yaml:"soft_aspect_high" mapstructure:"soft_aspect_high"`

	MinGoodWidth  int `yaml:"min_good_width" mapstructure:"min_good_width"`
	MinGoodHeight int `yaml:"min_good_height" mapstructure:"min_good_height"`
	MinGoodArea   int `yaml:"min_good_area" mapstructure:"min_good_area"`

	RescueMinWidth  int `yaml:"rescue_min_width" mapstructure:"rescue_min_width"`
	RescueMinHeight int `yaml:"rescue_min_height" mapstructure:"rescue_min_height"`
	RescueMinArea   int `yaml:"rescue_min_area" mapstructure:"rescue_min_area"`
}

// NamingConfig configures report-name resolution.
type NamingConfig struct {
	TopCutoffPx   int `yaml:"top_cutoff_px" mapstructure:"top_cutoff_px"`
	TitleBandPx   int `yaml:"title_band_px" mapstructure:"title_band_px"`
	MaxNameLength int `yaml:"max_name_length" mapstructure:"max_name_length"`
}

// MistralConfig holds Mistral API settings for the extraction oracle and the
// default comparison oracle.
type MistralConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	Model          string  `yaml:"model" mapstructure:"model"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// AnthropicConfig holds Anthropic API settings for the alternate comparison
// oracle provider.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// ExtractConfig configures the value-extraction stage.
type ExtractConfig struct {
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffMs   int `yaml:"backoff_ms" mapstructure:"backoff_ms"`
}

// CompareConfig configures the comparison engine.
type CompareConfig struct {
	Provider       string  `yaml:"provider" mapstructure:"provider"` // "mistral" or "anthropic"
	CorrConsistent float64 `yaml:"corr_consistent" mapstructure:"corr_consistent"`
	MAPEConsistent float64 `yaml:"mape_consistent" mapstructure:"mape_consistent"`
	CorrMismatch   float64 `yaml:"corr_mismatch" mapstructure:"corr_mismatch"`
}

// ServerConfig configures the read-only reports API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("KPIDRIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "kpidrift.db")
	v.SetDefault("blob.bucket", "kpidrifthunter")
	v.SetDefault("blob.root", "widgetextractor")
	v.SetDefault("blob.dir", "./screenshots")
	v.SetDefault("capture.viewport_w", 1920)
	v.SetDefault("capture.viewport_h", 1080)
	v.SetDefault("capture.scale", 2.0)
	v.SetDefault("capture.engines", []string{"chromium", "firefox"})
	v.SetDefault("capture.attempt_timeout_secs", 60)
	v.SetDefault("capture.agent_url", "http://localhost:3000")
	v.SetDefault("detect.min_width", 150)
	v.SetDefault("detect.min_height", 100)
	v.SetDefault("detect.max_per_group", 60)
	v.SetDefault("detect.max_widgets", 80)
	v.SetDefault("detect.crop_padding", 12)
	v.SetDefault("detect.iou_drop_same_kind", 0.72)
	v.SetDefault("detect.iou_drop_cross_kind", 0.65)
	v.SetDefault("quality.good_threshold", 0.60)
	v.SetDefault("quality.hard_aspect_low", 0.60)
	v.SetDefault("quality.hard_aspect_high", 3.50)
	v.SetDefault("quality.soft_aspect_low", 0.80)
	v.SetDefault("quality.soft_aspect_high", 2.20)
	v.SetDefault("quality.min_good_width", 220)
	v.SetDefault("quality.min_good_height", 160)
	v.SetDefault("quality.min_good_area", 160000)
	v.SetDefault("quality.rescue_min_width", 180)
	v.SetDefault("quality.rescue_min_height", 140)
	v.SetDefault("quality.rescue_min_area", 120000)
	v.SetDefault("naming.top_cutoff_px", 380)
	v.SetDefault("naming.title_band_px", 220)
	v.SetDefault("naming.max_name_length", 120)
	v.SetDefault("mistral.base_url", "https://api.mistral.ai")
	v.SetDefault("mistral.model", "pixtral-12b-2409")
	v.SetDefault("mistral.requests_per_sec", 2.0)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("extract.max_attempts", 3)
	v.SetDefault("extract.backoff_ms", 750)
	v.SetDefault("compare.provider", "mistral")
	v.SetDefault("compare.corr_consistent", 0.95)
	v.SetDefault("compare.mape_consistent", 0.02)
	v.SetDefault("compare.corr_mismatch", 0.80)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
