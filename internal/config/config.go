package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Detection      DetectionConfig      `json:"detection" yaml:"detection"`
	Classification ClassificationConfig `json:"classification" yaml:"classification"`
	Hash           HashConfig           `json:"hash" yaml:"hash"`
	Cache          CacheConfig          `json:"cache" yaml:"cache"`
	Validator      ValidatorConfig      `json:"validator" yaml:"validator"`
	Inference      InferenceConfig      `json:"inference" yaml:"inference"`
	Quality        QualityConfig        `json:"quality" yaml:"quality"`
	Server         ServerConfig         `json:"server" yaml:"server"`
	Publish        PublishConfig        `json:"publish" yaml:"publish"`
	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
	Output         OutputConfig         `json:"output" yaml:"output"`
}

// DetectionConfig holds detector thresholds and crop padding
type DetectionConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	IoUThreshold        float64 `json:"iou_threshold" yaml:"iou_threshold"`
	PaddingRatio        float64 `json:"padding_ratio" yaml:"padding_ratio"`
	InputSize           int     `json:"input_size" yaml:"input_size"`
}

// ClassificationConfig holds classifier settings
type ClassificationConfig struct {
	Threshold           float64  `json:"threshold" yaml:"threshold"`
	InputSize           int      `json:"input_size" yaml:"input_size"`
	Labels              []string `json:"labels,omitempty" yaml:"labels,omitempty"`
	LabelsFile          string   `json:"labels_file,omitempty" yaml:"labels_file,omitempty"`
	RejectLowConfidence bool     `json:"reject_low_confidence" yaml:"reject_low_confidence"`
	ModelVersion        string   `json:"model_version" yaml:"model_version"`
}

// HashConfig holds perceptual hash settings
type HashConfig struct {
	Size                int     `json:"size" yaml:"size"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
}

// CacheConfig holds result cache settings
type CacheConfig struct {
	Backend       string      `json:"backend" yaml:"backend"`
	TTL           Duration    `json:"ttl" yaml:"ttl"`
	MaxEntries    int         `json:"max_entries" yaml:"max_entries"`
	StoreFallback bool        `json:"store_fallback" yaml:"store_fallback"`
	SweepInterval Duration    `json:"sweep_interval" yaml:"sweep_interval"`
	Redis         RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig holds the Redis connection used by the "redis" cache backend
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	MaxIdle  int    `json:"max_idle" yaml:"max_idle"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// ValidatorConfig holds the vision model used to confirm diagnoses
type ValidatorConfig struct {
	Backend      string   `json:"backend" yaml:"backend"`
	URL          string   `json:"url" yaml:"url"`
	Model        string   `json:"model" yaml:"model"`
	Timeout      Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts"`
	Backoff      Duration `json:"backoff" yaml:"backoff"`
	MaxBackoff   Duration `json:"max_backoff" yaml:"max_backoff"`
	Temperature  float64  `json:"temperature" yaml:"temperature"`
	TopP         float64  `json:"top_p" yaml:"top_p"`
	TopK         int      `json:"top_k" yaml:"top_k"`
	Seed         int      `json:"seed" yaml:"seed"`
	MaxTokens    int      `json:"max_tokens" yaml:"max_tokens"`
	ImageMaxDim  int      `json:"image_max_dim" yaml:"image_max_dim"`
	ImageQuality int      `json:"image_quality" yaml:"image_quality"`
}

// InferenceConfig selects where the detector and classifier run
type InferenceConfig struct {
	Backend           string   `json:"backend" yaml:"backend"`
	URL               string   `json:"url,omitempty" yaml:"url,omitempty"`
	Timeout           Duration `json:"timeout" yaml:"timeout"`
	LibraryPath       string   `json:"library_path,omitempty" yaml:"library_path,omitempty"`
	DetectorModel     string   `json:"detector_model,omitempty" yaml:"detector_model,omitempty"`
	ClassifierModel   string   `json:"classifier_model,omitempty" yaml:"classifier_model,omitempty"`
	DetectorChannels  int      `json:"detector_channels" yaml:"detector_channels"`
	DetectorProposals int      `json:"detector_proposals" yaml:"detector_proposals"`
	Threads           int      `json:"threads" yaml:"threads"`
}

// QualityConfig holds the photo quality gate thresholds
type QualityConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	Strict        bool    `json:"strict" yaml:"strict"`
	MinImageSize  int     `json:"min_image_size" yaml:"min_image_size"`
	MinBrightness float64 `json:"min_brightness" yaml:"min_brightness"`
	MaxBrightness float64 `json:"max_brightness" yaml:"max_brightness"`
	MinSharpness  float64 `json:"min_sharpness" yaml:"min_sharpness"`
}

// ServerConfig holds HTTP service settings
type ServerConfig struct {
	Address        string   `json:"address" yaml:"address"`
	MaxUploadMB    int      `json:"max_upload_mb" yaml:"max_upload_mb"`
	Workers        int      `json:"workers" yaml:"workers"`
	QueueSize      int      `json:"queue_size" yaml:"queue_size"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
	SentryDSN      string   `json:"sentry_dsn,omitempty" yaml:"sentry_dsn,omitempty"`
}

// PublishConfig holds MQTT publishing settings
type PublishConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
	Retained bool   `json:"retained" yaml:"retained"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// OutputConfig holds configuration for CLI output
type OutputConfig struct {
	Dir          string `json:"dir" yaml:"dir"`
	SaveCrop     bool   `json:"save_crop" yaml:"save_crop"`
	DebugOverlay bool   `json:"debug_overlay" yaml:"debug_overlay"`
	Format       string `json:"format" yaml:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Detection: DetectionConfig{
			ConfidenceThreshold: 0.6,
			IoUThreshold:        0.45,
			PaddingRatio:        0.1,
			InputSize:           640,
		},
		Classification: ClassificationConfig{
			Threshold:    0.5,
			InputSize:    224,
			ModelVersion: "leafscan-classifier",
		},
		Hash: HashConfig{
			Size:                8,
			SimilarityThreshold: 0.95,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			TTL:           Duration(168 * time.Hour),
			MaxEntries:    100,
			StoreFallback: true,
			SweepInterval: Duration(time.Hour),
			Redis: RedisConfig{
				Address: "localhost:6379",
				MaxIdle: 10,
				Prefix:  "leafscan:",
			},
		},
		Validator: ValidatorConfig{
			Backend:      "ollama",
			URL:          "http://localhost:11434",
			Model:        "llava:13b",
			Timeout:      Duration(30 * time.Second),
			MaxAttempts:  3,
			Backoff:      Duration(500 * time.Millisecond),
			MaxBackoff:   Duration(8 * time.Second),
			Temperature:  0,
			TopP:         0.1,
			TopK:         1,
			Seed:         42,
			MaxTokens:    1024,
			ImageMaxDim:  768,
			ImageQuality: 90,
		},
		Inference: InferenceConfig{
			Backend:           "remote",
			URL:               "http://localhost:5000",
			Timeout:           Duration(30 * time.Second),
			DetectorChannels:  5,
			DetectorProposals: 8400,
			Threads:           1,
		},
		Quality: QualityConfig{
			Enabled:       true,
			Strict:        true,
			MinImageSize:  100,
			MinBrightness: 0.12,
			MaxBrightness: 0.92,
			MinSharpness:  0.008,
		},
		Server: ServerConfig{
			Address:        ":8090",
			MaxUploadMB:    16,
			QueueSize:      64,
			RequestTimeout: Duration(2 * time.Minute),
		},
		Publish: PublishConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "leafscan",
			Topic:    "leafscan/diagnoses",
			QoS:      1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Output: OutputConfig{
			Dir:    "./output",
			Format: "jpg",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file. Fields missing
// from the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration as JSON or YAML depending on the extension
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

// ApplyEnv overrides settings from LEAFSCAN_* environment variables
func (c *Config) ApplyEnv() {
	c.Validator.Backend = getEnv("LEAFSCAN_VALIDATOR_BACKEND", c.Validator.Backend)
	c.Validator.URL = getEnv("LEAFSCAN_VALIDATOR_URL", c.Validator.URL)
	c.Validator.Model = getEnv("LEAFSCAN_VALIDATOR_MODEL", c.Validator.Model)
	c.Inference.Backend = getEnv("LEAFSCAN_INFERENCE_BACKEND", c.Inference.Backend)
	c.Inference.URL = getEnv("LEAFSCAN_INFERENCE_URL", c.Inference.URL)
	c.Inference.LibraryPath = getEnv("LEAFSCAN_ONNX_LIBRARY", c.Inference.LibraryPath)
	c.Cache.Backend = getEnv("LEAFSCAN_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.Redis.Address = getEnv("LEAFSCAN_REDIS_ADDRESS", c.Cache.Redis.Address)
	c.Cache.Redis.Password = getEnv("LEAFSCAN_REDIS_PASSWORD", c.Cache.Redis.Password)
	c.Server.Address = getEnv("LEAFSCAN_SERVER_ADDRESS", c.Server.Address)
	c.Server.SentryDSN = getEnv("LEAFSCAN_SENTRY_DSN", c.Server.SentryDSN)
	c.Publish.Broker = getEnv("LEAFSCAN_MQTT_BROKER", c.Publish.Broker)
	c.Logging.Level = getEnv("LEAFSCAN_LOG_LEVEL", c.Logging.Level)

	if v := os.Getenv("LEAFSCAN_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.TTL = Duration(d)
		}
	}
	if v := os.Getenv("LEAFSCAN_MQTT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Publish.Enabled = b
		}
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be between 0 and 1")
	}
	if c.Detection.IoUThreshold < 0 || c.Detection.IoUThreshold > 1 {
		return fmt.Errorf("detection.iou_threshold must be between 0 and 1")
	}
	if c.Detection.PaddingRatio < 0 || c.Detection.PaddingRatio > 1 {
		return fmt.Errorf("detection.padding_ratio must be between 0 and 1")
	}
	if c.Detection.InputSize < 1 {
		return fmt.Errorf("detection.input_size must be positive")
	}

	if c.Classification.Threshold < 0 || c.Classification.Threshold > 1 {
		return fmt.Errorf("classification.threshold must be between 0 and 1")
	}
	if c.Classification.InputSize < 1 {
		return fmt.Errorf("classification.input_size must be positive")
	}

	if c.Hash.Size < 2 {
		return fmt.Errorf("hash.size must be at least 2")
	}
	if c.Hash.SimilarityThreshold <= 0 || c.Hash.SimilarityThreshold > 1 {
		return fmt.Errorf("hash.similarity_threshold must be in (0, 1]")
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			return fmt.Errorf("cache.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be positive")
	}

	switch c.Validator.Backend {
	case "ollama", "llamacpp":
		if c.Validator.URL == "" {
			return fmt.Errorf("validator.url is required for the %s backend", c.Validator.Backend)
		}
	case "disabled":
	default:
		return fmt.Errorf("validator.backend must be ollama, llamacpp or disabled, got %q", c.Validator.Backend)
	}
	if c.Validator.Timeout <= 0 {
		return fmt.Errorf("validator.timeout must be positive")
	}
	if c.Validator.MaxAttempts < 1 {
		return fmt.Errorf("validator.max_attempts must be at least 1")
	}
	if c.Validator.ImageQuality < 1 || c.Validator.ImageQuality > 100 {
		return fmt.Errorf("validator.image_quality must be between 1 and 100")
	}

	switch c.Inference.Backend {
	case "remote":
		if c.Inference.URL == "" {
			return fmt.Errorf("inference.url is required for the remote backend")
		}
	case "onnx":
		if c.Inference.DetectorModel == "" || c.Inference.ClassifierModel == "" {
			return fmt.Errorf("inference.detector_model and inference.classifier_model are required for the onnx backend")
		}
	default:
		return fmt.Errorf("inference.backend must be remote or onnx, got %q", c.Inference.Backend)
	}

	if c.Quality.MinImageSize < 1 {
		return fmt.Errorf("quality.min_image_size must be positive")
	}
	if c.Quality.MinBrightness > c.Quality.MaxBrightness {
		return fmt.Errorf("quality.min_brightness must not exceed quality.max_brightness")
	}

	if c.Publish.Enabled && (c.Publish.Broker == "" || c.Publish.Topic == "") {
		return fmt.Errorf("publish.broker and publish.topic are required when publishing is enabled")
	}
	if c.Publish.QoS > 2 {
		return fmt.Errorf("publish.qos must be 0, 1 or 2")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "leafscan", "config.json")
}
