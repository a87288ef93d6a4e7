// Package config defines the service configuration and its defaults.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Tensor layouts.
const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

// Resize modes.
const (
	ResizeFit     = "fit"
	ResizeStretch = "stretch"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	HTTPAddr string `koanf:"http_addr"`
	GRPCAddr string `koanf:"grpc_addr"`

	// StoreDriver selects the detection log backend: postgres or memory.
	StoreDriver string `koanf:"store_driver"`
	DatabaseDSN string `koanf:"database_dsn"`

	// RedisAddr enables the event cache when non-empty.
	RedisAddr string        `koanf:"redis_addr"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`

	JWTSecret   string `koanf:"jwt_secret"`
	JWTAudience string `koanf:"jwt_audience"`
	// ReportRole is the role claim a caller needs to read reports.
	ReportRole string `koanf:"report_role"`

	ModelPath       string `koanf:"model_path"`
	LabelsPath      string `koanf:"labels_path"`
	ONNXLibraryPath string `koanf:"onnx_library_path"`
	ModelInputName  string `koanf:"model_input_name"`
	ModelOutputName string `koanf:"model_output_name"`
	// CompliantLabels lists the class names (from the labels file) that count as compliant.
	CompliantLabels []string `koanf:"compliant_labels"`

	InputSize    int    `koanf:"input_size"`
	TensorLayout string `koanf:"tensor_layout"`
	ResizeMode   string `koanf:"resize_mode"`

	// InferenceConcurrency bounds parallel model runs. 1 serializes inference.
	InferenceConcurrency int `koanf:"inference_concurrency"`
	IntraOpThreads       int `koanf:"intra_op_threads"`

	MaxUploadBytes int64 `koanf:"max_upload_bytes"`
	// MaxImagePixels caps the width*height an upload may declare.
	MaxImagePixels int `koanf:"max_image_pixels"`
	RecentLimitMax int `koanf:"recent_limit_max"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		HTTPAddr:             ":8080",
		GRPCAddr:             ":9090",
		StoreDriver:          StoreDriverPostgres,
		DatabaseDSN:          "host=postgres user=postgres password=postgres dbname=uniform port=5432 sslmode=disable",
		CacheTTL:             10 * time.Minute,
		JWTSecret:            "dev-secret",
		ReportRole:           "reporter",
		ModelPath:            "model/uniform.onnx",
		LabelsPath:           "model/labels.txt",
		ModelInputName:       "input_1",
		ModelOutputName:      "sequential_3",
		CompliantLabels:      []string{"uniform"},
		InputSize:            224,
		TensorLayout:         LayoutNHWC,
		ResizeMode:           ResizeFit,
		InferenceConcurrency: runtime.NumCPU(),
		IntraOpThreads:       1,
		MaxUploadBytes:       10 << 20,
		MaxImagePixels:       40_000_000,
		RecentLimitMax:       100,
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr must not be empty")
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseDSN == "" {
			return errors.New("database_dsn must not be empty for the postgres store")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store_driver %q", c.StoreDriver)
	}
	switch c.TensorLayout {
	case LayoutNHWC, LayoutNCHW:
	default:
		return fmt.Errorf("unknown tensor_layout %q", c.TensorLayout)
	}
	switch c.ResizeMode {
	case ResizeFit, ResizeStretch:
	default:
		return fmt.Errorf("unknown resize_mode %q", c.ResizeMode)
	}
	if c.InputSize <= 0 {
		return errors.New("input_size must be positive")
	}
	if c.InferenceConcurrency <= 0 {
		return errors.New("inference_concurrency must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max_upload_bytes must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return errors.New("max_image_pixels must be positive")
	}
	if c.RecentLimitMax <= 0 {
		return errors.New("recent_limit_max must be positive")
	}
	if len(c.CompliantLabels) == 0 {
		return errors.New("compliant_labels must list at least one label")
	}
	return nil
}
