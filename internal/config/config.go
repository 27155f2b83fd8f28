package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/emconv/config.yaml"
	envPrefix         = "EMCONV"
)

// Config holds user-editable settings.
type Config struct {
	Logging    Logging    `yaml:"logging" envconfig:"LOGGING"`
	Paths      Paths      `yaml:"paths" envconfig:"PATHS"`
	Conversion Conversion `yaml:"conversion" envconfig:"CONVERSION"`
	Picking    Picking    `yaml:"picking" envconfig:"PICKING"`
	Server     Server     `yaml:"server" envconfig:"SERVER"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" envconfig:"FORMAT" validate:"oneof=text json"`
	FileOutput bool   `yaml:"file_output" envconfig:"FILE_OUTPUT"`
	LogDir     string `yaml:"log_dir" envconfig:"LOG_DIR" validate:"required_if=FileOutput true"`
}

// Paths configures default locations.
type Paths struct {
	WorkDir      string `yaml:"work_dir" envconfig:"WORK_DIR"`
	DatabasePath string `yaml:"database_path" envconfig:"DATABASE_PATH" validate:"required"`
}

// Conversion holds the defaults used when a command does not say otherwise.
type Conversion struct {
	Dimensionality   string  `yaml:"dimensionality" envconfig:"DIMENSIONALITY" validate:"oneof=auto 2d 3d"`
	InverseTransform bool    `yaml:"inverse_transform" envconfig:"INVERSE_TRANSFORM"`
	Tolerance        float64 `yaml:"tolerance" envconfig:"TOLERANCE" validate:"gt=0"`
	AngleOrder       string  `yaml:"angle_order" envconfig:"ANGLE_ORDER" validate:"eq=ZYZ"`
}

// Picking configures coordinate import.
type Picking struct {
	BoxSize      int  `yaml:"box_size" envconfig:"BOX_SIZE" validate:"gte=0"`
	ClipToBounds bool `yaml:"clip_to_bounds" envconfig:"CLIP_TO_BOUNDS"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr     string `yaml:"addr" envconfig:"ADDR" validate:"required"`
	GRPCAddr string `yaml:"grpc_addr" envconfig:"GRPC_ADDR"`
}

// Load reads configuration from disk, applies EMCONV_* environment overrides
// and validates the result. A missing file yields the defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("EMCONV_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath); err != nil {
		return nil, err
	}
	if cfg.Logging.LogDir, err = expandUser(cfg.Logging.LogDir); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// YAML renders the configuration as it would be written to disk.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
		Paths: Paths{
			WorkDir:      ".",
			DatabasePath: filepath.Join(os.TempDir(), "emconv.db"),
		},
		Conversion: Conversion{
			Dimensionality: "auto",
			Tolerance:      1e-3,
			AngleOrder:     "ZYZ",
		},
		Server: Server{
			Addr:     "127.0.0.1:8088",
			GRPCAddr: "127.0.0.1:8089",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
