// Package config loads the daemon and client settings from a YAML file,
// SWARMDRIVE_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"swarmdrive/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "SWARMDRIVE"

type Config struct {
	StorageDir string `mapstructure:"storage_dir" validate:"required"`

	RPC     RPCConfig     `mapstructure:"rpc"`
	Network NetworkConfig `mapstructure:"network"`
	Fuse    FuseConfig    `mapstructure:"fuse"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// StreamChunkSize is a human-friendly size such as "64KiB".
	StreamChunkSize string `mapstructure:"stream_chunk_size" validate:"required"`
	StreamBuffer    int    `mapstructure:"stream_buffer" validate:"gt=0,lte=4096"`

	// ChunkSize is StreamChunkSize in bytes, filled in by Load.
	ChunkSize int `mapstructure:"-"`
}

type RPCConfig struct {
	// Address is host:port, or unix:///path for a socket.
	Address     string `mapstructure:"address" validate:"required"`
	TokenFile   string `mapstructure:"token_file" validate:"required"`
	RequireAuth bool   `mapstructure:"require_auth"`
}

type NetworkConfig struct {
	// NoAnnounce joins every swarm in lookup-only mode.
	NoAnnounce bool `mapstructure:"no_announce"`
}

type FuseConfig struct {
	AllowOther bool `mapstructure:"allow_other"`
	Debug      bool `mapstructure:"debug"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

type MetricsConfig struct {
	// Address serves /metrics and the health probes. Empty disables it.
	Address string `mapstructure:"address" validate:"omitempty,hostname_port"`
}

var validate = validator.New()

// Load reads configPath, or config.yaml in the config directory when
// configPath is empty. A missing default file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(GetConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.StorageDir = expandPath(cfg.StorageDir)
	cfg.RPC.TokenFile = expandPath(cfg.RPC.TokenFile)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in configuration: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	dir := GetConfigDir()
	v.SetDefault("storage_dir", filepath.Join(dir, "storage"))
	v.SetDefault("rpc.address", "127.0.0.1:7411")
	v.SetDefault("rpc.token_file", filepath.Join(dir, "token"))
	v.SetDefault("rpc.require_auth", true)
	v.SetDefault("network.no_announce", false)
	v.SetDefault("fuse.allow_other", false)
	v.SetDefault("fuse.debug", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.address", "")
	v.SetDefault("stream_chunk_size", "64KiB")
	v.SetDefault("stream_buffer", 16)
}

// Validate checks struct tags, then parses the chunk size.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	size, err := utils.ParseDataSize(c.StreamChunkSize)
	if err != nil {
		return fmt.Errorf("invalid stream_chunk_size: %w", err)
	}
	if size <= 0 || size > 16*utils.MiB {
		return fmt.Errorf("stream_chunk_size must be between 1B and 16MiB, got %s", utils.FormatDataSize(uint64(size)))
	}
	c.ChunkSize = int(size)
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

// GetConfigDir returns the swarmdrive configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("SWARMDRIVE_CONFIG_DIR"); dir != "" {
		return dir
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "swarmdrive")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarmdrive"
	}
	return filepath.Join(home, ".swarmdrive")
}

// expandPath expands a leading ~ to the user's home directory
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
