package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// EnvPrefix is prepended to every environment override, e.g. DMHUB_LISTEN.
const EnvPrefix = "DMHUB_"

// Config represents <data dir>/config.toml.
type Config struct {
	Listen        string `toml:"listen" env:"LISTEN,overwrite" validate:"required"`
	MetricsListen string `toml:"metrics_listen" env:"METRICS_LISTEN,overwrite"`
	// DBPath and AdminSocket default to files inside the data directory.
	DBPath      string `toml:"db_path,omitempty" env:"DB_PATH,overwrite"`
	AdminSocket string `toml:"admin_socket,omitempty" env:"ADMIN_SOCKET,overwrite"`
	LogLevel    string `toml:"log_level" env:"LOG_LEVEL,overwrite" validate:"omitempty,oneof=debug info warn error"`

	Auth AuthConfig `toml:"auth" env:",prefix=AUTH_"`
	Hub  HubConfig  `toml:"hub" env:",prefix=HUB_"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret          string        `toml:"secret" env:"SECRET,overwrite" validate:"required,min=16"`
	Issuer          string        `toml:"issuer,omitempty" env:"ISSUER,overwrite"`
	Audience        string        `toml:"audience,omitempty" env:"AUDIENCE,overwrite"`
	Leeway          time.Duration `toml:"leeway" env:"LEEWAY,overwrite" validate:"gte=0"`
	TokenTTL        time.Duration `toml:"token_ttl" env:"TOKEN_TTL,overwrite" validate:"gt=0"`
	AllowQueryToken bool          `toml:"allow_query_token" env:"ALLOW_QUERY_TOKEN,overwrite"`
}

// HubConfig tunes per-connection behavior of the websocket hub.
type HubConfig struct {
	SendQueue      int           `toml:"send_queue" env:"SEND_QUEUE,overwrite" validate:"gt=0"`
	WriteTimeout   time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT,overwrite" validate:"gt=0"`
	HandlerTimeout time.Duration `toml:"handler_timeout" env:"HANDLER_TIMEOUT,overwrite" validate:"gt=0"`
	ReadLimit      int64         `toml:"read_limit" env:"READ_LIMIT,overwrite" validate:"gt=0"`
	OriginPatterns []string      `toml:"origin_patterns,omitempty" env:"ORIGIN_PATTERNS,overwrite"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Listen:        ":8080",
		MetricsListen: "127.0.0.1:9090",
		LogLevel:      "info",
		Auth: AuthConfig{
			Leeway:   5 * time.Second,
			TokenTTL: 24 * time.Hour,
		},
		Hub: HubConfig{
			SendQueue:      64,
			WriteTimeout:   10 * time.Second,
			HandlerTimeout: 15 * time.Second,
			ReadLimit:      64 << 10,
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the file at
// path if it exists, then DMHUB_* environment variables.
func Resolve(ctx context.Context, path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := ApplyEnv(ctx, cfg, envconfig.OsLookuper()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with prefixed variables found through l.
func ApplyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	if err := envconfig.ProcessWith(ctx, cfg, envconfig.PrefixLookuper(EnvPrefix, l)); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Validate reports the first invalid field, if any.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
