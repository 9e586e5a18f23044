package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix  = "TUNEBUZZ_"
	envConfig  = "TUNEBUZZ_CONFIG"
	defaultEnv = ".env"
)

// LoadOption adjusts where Load reads from.
type LoadOption func(*loadOptions)

type loadOptions struct {
	dotEnv     string
	configFile string
}

// WithDotEnv reads the given .env file before environment variables are
// consulted. A missing file is not an error.
func WithDotEnv(path string) LoadOption {
	return func(o *loadOptions) { o.dotEnv = path }
}

// WithConfigFile reads YAML from path, taking precedence over TUNEBUZZ_CONFIG.
func WithConfigFile(path string) LoadOption {
	return func(o *loadOptions) { o.configFile = path }
}

// LoadDotEnv loads variables from a .env file if present. Variables already
// set in the environment win.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// Load builds a Config by layering, low to high precedence:
//  1. defaults (New)
//  2. .env file (default ".env", via godotenv)
//  3. YAML file from WithConfigFile or TUNEBUZZ_CONFIG
//  4. TUNEBUZZ_* environment variables
func Load(_ context.Context, opts ...LoadOption) (*Config, error) {
	o := loadOptions{dotEnv: defaultEnv}
	for _, opt := range opts {
		opt(&o)
	}

	if err := LoadDotEnv(o.dotEnv); err != nil {
		return nil, fmt.Errorf("%w: dotenv %s: %w", ErrLoadConfig, o.dotEnv, err)
	}

	k := koanf.New(".")

	path := o.configFile
	if path == "" {
		path = os.Getenv(envConfig)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// TUNEBUZZ_STORE_BACKEND -> store_backend; keys stay flat to match the koanf tags.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *New()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
