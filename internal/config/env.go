package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env carries process-level settings that should not live in the tenant
// config file: where to find it, and how the process logs.
type Env struct {
	ConfigPath string `env:"WSPRISM_CONFIG" envDefault:"wsprism.yaml"`
	Listen     string `env:"WSPRISM_LISTEN"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadEnv reads .env if present, then the process environment.
func LoadEnv() (Env, error) {
	_ = godotenv.Load()

	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	switch e.LogFormat {
	case "json", "pretty":
	default:
		return Env{}, fmt.Errorf("LOG_FORMAT must be json or pretty, got %q", e.LogFormat)
	}
	return e, nil
}
