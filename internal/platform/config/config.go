// Package config holds the settings every process shares and the loader
// that fills service-specific structs from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
}

// AppConfig is embedded by every service config.
type AppConfig struct {
	ServiceName string     `yaml:"service_name" env:"SERVICE_NAME" env-default:"comments"`
	Env         string     `yaml:"env" env:"APP_ENV" env-default:"development"`
	LogLevel    string     `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	HTTP        HTTPConfig `yaml:"http"`
}

// IsProduction reports whether fallbacks to in-memory backends are forbidden.
func (c AppConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// Validate checks the shared fields.
func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("SERVICE_NAME is required")
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	return nil
}

// Read fills dst from the YAML file at path (or CONFIG_PATH when path is
// empty) and then overlays environment variables. Without a file only the
// environment and env-default tags are used.
func Read(path string, dst any) error {
	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file %q: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, dst); err != nil {
			return fmt.Errorf("read config %q: %w", path, err)
		}
	}
	if err := cleanenv.ReadEnv(dst); err != nil {
		return fmt.Errorf("read env: %w", err)
	}
	return nil
}
