package clinicauth

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is the environment prefix used by LoadConfigFromEnv
// when none is given: CLINICAUTH_THROTTLE_MAX_ATTEMPTS and so on.
const DefaultEnvPrefix = "CLINICAUTH"

// LoadConfigFromEnv starts from the defaults, loads a .env file when one
// exists and overlays the environment. The result is validated.
func LoadConfigFromEnv(prefix string) (Config, error) {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	_ = godotenv.Load()

	cfg := defaultConfig()
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML file over the defaults. Missing keys keep
// their default values.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfigYAML(data)
}

// ParseConfigYAML is LoadConfigFile for in-memory YAML.
func ParseConfigYAML(data []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
