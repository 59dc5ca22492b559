// Package config loads terminal client settings from a YAML file, a .env
// file and LIVECODE_* environment variables, in increasing precedence.
// Command line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvAPIURL   = "LIVECODE_API_URL"
	EnvRelayURL = "LIVECODE_RELAY_URL"
	EnvAppURL   = "LIVECODE_APP_URL"
	EnvName     = "LIVECODE_NAME"
	EnvLanguage = "LIVECODE_LANGUAGE"
	EnvLogLevel = "LIVECODE_LOG_LEVEL"
)

type Config struct {
	APIURL   string `yaml:"api_url"`
	RelayURL string `yaml:"relay_url"`
	AppURL   string `yaml:"app_url"`
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		APIURL:   "http://localhost:8080",
		RelayURL: "ws://localhost:8888",
		AppURL:   "http://localhost:3000",
		Language: "javascript",
		LogLevel: "info",
	}
}

// Load builds the config. An empty path skips the YAML file; a missing
// env file is not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := parseFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		// variables already present in the environment win
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading env file %w", err)
		}
	}
	applyEnv(&cfg)
	return &cfg, nil
}

func parseFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening file %w", err)
	}
	defer file.Close()

	if err = yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("error decoding file %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		EnvAPIURL:   &cfg.APIURL,
		EnvRelayURL: &cfg.RelayURL,
		EnvAppURL:   &cfg.AppURL,
		EnvName:     &cfg.Name,
		EnvLanguage: &cfg.Language,
		EnvLogLevel: &cfg.LogLevel,
	} {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
}
