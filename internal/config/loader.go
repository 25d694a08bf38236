package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Interpret
	if cfg.Interpret.Endpoint == "" {
		errs = append(errs, errors.New("interpret.endpoint is required"))
	}
	if len(cfg.Interpret.TargetLanguages) == 0 {
		errs = append(errs, errors.New("interpret.target_languages must list at least one language"))
	}
	seen := make(map[string]int, len(cfg.Interpret.TargetLanguages))
	for i, lang := range cfg.Interpret.TargetLanguages {
		if lang == "" {
			errs = append(errs, fmt.Errorf("interpret.target_languages[%d] is empty", i))
			continue
		}
		if prev, dup := seen[lang]; dup {
			errs = append(errs, fmt.Errorf("interpret.target_languages[%d] %q is a duplicate of [%d]", i, lang, prev))
		}
		seen[lang] = i
	}
	if cfg.Interpret.ConnectTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("interpret.connect_timeout_seconds %d must not be negative", cfg.Interpret.ConnectTimeoutSeconds))
	}
	if cfg.Interpret.SourceLanguage == "" {
		slog.Warn("interpret.source_language is empty; the recognition service will auto-detect")
	}

	// Token
	if cfg.Token.APIKey == "" {
		errs = append(errs, errors.New("token.api_key is required"))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required"))
	}

	return errors.Join(errs...)
}
