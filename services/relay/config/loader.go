// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is shared across Load calls; validator instances cache struct
// metadata and are safe for concurrent use.
var validate = validator.New()

// Load builds the configuration from defaults, then the yaml file at path,
// then environment overrides, and validates the result.
//
// # Description
//
// A missing file is not an error: the relay boots on defaults plus
// environment, which is how container deployments run it. A present but
// unreadable or malformed file is an error; silently ignoring a config the
// operator wrote invites misconfiguration.
//
// # Inputs
//
//   - path: yaml file location. Empty skips the file layer entirely.
//
// # Outputs
//
//   - Config: the merged, validated configuration.
//   - error: read, parse, override parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// defaults + env only
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables onto cfg. Unset variables leave the
// current value alone.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("RELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: RELAY_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("RELAY_ADMIN_API_KEYS"); v != "" {
		cfg.Server.AdminAPIKeys = v
	}
	if v := os.Getenv("RELAY_ML_API_KEY"); v != "" {
		cfg.Server.MLAPIKey = v
	}
	if v := os.Getenv("RELAY_ALLOWED_ORIGINS"); v != "" {
		origins := []string{}
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("RELAY_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("RELAY_ML_ENGINE"); v != "" {
		cfg.ML.Engine = strings.ToLower(v)
	}
	if v := os.Getenv("RELAY_SHADOW_MODE"); v != "" {
		shadow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: RELAY_SHADOW_MODE %q: %w", v, err)
		}
		cfg.Policy.ShadowMode = shadow
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
		cfg.Tracing.Enabled = true
	}
	return nil
}
