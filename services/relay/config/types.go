// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the relay configuration.
//
// Configuration comes from three layers, later layers winning: built-in
// defaults, an optional yaml file, and environment variables (RELAY_PORT,
// RELAY_ADMIN_API_KEYS, RELAY_ML_API_KEY, ...). The merged result is checked
// with go-playground/validator before anything starts. Runtime-tunable policy
// settings live in a separate overlay file owned by services/relay/policy,
// not here; this package describes boot-time shape only.
package config

import (
	"strings"
	"time"
)

// Config is the full relay configuration tree.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Store    StoreConfig    `yaml:"store"`
	Keys     KeysConfig     `yaml:"keys"`
	ML       MLConfig       `yaml:"ml"`
	Policy   PolicyConfig   `yaml:"policy"`
	Audit    AuditConfig    `yaml:"audit"`
	Approval ApprovalConfig `yaml:"approval"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig holds the HTTP listener and credential settings.
type ServerConfig struct {
	// Port the gin server listens on.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// AdminAPIKeys is a comma-separated credential set for /admin routes.
	// Empty disables the admin surface (fail closed, 503).
	AdminAPIKeys string `yaml:"admin_api_keys"`

	// MLAPIKey is a comma-separated credential set for POST /ml/score.
	// Empty disables the endpoint (fail closed, 503).
	MLAPIKey string `yaml:"ml_api_key"`

	// AllowedOrigins is the CORS allowlist.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AdminKeys splits AdminAPIKeys into trimmed non-empty entries.
func (s ServerConfig) AdminKeys() []string {
	return splitKeys(s.AdminAPIKeys)
}

// MLKeys splits MLAPIKey into trimmed non-empty entries.
func (s ServerConfig) MLKeys() []string {
	return splitKeys(s.MLAPIKey)
}

func splitKeys(raw string) []string {
	keys := []string{}
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// LoggingConfig selects output level and destinations for pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// StoreConfig tunes the ephemeral store and its sweeper.
type StoreConfig struct {
	WipePasses             int  `yaml:"wipe_passes" validate:"min=1,max=16"`
	CleanupIntervalSeconds int  `yaml:"cleanup_interval_seconds" validate:"min=1"`
	MemoryProtection       bool `yaml:"memory_protection"`
}

// CleanupInterval returns the sweeper period as a Duration.
func (s StoreConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

// KeysConfig tunes the hybrid key manager.
type KeysConfig struct {
	RotationIntervalSeconds int  `yaml:"rotation_interval_seconds" validate:"min=1"`
	EnablePQC               bool `yaml:"enable_pqc"`
}

// RotationInterval returns the keypair rotation period as a Duration.
func (k KeysConfig) RotationInterval() time.Duration {
	return time.Duration(k.RotationIntervalSeconds) * time.Second
}

// ML engine selection values.
const (
	MLEngineSingle   = "single"
	MLEngineEnsemble = "ensemble"
	MLEngineDisabled = "disabled"
)

// MLConfig tunes the anomaly scorer or consensus ensemble.
type MLConfig struct {
	// Engine picks the risk model: single (isolation forest), ensemble
	// (three-view consensus), or disabled (heuristic-free relay; /send
	// scores a flat 50).
	Engine string `yaml:"engine" validate:"oneof=single ensemble disabled"`

	MinTrainSamples        int     `yaml:"min_train_samples" validate:"min=1"`
	MaxBuffer              int     `yaml:"max_buffer" validate:"min=1"`
	Contamination          float64 `yaml:"contamination" validate:"gt=0,lt=0.5"`
	Seed                   int64   `yaml:"seed"`
	RetrainIntervalSeconds int     `yaml:"retrain_interval_seconds" validate:"min=1"`

	// ModelPath persists the trained model snapshot. Empty disables
	// persistence.
	ModelPath string `yaml:"model_path"`

	// MirrorPath appends every observation as JSONL. Empty disables the
	// mirror.
	MirrorPath string `yaml:"mirror_path"`
}

// RetrainInterval returns the background retrain period as a Duration.
func (m MLConfig) RetrainInterval() time.Duration {
	return time.Duration(m.RetrainIntervalSeconds) * time.Second
}

// PolicyConfig holds the boot-time policy engine settings. The overlay file
// can change thresholds, shadow mode, and the canary fraction at runtime.
type PolicyConfig struct {
	AllowThreshold  int     `yaml:"allow_threshold" validate:"min=0,max=100"`
	ReauthThreshold int     `yaml:"reauth_threshold" validate:"min=0,ltefield=AllowThreshold"`
	ShadowMode      bool    `yaml:"shadow_mode"`
	CanaryFraction  float64 `yaml:"canary_fraction" validate:"min=0,max=1"`

	ExceptionQuota       int `yaml:"exception_quota" validate:"min=1"`
	ExceptionWindowHours int `yaml:"exception_window_hours" validate:"min=1"`

	OverlayPath   string `yaml:"overlay_path"`
	ShadowLogPath string `yaml:"shadow_log_path"`
}

// ExceptionWindow returns the sliding quota window as a Duration.
func (p PolicyConfig) ExceptionWindow() time.Duration {
	return time.Duration(p.ExceptionWindowHours) * time.Hour
}

// AuditConfig names the two audit trails: policy decisions (served by
// /admin/audit/read) and storage lifecycle events (verified by
// /admin/forensic/audit-integrity).
type AuditConfig struct {
	PolicyLogPath   string `yaml:"policy_log_path" validate:"required"`
	ForensicLogPath string `yaml:"forensic_log_path" validate:"required"`
	MaxSizeBytes    int64  `yaml:"max_size_bytes" validate:"min=1024"`
	RotationCount   int    `yaml:"rotation_count" validate:"min=1"`
	TamperDetection bool   `yaml:"tamper_detection"`
}

// ApprovalConfig places the BadgerDB backing the approval ledger.
type ApprovalConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// TracingConfig enables OTLP trace export.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// DefaultConfig returns the built-in settings: a local development relay with
// everything on except tracing, credentials unset (admin and /ml/score fail
// closed until keys are configured).
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Store: StoreConfig{
			WipePasses:             3,
			CleanupIntervalSeconds: 5,
			MemoryProtection:       true,
		},
		Keys: KeysConfig{
			RotationIntervalSeconds: 3600,
			EnablePQC:               true,
		},
		ML: MLConfig{
			Engine:                 MLEngineSingle,
			MinTrainSamples:        200,
			MaxBuffer:              10000,
			Contamination:          0.02,
			Seed:                   42,
			RetrainIntervalSeconds: 30,
			ModelPath:              "data/ml/model.json",
		},
		Policy: PolicyConfig{
			AllowThreshold:       70,
			ReauthThreshold:      40,
			CanaryFraction:       1.0,
			ExceptionQuota:       3,
			ExceptionWindowHours: 24,
			OverlayPath:          "data/policy_overlay.yaml",
			ShadowLogPath:        "logs/shadow_decisions.jsonl",
		},
		Audit: AuditConfig{
			PolicyLogPath:   "logs/policy_audit.log",
			ForensicLogPath: "logs/forensic_audit.log",
			MaxSizeBytes:    10 << 20,
			RotationCount:   5,
			TamperDetection: true,
		},
		Approval: ApprovalConfig{
			Path: "data/approvals",
		},
		Tracing: TracingConfig{
			ServiceName: "relay-service",
		},
	}
}
