// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads orchestrator configuration from embedded defaults,
// an optional operator-supplied YAML file, and HEARTBEAT_* environment
// variables, in that order of precedence (later wins).
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// =============================================================================
// Configuration Types
// =============================================================================

// PipelineConfig bounds the whole query pipeline.
type PipelineConfig struct {
	// OverallDeadlineMS bounds one query end to end. Breaching it triggers
	// best-effort synthesis from whatever completed, marked partial.
	OverallDeadlineMS int `yaml:"overall_deadline_ms" validate:"gt=0"`

	// MaxConcurrentTools caps parallel invocations within one plan.
	MaxConcurrentTools int `yaml:"max_concurrent_tools" validate:"gt=0"`

	// RetryCount is the maximum number of retries for transient tool
	// failures. Validation and permission failures are never retried.
	RetryCount int `yaml:"retry_count" validate:"gte=0"`

	// RetryBackoffMS is the initial backoff between retries; each retry
	// doubles it.
	RetryBackoffMS int `yaml:"retry_backoff_ms" validate:"gt=0"`

	// ClarificationThreshold is the minimum classifier confidence below
	// which the pipeline returns ranked candidate interpretations instead
	// of guessing. Deliberately configurable: the right value is a product
	// decision.
	ClarificationThreshold float64 `yaml:"clarification_threshold" validate:"gt=0,lt=1"`

	// HistoryWindow bounds how many prior conversation turns the
	// classifier may see.
	HistoryWindow int `yaml:"history_window" validate:"gt=0"`

	// RequiredToolsPerCategory marks tools whose failure aborts the query,
	// keyed by intent category.
	RequiredToolsPerCategory map[string][]string `yaml:"required_tools_per_category"`
}

// OverallDeadline returns the per-query deadline as a Duration.
func (p PipelineConfig) OverallDeadline() time.Duration {
	return time.Duration(p.OverallDeadlineMS) * time.Millisecond
}

// RetryBackoff returns the initial retry backoff as a Duration.
func (p PipelineConfig) RetryBackoff() time.Duration {
	return time.Duration(p.RetryBackoffMS) * time.Millisecond
}

// KnowledgeToolConfig configures the knowledge retriever tool.
type KnowledgeToolConfig struct {
	TimeoutMS       int     `yaml:"timeout_ms" validate:"gt=0"`
	TopK            int     `yaml:"top_k" validate:"gt=0,lte=20"`
	ScoreThreshold  float64 `yaml:"score_threshold" validate:"gte=0,lte=1"`
	ClassName       string  `yaml:"class_name" validate:"required"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" validate:"gt=0"`
}

// Timeout returns the per-invocation timeout as a Duration.
func (k KnowledgeToolConfig) Timeout() time.Duration {
	return time.Duration(k.TimeoutMS) * time.Millisecond
}

// MetricsToolConfig configures the structured query engine tool.
type MetricsToolConfig struct {
	TimeoutMS       int     `yaml:"timeout_ms" validate:"gt=0"`
	MaxRowsPerQuery int     `yaml:"max_rows_per_query" validate:"gt=0"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" validate:"gt=0"`
}

// Timeout returns the per-invocation timeout as a Duration.
func (m MetricsToolConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

// ToolsConfig groups per-tool settings.
type ToolsConfig struct {
	Knowledge KnowledgeToolConfig `yaml:"knowledge"`
	Metrics   MetricsToolConfig   `yaml:"metrics"`
}

// CacheConfig configures the fingerprint cache.
type CacheConfig struct {
	// TTLSeconds is the lifetime of one cache entry.
	TTLSeconds int `yaml:"ttl_seconds" validate:"gt=0"`

	// Dir is the BadgerDB directory. Empty selects in-memory mode.
	Dir string `yaml:"dir"`
}

// TTL returns the entry lifetime as a Duration.
func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// WeaviateConfig locates the knowledge index.
type WeaviateConfig struct {
	Host   string `yaml:"host" validate:"required"`
	Scheme string `yaml:"scheme" validate:"oneof=http https"`
}

// DataConfig locates the tabular store produced by the external data
// pipeline. The orchestrator treats it as read-only.
type DataConfig struct {
	ParquetDir string `yaml:"parquet_dir" validate:"required"`
}

// ConversationConfig bounds per-conversation history retention.
type ConversationConfig struct {
	MaxTurns   int `yaml:"max_turns" validate:"gt=0"`
	TTLMinutes int `yaml:"ttl_minutes" validate:"gt=0"`
}

// TTL returns the conversation lifetime as a Duration.
func (c ConversationConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// SessionConfig bounds auth session validity.
type SessionConfig struct {
	TimeoutMinutes int `yaml:"timeout_minutes" validate:"gt=0"`
}

// Timeout returns the session lifetime as a Duration.
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// Config is the root orchestrator configuration.
type Config struct {
	ListenAddr   string             `yaml:"listen_addr" validate:"required"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Tools        ToolsConfig        `yaml:"tools"`
	Cache        CacheConfig        `yaml:"cache"`
	Weaviate     WeaviateConfig     `yaml:"weaviate"`
	Data         DataConfig         `yaml:"data"`
	Conversation ConversationConfig `yaml:"conversation"`
	Sessions     SessionConfig      `yaml:"sessions"`
}

// =============================================================================
// Loading
// =============================================================================

// Load builds a Config from embedded defaults, then the optional YAML file
// at path (ignored when empty), then HEARTBEAT_* environment variables.
//
// Outputs:
//
//	*Config - The validated configuration. Nil on error.
//	error   - Non-nil on parse or validation failure.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies the small set of deployment-varying knobs that
// operators set per environment. Everything else comes from the YAML layer.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEARTBEAT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("HEARTBEAT_WEAVIATE_HOST"); v != "" {
		cfg.Weaviate.Host = v
	}
	if v := os.Getenv("HEARTBEAT_WEAVIATE_SCHEME"); v != "" {
		cfg.Weaviate.Scheme = v
	}
	if v := os.Getenv("HEARTBEAT_PARQUET_DIR"); v != "" {
		cfg.Data.ParquetDir = v
	}
	if v := os.Getenv("HEARTBEAT_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("HEARTBEAT_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.TTLSeconds = n
		}
	}
	if v := os.Getenv("HEARTBEAT_OVERALL_DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.OverallDeadlineMS = n
		}
	}
}
