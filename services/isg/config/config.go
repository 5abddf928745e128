// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads ISG engine configuration.
//
// Values are resolved in order: built-in defaults, then a YAML (or JSON)
// file, then ISG_* environment variables, then validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/isg/services/isg/neighborhood"
	"github.com/AleutianAI/isg/services/isg/parse"
	"github.com/AleutianAI/isg/services/isg/query"
	"github.com/AleutianAI/isg/services/isg/update"
	"github.com/AleutianAI/isg/services/isg/watch"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ISG_"

// Snapshot backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendGCS    = "gcs"
)

// Config is the full engine configuration.
type Config struct {
	Index     IndexConfig     `json:"index" yaml:"index"`
	Update    UpdateConfig    `json:"update" yaml:"update"`
	Query     QueryConfig     `json:"query" yaml:"query"`
	Context   ContextConfig   `json:"context" yaml:"context"`
	Watch     WatchConfig     `json:"watch" yaml:"watch"`
	Snapshot  SnapshotConfig  `json:"snapshot" yaml:"snapshot"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// IndexConfig controls which files are indexed.
type IndexConfig struct {
	Root        string   `json:"root" yaml:"root" validate:"required"`
	IgnoreGlobs []string `json:"ignore_globs" yaml:"ignore_globs"`
	MaxFileSize int64    `json:"max_file_size" yaml:"max_file_size" validate:"gt=0"`
	Workers     int      `json:"workers" yaml:"workers" validate:"gte=1,lte=256"`
}

// UpdateConfig controls the incremental update pipeline.
type UpdateConfig struct {
	LatencyBudget    time.Duration `json:"latency_budget" yaml:"latency_budget" validate:"gt=0"`
	MaxFilesPerBatch int           `json:"max_files_per_batch" yaml:"max_files_per_batch" validate:"gte=1"`
}

// QueryConfig holds query defaults.
type QueryConfig struct {
	MaxDepth   int           `json:"max_depth" yaml:"max_depth" validate:"gte=0"`
	MaxResults int           `json:"max_results" yaml:"max_results" validate:"gte=0"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
	CacheSize  int           `json:"cache_size" yaml:"cache_size" validate:"gte=0"`
}

// ContextConfig holds bounded context defaults.
type ContextConfig struct {
	DefaultHops int `json:"default_hops" yaml:"default_hops" validate:"gte=1"`
	MaxHops     int `json:"max_hops" yaml:"max_hops" validate:"gte=1"`
}

// WatchConfig controls the file watcher.
type WatchConfig struct {
	Debounce   time.Duration `json:"debounce" yaml:"debounce" validate:"gt=0"`
	BufferSize int           `json:"buffer_size" yaml:"buffer_size" validate:"gte=1"`
}

// SnapshotConfig selects and configures the snapshot sink.
type SnapshotConfig struct {
	Backend         string `json:"backend" yaml:"backend" validate:"oneof=file badger gcs"`
	Path            string `json:"path" yaml:"path"`
	BadgerDir       string `json:"badger_dir" yaml:"badger_dir"`
	BadgerKey       string `json:"badger_key" yaml:"badger_key"`
	GCSBucket       string `json:"gcs_bucket" yaml:"gcs_bucket"`
	GCSObject       string `json:"gcs_object" yaml:"gcs_object"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
	Gzip            bool   `json:"gzip" yaml:"gzip"`
	SaveOnExit      bool   `json:"save_on_exit" yaml:"save_on_exit"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr      string  `json:"addr" yaml:"addr" validate:"required,hostname_port"`
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst" validate:"gte=0"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `json:"json" yaml:"json"`
	Dir   string `json:"dir" yaml:"dir"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name" yaml:"service_name" validate:"required"`
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// Default returns the built-in configuration.
func Default() Config {
	upd := update.DefaultConfig()
	wo := watch.DefaultOptions()
	return Config{
		Index: IndexConfig{
			Root:        ".",
			IgnoreGlobs: upd.IgnoreGlobs,
			MaxFileSize: parse.DefaultMaxFileSize,
			Workers:     upd.Workers,
		},
		Update: UpdateConfig{
			LatencyBudget:    upd.LatencyBudget,
			MaxFilesPerBatch: upd.MaxFilesPerBatch,
		},
		Query: QueryConfig{
			MaxDepth:   query.DefaultMaxDepth,
			MaxResults: query.DefaultMaxResults,
			Timeout:    query.DefaultTimeout,
			CacheSize:  query.DefaultCacheEntries,
		},
		Context: ContextConfig{
			DefaultHops: 1,
			MaxHops:     neighborhood.DefaultMaxHops,
		},
		Watch: WatchConfig{
			Debounce:   wo.Debounce,
			BufferSize: wo.BufferSize,
		},
		Snapshot: SnapshotConfig{
			Backend:   BackendFile,
			Path:      ".isg/graph.snap",
			BadgerDir: ".isg/badger",
			GCSObject: "isg/graph.snap",
			Gzip:      true,
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8088",
			RateLimit: 50,
			RateBurst: 100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "isg",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
	}
}

// Load resolves the configuration.
//
// Description:
//
//	Starts from Default, overlays path (YAML, falling back to JSON) when
//	it exists, applies ISG_* environment overrides and validates. A
//	missing file is not an error.
//
// Inputs:
//
//	path - Config file path. Empty skips the file step.
//
// Outputs:
//
//	Config - The resolved configuration.
//	error - Non-nil if the file is malformed or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, fmt.Errorf("load config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// envSetter applies one raw environment value.
type envSetter func(cfg *Config, v string) error

func envString(field func(*Config) *string) envSetter {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func envInt(field func(*Config) *int) envSetter {
	return func(cfg *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = i
		return nil
	}
}

func envInt64(field func(*Config) *int64) envSetter {
	return func(cfg *Config, v string) error {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*field(cfg) = i
		return nil
	}
}

func envFloat(field func(*Config) *float64) envSetter {
	return func(cfg *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(cfg) = f
		return nil
	}
}

func envBool(field func(*Config) *bool) envSetter {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

func envDuration(field func(*Config) *time.Duration) envSetter {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(cfg) = d
		return nil
	}
}

func envList(field func(*Config) *[]string) envSetter {
	return func(cfg *Config, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*field(cfg) = out
		return nil
	}
}

// envOverrides maps variable names (without EnvPrefix) to setters.
var envOverrides = map[string]envSetter{
	"INDEX_ROOT":          envString(func(c *Config) *string { return &c.Index.Root }),
	"INDEX_IGNORE_GLOBS":  envList(func(c *Config) *[]string { return &c.Index.IgnoreGlobs }),
	"INDEX_MAX_FILE_SIZE": envInt64(func(c *Config) *int64 { return &c.Index.MaxFileSize }),
	"INDEX_WORKERS":       envInt(func(c *Config) *int { return &c.Index.Workers }),

	"UPDATE_LATENCY_BUDGET":      envDuration(func(c *Config) *time.Duration { return &c.Update.LatencyBudget }),
	"UPDATE_MAX_FILES_PER_BATCH": envInt(func(c *Config) *int { return &c.Update.MaxFilesPerBatch }),

	"QUERY_MAX_DEPTH":   envInt(func(c *Config) *int { return &c.Query.MaxDepth }),
	"QUERY_MAX_RESULTS": envInt(func(c *Config) *int { return &c.Query.MaxResults }),
	"QUERY_TIMEOUT":     envDuration(func(c *Config) *time.Duration { return &c.Query.Timeout }),
	"QUERY_CACHE_SIZE":  envInt(func(c *Config) *int { return &c.Query.CacheSize }),

	"CONTEXT_DEFAULT_HOPS": envInt(func(c *Config) *int { return &c.Context.DefaultHops }),
	"CONTEXT_MAX_HOPS":     envInt(func(c *Config) *int { return &c.Context.MaxHops }),

	"WATCH_DEBOUNCE":    envDuration(func(c *Config) *time.Duration { return &c.Watch.Debounce }),
	"WATCH_BUFFER_SIZE": envInt(func(c *Config) *int { return &c.Watch.BufferSize }),

	"SNAPSHOT_BACKEND":          envString(func(c *Config) *string { return &c.Snapshot.Backend }),
	"SNAPSHOT_PATH":             envString(func(c *Config) *string { return &c.Snapshot.Path }),
	"SNAPSHOT_BADGER_DIR":       envString(func(c *Config) *string { return &c.Snapshot.BadgerDir }),
	"SNAPSHOT_BADGER_KEY":       envString(func(c *Config) *string { return &c.Snapshot.BadgerKey }),
	"SNAPSHOT_GCS_BUCKET":       envString(func(c *Config) *string { return &c.Snapshot.GCSBucket }),
	"SNAPSHOT_GCS_OBJECT":       envString(func(c *Config) *string { return &c.Snapshot.GCSObject }),
	"SNAPSHOT_CREDENTIALS_FILE": envString(func(c *Config) *string { return &c.Snapshot.CredentialsFile }),
	"SNAPSHOT_GZIP":             envBool(func(c *Config) *bool { return &c.Snapshot.Gzip }),
	"SNAPSHOT_SAVE_ON_EXIT":     envBool(func(c *Config) *bool { return &c.Snapshot.SaveOnExit }),

	"SERVER_ADDR":       envString(func(c *Config) *string { return &c.Server.Addr }),
	"SERVER_RATE_LIMIT": envFloat(func(c *Config) *float64 { return &c.Server.RateLimit }),
	"SERVER_RATE_BURST": envInt(func(c *Config) *int { return &c.Server.RateBurst }),

	"LOG_LEVEL": envString(func(c *Config) *string { return &c.Logging.Level }),
	"LOG_JSON":  envBool(func(c *Config) *bool { return &c.Logging.JSON }),
	"LOG_DIR":   envString(func(c *Config) *string { return &c.Logging.Dir }),

	"TELEMETRY_SERVICE_NAME":    envString(func(c *Config) *string { return &c.Telemetry.ServiceName }),
	"TELEMETRY_TRACE_EXPORTER":  envString(func(c *Config) *string { return &c.Telemetry.TraceExporter }),
	"TELEMETRY_METRIC_EXPORTER": envString(func(c *Config) *string { return &c.Telemetry.MetricExporter }),
	"TELEMETRY_OTLP_ENDPOINT":   envString(func(c *Config) *string { return &c.Telemetry.OTLPEndpoint }),
}

// loadEnv applies every set override. A malformed value is an error rather
// than being silently ignored.
func loadEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for name, set := range envOverrides {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		if err := set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, v, err))
		}
	}
	return errors.Join(errs...)
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Context.DefaultHops > c.Context.MaxHops {
		return fmt.Errorf("context.default_hops (%d) must be <= context.max_hops (%d)", c.Context.DefaultHops, c.Context.MaxHops)
	}
	switch c.Snapshot.Backend {
	case BackendFile:
		if c.Snapshot.Path == "" {
			return fmt.Errorf("snapshot.path is required for the file backend")
		}
	case BackendBadger:
		if c.Snapshot.BadgerDir == "" {
			return fmt.Errorf("snapshot.badger_dir is required for the badger backend")
		}
	case BackendGCS:
		if c.Snapshot.GCSBucket == "" || c.Snapshot.GCSObject == "" {
			return fmt.Errorf("snapshot.gcs_bucket and snapshot.gcs_object are required for the gcs backend")
		}
	}
	if c.Telemetry.TraceExporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required for the otlp trace exporter")
	}
	return nil
}

// PipelineConfig converts the index and update sections into a pipeline
// configuration.
func (c Config) PipelineConfig() update.Config {
	return update.Config{
		Workers:          c.Index.Workers,
		LatencyBudget:    c.Update.LatencyBudget,
		MaxFilesPerBatch: c.Update.MaxFilesPerBatch,
		MaxFileSize:      c.Index.MaxFileSize,
		IgnoreGlobs:      c.Index.IgnoreGlobs,
	}
}

// QueryOptions converts the query section into engine defaults.
func (c Config) QueryOptions() []query.QueryOption {
	return []query.QueryOption{
		query.WithMaxDepth(c.Query.MaxDepth),
		query.WithMaxResults(c.Query.MaxResults),
		query.WithTimeout(c.Query.Timeout),
	}
}

// WatchOptions converts the watch section into watcher options. The
// watcher shares the index ignore globs.
func (c Config) WatchOptions() watch.Options {
	return watch.Options{
		Debounce:    c.Watch.Debounce,
		BufferSize:  c.Watch.BufferSize,
		IgnoreGlobs: c.Index.IgnoreGlobs,
	}
}
