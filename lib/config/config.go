// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production build fleets.
	Production Environment = "production"
)

// Config is the master configuration for the Strata sandbox daemon.
type Config struct {
	// Environment identifies the deployment type (development, production).
	Environment Environment `yaml:"environment"`

	// Manifest is the path to the policy manifest file (.yaml or .jsonc).
	Manifest string `yaml:"manifest"`

	// Ingress configures where raw platform events come from.
	Ingress IngressConfig `yaml:"ingress"`

	// Resolver configures path resolution.
	Resolver ResolverConfig `yaml:"resolver"`

	// Sink configures report egress.
	Sink SinkConfig `yaml:"sink"`

	// EnvironmentOverrides contains per-environment overrides, applied
	// after the base config is loaded.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Manifest string          `yaml:"manifest,omitempty"`
	Ingress  *IngressConfig  `yaml:"ingress,omitempty"`
	Resolver *ResolverConfig `yaml:"resolver,omitempty"`
	Sink     *SinkConfig     `yaml:"sink,omitempty"`
}

// IngressConfig configures the raw event source.
type IngressConfig struct {
	// SocketPath is the Unix socket where platform event sources
	// connect and stream CBOR-framed raw events.
	// Default: /run/strata/events.sock
	SocketPath string `yaml:"socket_path"`

	// QueueSize is the per-tree event queue capacity. Events within
	// one tree are processed strictly in delivery order; this bounds
	// how far the platform source can run ahead of the worker.
	// Default: 1024
	QueueSize int `yaml:"queue_size"`
}

// ResolverConfig configures path resolution.
type ResolverConfig struct {
	// ShadowPrefix is a data-partition mount prefix that mirrors the
	// filesystem root and must be stripped before policy lookup.
	// Empty disables stripping. Default on darwin-style layouts:
	// /System/Volumes/Data
	ShadowPrefix string `yaml:"shadow_prefix"`
}

// SinkConfig configures report egress.
type SinkConfig struct {
	// Backend selects the report destination: "file" or "sqlite".
	// Default: file
	Backend string `yaml:"backend"`

	// Path is the report file path (file backend) or database path
	// (sqlite backend). Default: /var/strata/reports.cbor
	Path string `yaml:"path"`

	// Compression selects the file backend's codec: "none", "zstd",
	// or "lz4". Ignored by the sqlite backend. Default: zstd
	Compression string `yaml:"compression"`

	// QueueCapacity is the bounded report queue size. Default: 4096
	QueueCapacity int `yaml:"queue_capacity"`

	// Backpressure selects what happens when the queue is full:
	// "block" (bounded wait, then count the record as lost) or
	// "drop-oldest" (evict the oldest queued record and count it).
	// Default: block
	Backpressure string `yaml:"backpressure"`

	// EnqueueTimeout bounds how long a blocked enqueue waits. The
	// intercepted process may be waiting on the verdict, so this must
	// stay small. Default: 2s
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; the config file itself is
// still required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Ingress: IngressConfig{
			SocketPath: "/run/strata/events.sock",
			QueueSize:  1024,
		},
		Sink: SinkConfig{
			Backend:        "file",
			Path:           "/var/strata/reports.cbor",
			Compression:    "zstd",
			QueueCapacity:  4096,
			Backpressure:   "block",
			EnqueueTimeout: 2 * time.Second,
		},
	}
}

// Load loads configuration from the STRATA_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// If STRATA_CONFIG is not set, this fails — there are no fallbacks.
func Load() (*Config, error) {
	configPath := os.Getenv("STRATA_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("STRATA_CONFIG environment variable not set; " +
			"set it to the path of your strata.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching the configured
// environment on top of the base values.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Manifest != "" {
		c.Manifest = overrides.Manifest
	}
	if overrides.Ingress != nil {
		if overrides.Ingress.SocketPath != "" {
			c.Ingress.SocketPath = overrides.Ingress.SocketPath
		}
		if overrides.Ingress.QueueSize > 0 {
			c.Ingress.QueueSize = overrides.Ingress.QueueSize
		}
	}
	if overrides.Resolver != nil {
		if overrides.Resolver.ShadowPrefix != "" {
			c.Resolver.ShadowPrefix = overrides.Resolver.ShadowPrefix
		}
	}
	if overrides.Sink != nil {
		if overrides.Sink.Backend != "" {
			c.Sink.Backend = overrides.Sink.Backend
		}
		if overrides.Sink.Path != "" {
			c.Sink.Path = overrides.Sink.Path
		}
		if overrides.Sink.Compression != "" {
			c.Sink.Compression = overrides.Sink.Compression
		}
		if overrides.Sink.QueueCapacity > 0 {
			c.Sink.QueueCapacity = overrides.Sink.QueueCapacity
		}
		if overrides.Sink.Backpressure != "" {
			c.Sink.Backpressure = overrides.Sink.Backpressure
		}
		if overrides.Sink.EnqueueTimeout > 0 {
			c.Sink.EnqueueTimeout = overrides.Sink.EnqueueTimeout
		}
	}
}

// validate checks enum-valued fields so a typo fails at startup, not
// at the first report.
func (c *Config) validate() error {
	switch c.Environment {
	case Development, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	switch c.Sink.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown sink backend %q (want file or sqlite)", c.Sink.Backend)
	}
	switch c.Sink.Compression {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown sink compression %q (want none, zstd, or lz4)", c.Sink.Compression)
	}
	switch c.Sink.Backpressure {
	case "block", "drop-oldest":
	default:
		return fmt.Errorf("unknown backpressure policy %q (want block or drop-oldest)", c.Sink.Backpressure)
	}
	if c.Manifest == "" {
		return fmt.Errorf("manifest path is required")
	}
	return nil
}
