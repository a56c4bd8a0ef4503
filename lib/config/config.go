// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable read by Load.
const EnvVar = "UPLINK_CONFIG"

// Config is the full client configuration.
type Config struct {
	// UserAgent is sent on every request and on the stream handshake.
	// Empty means the binary's default.
	UserAgent string `yaml:"user_agent"`

	Endpoints EndpointsConfig `yaml:"endpoints"`
	Connect   ConnectConfig   `yaml:"connect"`
	Bundler   BundlerConfig   `yaml:"bundler"`
	Calls     CallsConfig     `yaml:"calls"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Failover  FailoverConfig  `yaml:"failover"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// EndpointsConfig holds the two servers a client may use.
type EndpointsConfig struct {
	Primary EndpointConfig `yaml:"primary"`

	// Failover is optional. Without it, a failover switch degrades to
	// a retry against the primary.
	Failover *EndpointConfig `yaml:"failover,omitempty"`
}

// EndpointConfig describes one server.
type EndpointConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Instance string `yaml:"instance"`
	TLS      bool   `yaml:"tls"`

	// Username enables basic authentication. The password is read
	// from PasswordFile ("-" for stdin) and never stored here.
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"password_file"`
}

// Instance policies.
const (
	InstanceFallback = "fallback"
	InstanceStrict   = "strict"
)

// ConnectConfig is the retry budget for establishing a connection.
type ConnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`

	// BackoffMultiplier scales the delay after each failed attempt.
	// 1 keeps the delay fixed.
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`

	// InstancePolicy decides what happens when the configured instance
	// is not served: "fallback" uses the first listed instance,
	// "strict" fails the connect.
	InstancePolicy string `yaml:"instance_policy"`

	// HandshakeTimeout bounds each stream handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// BundlerConfig is the cadence of outgoing control message batches.
type BundlerConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
}

// CallsConfig is the cadence of the pending call sweep.
type CallsConfig struct {
	SweepInitialDelay time.Duration `yaml:"sweep_initial_delay"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// FanoutConfig sizes per-listener delivery queues.
type FanoutConfig struct {
	MailboxSize int `yaml:"mailbox_size"`
}

// Failover policies.
const (
	FailoverPrompt  = "prompt"
	FailoverSwitch  = "switch"
	FailoverRetry   = "retry"
	FailoverDecline = "decline"
)

// FailoverConfig selects how a dropped connection is handled.
type FailoverConfig struct {
	Policy string `yaml:"policy"`

	// InitialMode is "primary" or "failover".
	InitialMode string `yaml:"initial_mode"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is a host:port for /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns a Config with every timing value set. Endpoints are
// left empty; a configuration file must name at least the primary.
func Default() *Config {
	return &Config{
		Connect: ConnectConfig{
			MaxAttempts:       10,
			RetryDelay:        5 * time.Second,
			BackoffMultiplier: 1,
			MaxRetryDelay:     30 * time.Second,
			InstancePolicy:    InstanceFallback,
			HandshakeTimeout:  10 * time.Second,
		},
		Bundler: BundlerConfig{
			InitialDelay: 200 * time.Millisecond,
			Interval:     400 * time.Millisecond,
		},
		Calls: CallsConfig{
			SweepInitialDelay: 2 * time.Second,
			SweepInterval:     time.Second,
		},
		Fanout: FanoutConfig{
			MailboxSize: 1024,
		},
		Failover: FailoverConfig{
			Policy:      FailoverPrompt,
			InitialMode: "primary",
		},
	}
}

// Load loads the file named by UPLINK_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your uplink.yaml, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads path over Default, expands path variables, and
// validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) expandVariables(configDir string) {
	vars := map[string]string{
		"CONFIG_DIR": configDir,
		"HOME":       os.Getenv("HOME"),
	}
	c.Endpoints.Primary.PasswordFile = expandVars(c.Endpoints.Primary.PasswordFile, vars)
	if c.Endpoints.Failover != nil {
		c.Endpoints.Failover.PasswordFile = expandVars(c.Endpoints.Failover.PasswordFile, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. Names in vars take
// precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value := vars[name]; value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.Endpoints.Primary.validate("endpoints.primary")...)
	if c.Endpoints.Failover != nil {
		errs = append(errs, c.Endpoints.Failover.validate("endpoints.failover")...)
	}

	if c.Connect.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("connect.max_attempts must be at least 1, got %d", c.Connect.MaxAttempts))
	}
	if c.Connect.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("connect.retry_delay must not be negative"))
	}
	if c.Connect.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("connect.backoff_multiplier must be >= 1, got %g", c.Connect.BackoffMultiplier))
	}
	if c.Connect.MaxRetryDelay < c.Connect.RetryDelay {
		errs = append(errs, fmt.Errorf("connect.max_retry_delay (%v) is shorter than connect.retry_delay (%v)",
			c.Connect.MaxRetryDelay, c.Connect.RetryDelay))
	}
	if !oneOf(c.Connect.InstancePolicy, InstanceFallback, InstanceStrict) {
		errs = append(errs, fmt.Errorf("connect.instance_policy must be %q or %q, got %q",
			InstanceFallback, InstanceStrict, c.Connect.InstancePolicy))
	}

	if c.Bundler.Interval <= 0 {
		errs = append(errs, fmt.Errorf("bundler.interval must be positive"))
	}
	if c.Bundler.InitialDelay < 0 {
		errs = append(errs, fmt.Errorf("bundler.initial_delay must not be negative"))
	}
	if c.Calls.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("calls.sweep_interval must be positive"))
	}
	if c.Calls.SweepInitialDelay < 0 {
		errs = append(errs, fmt.Errorf("calls.sweep_initial_delay must not be negative"))
	}
	if c.Fanout.MailboxSize < 1 {
		errs = append(errs, fmt.Errorf("fanout.mailbox_size must be at least 1"))
	}

	if !oneOf(c.Failover.Policy, FailoverPrompt, FailoverSwitch, FailoverRetry, FailoverDecline) {
		errs = append(errs, fmt.Errorf("failover.policy must be one of prompt, switch, retry, decline; got %q", c.Failover.Policy))
	}
	if !oneOf(c.Failover.InitialMode, "primary", "failover") {
		errs = append(errs, fmt.Errorf("failover.initial_mode must be primary or failover, got %q", c.Failover.InitialMode))
	}
	if c.Failover.InitialMode == "failover" && c.Endpoints.Failover == nil {
		errs = append(errs, fmt.Errorf("failover.initial_mode is failover but endpoints.failover is not set"))
	}

	return errors.Join(errs...)
}

func (e *EndpointConfig) validate(prefix string) []error {
	var errs []error
	if e.Host == "" {
		errs = append(errs, fmt.Errorf("%s.host is required", prefix))
	}
	if e.Port < 1 || e.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s.port must be in 1..65535, got %d", prefix, e.Port))
	}
	if e.PasswordFile != "" && e.Username == "" {
		errs = append(errs, fmt.Errorf("%s.password_file is set without %s.username", prefix, prefix))
	}
	return errs
}

func oneOf(value string, allowed ...string) bool {
	for _, candidate := range allowed {
		if value == candidate {
			return true
		}
	}
	return false
}
