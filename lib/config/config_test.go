// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultTimings(t *testing.T) {
	cfg := Default()
	if cfg.Connect.MaxAttempts != 10 || cfg.Connect.RetryDelay != 5*time.Second {
		t.Errorf("connect defaults = %+v", cfg.Connect)
	}
	if cfg.Bundler.InitialDelay != 200*time.Millisecond || cfg.Bundler.Interval != 400*time.Millisecond {
		t.Errorf("bundler defaults = %+v", cfg.Bundler)
	}
	if cfg.Calls.SweepInitialDelay != 2*time.Second || cfg.Calls.SweepInterval != time.Second {
		t.Errorf("calls defaults = %+v", cfg.Calls)
	}
	if cfg.Connect.InstancePolicy != InstanceFallback {
		t.Errorf("instance policy = %q, want fallback", cfg.Connect.InstancePolicy)
	}
}

func TestLoadFileYAML(t *testing.T) {
	t.Setenv("UPLINK_SECRETS", "/run/uplink")
	path := writeConfig(t, "uplink.yaml", `
user_agent: console/2.1
endpoints:
  primary:
    name: Ops
    host: sim.example
    port: 8090
    instance: sim
    username: operator
    password_file: ${UPLINK_SECRETS}/primary
  failover:
    host: backup.example
    port: 8090
    password_file: ${CONFIG_DIR}/unused
    username: operator
connect:
  max_attempts: 3
  retry_delay: 250ms
bundler:
  interval: 100ms
failover:
  policy: switch
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.UserAgent != "console/2.1" {
		t.Errorf("UserAgent = %q", cfg.UserAgent)
	}
	primary := cfg.Endpoints.Primary
	if primary.Host != "sim.example" || primary.Port != 8090 || primary.Instance != "sim" {
		t.Errorf("primary = %+v", primary)
	}
	if primary.PasswordFile != "/run/uplink/primary" {
		t.Errorf("password_file = %q, want expanded env var", primary.PasswordFile)
	}
	if cfg.Endpoints.Failover == nil {
		t.Fatal("failover endpoint missing")
	}
	if want := filepath.Join(filepath.Dir(path), "unused"); cfg.Endpoints.Failover.PasswordFile != want {
		t.Errorf("failover password_file = %q, want %q", cfg.Endpoints.Failover.PasswordFile, want)
	}
	if cfg.Connect.MaxAttempts != 3 || cfg.Connect.RetryDelay != 250*time.Millisecond {
		t.Errorf("connect = %+v", cfg.Connect)
	}
	// Values absent from the file keep their defaults.
	if cfg.Bundler.InitialDelay != 200*time.Millisecond || cfg.Bundler.Interval != 100*time.Millisecond {
		t.Errorf("bundler = %+v", cfg.Bundler)
	}
	if cfg.Failover.Policy != FailoverSwitch {
		t.Errorf("failover policy = %q", cfg.Failover.Policy)
	}
}

func TestLoadFileJSONC(t *testing.T) {
	path := writeConfig(t, "uplink.jsonc", `{
  // the only server
  "endpoints": {"primary": {"host": "localhost", "port": 8090}},
  "connect": {"retry_delay": "1s"}, /* trailing comma next */
}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Endpoints.Primary.Host != "localhost" || cfg.Connect.RetryDelay != time.Second {
		t.Fatalf("loaded %+v", cfg)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv(EnvVar, "")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), EnvVar) {
		t.Fatalf("Load error = %v, want mention of %s", err, EnvVar)
	}
}

func TestLoadUsesEnvVar(t *testing.T) {
	path := writeConfig(t, "uplink.yaml", "endpoints:\n  primary: {host: h, port: 1}\n")
	t.Setenv(EnvVar, path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Endpoints.Primary.Host != "h" {
		t.Fatalf("host = %q", cfg.Endpoints.Primary.Host)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Connect.MaxAttempts = 0
	cfg.Connect.InstancePolicy = "guess"
	cfg.Failover.Policy = "maybe"
	cfg.Failover.InitialMode = "failover"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"endpoints.primary.host is required",
		"endpoints.primary.port",
		"connect.max_attempts",
		"connect.instance_policy",
		"failover.policy",
		"endpoints.failover is not set",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidatePasswordWithoutUser(t *testing.T) {
	cfg := Default()
	cfg.Endpoints.Primary = EndpointConfig{Host: "h", Port: 80, PasswordFile: "/p"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "without endpoints.primary.username") {
		t.Fatalf("Validate = %v", err)
	}
}

func TestExpandVarsDefault(t *testing.T) {
	t.Setenv("UPLINK_UNSET_FOR_TEST", "")
	got := expandVars("${UPLINK_UNSET_FOR_TEST:-/etc/uplink}/pw", nil)
	if got != "/etc/uplink/pw" {
		t.Fatalf("expandVars = %q", got)
	}
}
