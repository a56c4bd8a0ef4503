// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/failover"
	"github.com/groundlink/uplink/lib/config"
	"github.com/groundlink/uplink/lib/secret"
	"github.com/groundlink/uplink/session"
	"github.com/groundlink/uplink/transport"
)

// newLogger writes human-readable records to a terminal and JSON
// records anywhere else.
func newLogger(w io.Writer, level string, terminal bool) (*slog.Logger, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	var handler slog.Handler
	if terminal {
		handler = tint.NewHandler(w, &tint.Options{Level: parsed, TimeFormat: time.TimeOnly})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parsed})
	}
	return slog.New(handler), nil
}

func endpointFromConfig(c config.EndpointConfig) (endpoint.Config, error) {
	target := endpoint.Config{
		Name:     c.Name,
		Host:     c.Host,
		Port:     c.Port,
		Instance: c.Instance,
		TLS:      c.TLS,
	}
	if c.Username == "" {
		return target, nil
	}
	credentials := &endpoint.Credentials{Username: c.Username}
	if c.PasswordFile != "" {
		password, err := secret.ReadFile(c.PasswordFile)
		if err != nil {
			return endpoint.Config{}, fmt.Errorf("reading password for %s: %w", target, err)
		}
		credentials.Password = password
	}
	target.Credentials = credentials
	return target, nil
}

// endpointsFromConfig builds the endpoint pair, reading passwords into
// locked memory. The caller closes the pair.
func endpointsFromConfig(cfg *config.Config) (endpoint.Pair, error) {
	primary, err := endpointFromConfig(cfg.Endpoints.Primary)
	if err != nil {
		return endpoint.Pair{}, err
	}
	pair := endpoint.Pair{Primary: primary}
	if cfg.Endpoints.Failover != nil {
		backup, err := endpointFromConfig(*cfg.Endpoints.Failover)
		if err != nil {
			pair.Close()
			return endpoint.Pair{}, err
		}
		pair.Failover = &backup
	}
	return pair, nil
}

func sessionConfig(cfg *config.Config, dialer transport.Dialer, logger *slog.Logger, metrics *session.Metrics) session.Config {
	instancePolicy := session.FallbackToFirst
	if cfg.Connect.InstancePolicy == config.InstanceStrict {
		instancePolicy = session.RequireConfigured
	}
	return session.Config{
		Dialer:  dialer,
		Logger:  logger,
		Metrics: metrics,
		Retry: session.RetryPolicy{
			MaxAttempts: cfg.Connect.MaxAttempts,
			Delay:       cfg.Connect.RetryDelay,
			Multiplier:  cfg.Connect.BackoffMultiplier,
			MaxDelay:    cfg.Connect.MaxRetryDelay,
		},
		InstancePolicy:      instancePolicy,
		BundlerInitialDelay: cfg.Bundler.InitialDelay,
		BundlerInterval:     cfg.Bundler.Interval,
		SweepInitialDelay:   cfg.Calls.SweepInitialDelay,
		SweepInterval:       cfg.Calls.SweepInterval,
		MailboxSize:         cfg.Fanout.MailboxSize,
	}
}

// policyFor maps a configured policy name to a failover.Policy. The
// prompt policy needs a terminal; without one it declines.
func policyFor(name string, interactive bool, in io.Reader, out io.Writer) failover.Policy {
	switch name {
	case config.FailoverSwitch:
		return failover.AlwaysSwitch
	case config.FailoverRetry:
		return failover.AlwaysRetry
	case config.FailoverPrompt:
		if interactive {
			return newTerminalPolicy(in, out)
		}
	}
	return failover.Decline
}

// serveMetrics serves /metrics until ctx is done.
func serveMetrics(ctx context.Context, address string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "address", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
