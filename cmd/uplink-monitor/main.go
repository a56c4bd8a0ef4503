// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/failover"
	"github.com/groundlink/uplink/lib/config"
	"github.com/groundlink/uplink/lib/version"
	"github.com/groundlink/uplink/session"
	"github.com/groundlink/uplink/transport"
)

const programName = "uplink-monitor"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath     string
	mode           string
	subscribe      []string
	get            []string
	failoverPolicy string
	metricsListen  string
	logLevel       string
	showVersion    bool
}

func parseFlags(args []string) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet(programName, pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to the configuration file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&opts.mode, "mode", "", "server to connect to first: primary or failover")
	flagSet.StringArrayVar(&opts.subscribe, "subscribe", nil, "stream channel to follow (repeatable; default: every channel)")
	flagSet.StringArrayVar(&opts.get, "get", nil, "API path to fetch and print after each connect (repeatable)")
	flagSet.StringVar(&opts.failoverPolicy, "failover-policy", "", "override failover.policy: prompt, switch, retry, or decline")
	flagSet.StringVar(&opts.metricsListen, "metrics-listen", "", "override metrics.listen, e.g. 127.0.0.1:9464")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	return &opts, nil
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if opts.mode != "" {
		cfg.Failover.InitialMode = opts.mode
	}
	if opts.failoverPolicy != "" {
		cfg.Failover.Policy = opts.failoverPolicy
	}
	if opts.metricsListen != "" {
		cfg.Metrics.Listen = opts.metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Printf("%s %s\n", programName, version.Info())
		return nil
	}

	logger, err := newLogger(os.Stderr, opts.logLevel, term.IsTerminal(int(os.Stderr.Fd())))
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	pair, err := endpointsFromConfig(cfg)
	if err != nil {
		return err
	}
	defer pair.Close()
	mode, err := endpoint.ParseMode(cfg.Failover.InitialMode)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dialer := transport.NewDialer(transport.Options{
		HandshakeTimeout: cfg.Connect.HandshakeTimeout,
		UserAgent:        userAgent(cfg),
		Logger:           logger,
	})
	supervisor, err := session.New(sessionConfig(cfg, dialer, logger, session.NewMetrics(registry)))
	if err != nil {
		return err
	}
	defer supervisor.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	notifier := failover.LogNotifier(logger)
	if interactive {
		notifier = newTerminalNotifier(os.Stdout)
	}
	coordinator, err := failover.New(failover.Config{
		Supervisor:  supervisor,
		Endpoints:   pair,
		Policy:      policyFor(cfg.Failover.Policy, interactive, os.Stdin, os.Stdout),
		Notifier:    notifier,
		InitialMode: mode,
		Logger:      logger,
		Metrics:     failover.NewMetrics(registry),
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := newMonitor(ctx, supervisor, os.Stdout, logger, opts.subscribe, opts.get)
	if err := monitor.attach(); err != nil {
		return err
	}
	defer monitor.close()

	group, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		group.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Listen, registry, logger)
		})
	}
	group.Go(func() error {
		logger.Info("monitor starting",
			"version", version.Info(),
			"mode", mode.String(),
			"endpoint", pair.For(mode).String(),
			"failover_policy", cfg.Failover.Policy,
		)
		coordinator.Connect()
		<-ctx.Done()
		logger.Info("monitor stopping")
		return nil
	})
	return group.Wait()
}

func userAgent(cfg *config.Config) string {
	if cfg.UserAgent != "" {
		return cfg.UserAgent
	}
	return version.UserAgent(programName)
}
