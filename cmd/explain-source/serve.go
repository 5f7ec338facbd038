// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/ngocp-0847/explain-source/lib/agentdriver"
	"github.com/ngocp-0847/explain-source/lib/analysis"
	"github.com/ngocp-0847/explain-source/lib/broadcast"
	"github.com/ngocp-0847/explain-source/lib/clock"
	"github.com/ngocp-0847/explain-source/lib/config"
	"github.com/ngocp-0847/explain-source/lib/httpapi"
	"github.com/ngocp-0847/explain-source/lib/plan"
	"github.com/ngocp-0847/explain-source/lib/process"
	analysisschema "github.com/ngocp-0847/explain-source/lib/schema/analysis"
	"github.com/ngocp-0847/explain-source/lib/store"
	"github.com/ngocp-0847/explain-source/lib/version"
)

// loadConfig parses args into a validated Config. extra registers
// command-specific flags before parsing.
func loadConfig(name string, args []string, lookupEnv func(string) (string, bool), extra func(*pflag.FlagSet)) (*config.Config, error) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flags.String("config", "", "configuration file (YAML, JSON, or JSONC)")
	config.RegisterFlags(flags)
	if extra != nil {
		extra(flags)
	}
	if err := flags.Parse(args); err != nil {
		return nil, &process.UsageError{Err: err}
	}
	if flags.NArg() > 0 {
		return nil, process.Usagef("%s: unexpected arguments %q", name, flags.Args())
	}

	cfg, err := config.Load(*configPath, lookupEnv, flags)
	if err != nil {
		return nil, &process.UsageError{Err: fmt.Errorf("loading config: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &process.UsageError{Err: fmt.Errorf("invalid config: %w", err)}
	}
	return cfg, nil
}

// driverSettings maps the configured agent onto the driver's settings.
func driverSettings(agent config.AgentConfig) agentdriver.Settings {
	return agentdriver.Settings{
		Executable:       agent.Path,
		Timeout:          agent.Timeout,
		MaxRetries:       agent.MaxRetries,
		WorkingDirectory: agent.WorkingDir,
		OutputFormat:     agent.OutputFormat,
		APIKey:           agent.APIKey,
	}
}

func runServe(ctx context.Context, args []string, std streams) error {
	cfg, err := loadConfig("serve", args, os.LookupEnv, nil)
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	logger := newLogger(std.stderr, level)
	logger.Info("explain-source starting", "version", version.Full(), "agent", cfg.Agent, "database", cfg.Database)

	clk := clock.Real()
	db, err := store.Open(store.Config{Path: cfg.Database, Clock: clk, Logger: logger.With("component", "store")})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	agentConfig, err := cfg.AgentSettings(cfg.Agent)
	if err != nil {
		return err
	}
	driver, err := agentdriver.New(cfg.Agent, driverSettings(agentConfig))
	if err != nil {
		return err
	}
	runner, err := agentdriver.NewRunner(agentdriver.RunnerConfig{
		Driver: driver,
		Clock:  clk,
		Logger: logger.With("component", "agent", "agent", cfg.Agent),
	})
	if err != nil {
		return err
	}

	hub := broadcast.New[analysisschema.Message](cfg.HubCapacity)
	defer hub.Close()

	sessions, err := analysis.NewManager(analysis.Config{
		Store:  db,
		Runner: runner,
		Hub:    hub,
		Clock:  clk,
		Logger: logger.With("component", "analysis"),
	})
	if err != nil {
		return err
	}
	// No session of this process exists yet, so every running row is
	// left over from a crash.
	recovered, err := sessions.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Warn("recovered stale analysis sessions", "count", recovered)
	}

	plans, err := plan.NewEngine(plan.Config{
		Store:  db,
		Hub:    hub,
		Clock:  clk,
		Logger: logger.With("component", "plan"),
	})
	if err != nil {
		return err
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		Store:          db,
		Sessions:       sessions,
		Plans:          plans,
		Hub:            hub,
		Identifier:     &httpapi.PasswordIdentifier{Users: db, TrustHeader: cfg.TrustUserHeader},
		Clock:          clk,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger.With("component", "http"),
	})
	if err != nil {
		return err
	}
	server := httpapi.NewHTTPServer(httpapi.HTTPServerConfig{
		Address:         cfg.Listen,
		Handler:         handler.Router(),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		serveErr = <-serveDone
	case serveErr = <-serveDone:
		// The listener failed; stop sessions all the same.
	}

	// ctx is already done, so bound the session shutdown separately.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping analysis sessions", "error", err)
		serveErr = errors.Join(serveErr, err)
	}
	logger.Info("explain-source stopped")
	return serveErr
}
