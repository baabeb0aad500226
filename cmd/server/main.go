// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Mailki triage agent
//
// Entry point for the long-running service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Serves the review-channel webhook and the operator endpoints
//  4. Runs the sync cycle immediately and then on every poll interval
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mailki/agent/internal/api"
	"github.com/mailki/agent/internal/app"
	"github.com/mailki/agent/internal/config"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailki triage agent",
		"mailboxes", len(cfg.Mailboxes),
		"poll_interval", cfg.PollInterval,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// A missing signing secret is fatal.
	interactions, err := a.InteractionHandler()
	if err != nil {
		slog.Error("review channel not usable", "error", err)
		os.Exit(1)
	}

	// --- Phase 1: serve callbacks before posting anything for review ---
	ready, done, err := api.Serve(ctx, cfg.Port, a.API(interactions), cfg.ShutdownGrace)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Phase 2: background sync loop ---
	scheduler := a.Scheduler()
	scheduler.Start(ctx)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // stops the scheduler and the http server

	scheduler.Stop(cfg.ShutdownGrace)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer waitCancel()
	if err := interactions.Wait(waitCtx); err != nil {
		slog.Warn("in-flight review actions did not finish", "error", err)
	}
	<-done

	slog.Info("mailki triage agent stopped")
}
