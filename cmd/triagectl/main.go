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

// Command triagectl runs triage operations against the configured store
// and mailboxes without the long-running server.
//
// Usage:
//
//	triagectl sync
//	triagectl drafts --status pending_approval
//	triagectl approve <draft-id>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mailki/agent/internal/app"
	"github.com/mailki/agent/internal/config"
)

var (
	jsonOutput bool
	reviewer   string
	triage     *app.App
)

var rootCmd = &cobra.Command{
	Use:           "triagectl",
	Short:         "triagectl - operate the mailki triage agent",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.LogLevel,
		})))

		triage, err = app.Build(cmd.Context(), cfg, app.Options{})
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if triage != nil {
			triage.Close()
		}
	},
}

func defaultReviewer() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of tables")
	rootCmd.PersistentFlags().StringVar(&reviewer, "reviewer", defaultReviewer(), "Reviewer ID recorded for approvals")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
