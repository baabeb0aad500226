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

package main

import (
	"github.com/spf13/cobra"

	"github.com/mailki/agent/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch new mail, draft replies and post them for review",
	RunE: func(cmd *cobra.Command, args []string) error {
		return report(cmd, triage.Coordinator.RunCycle(cmd.Context()))
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Draft replies for stored messages without fetching",
	RunE: func(cmd *cobra.Command, args []string) error {
		return report(cmd, triage.Coordinator.ProcessPending(cmd.Context()))
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Re-post every pending draft to the review channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return report(cmd, triage.Coordinator.NotifyPending(cmd.Context()))
	},
}

func report(cmd *cobra.Command, rep sync.Report) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), rep)
	}
	out := cmd.OutOrStdout()
	printf(out, "mailboxes: %d  fetched: %d  drafted: %d  notified: %d\n",
		rep.Mailboxes, rep.Fetched, rep.Drafted, rep.Notified)
	for _, e := range rep.Errors {
		printf(out, "  failed: %s\n", e)
	}
	return rep.Err()
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(notifyCmd)
}
