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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailki/agent/internal/ingest"
	"github.com/mailki/agent/internal/models"
)

var (
	sinceFlag     time.Duration
	mailboxesFlag string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest unread mail from a lookback window without moving the sync cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sinceFlag <= 0 {
			return fmt.Errorf("--since must be positive")
		}

		all, err := triage.Store.ListActiveMailboxes(cmd.Context())
		if err != nil {
			return err
		}
		mailboxes := selectMailboxes(all, mailboxesFlag)
		if len(mailboxes) == 0 {
			return fmt.Errorf("no matching active mailboxes")
		}

		res := triage.Poller.Backfill(cmd.Context(), ingest.BackfillRequest{
			Mailboxes: mailboxes,
			Since:     sinceFlag,
		})
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		out := cmd.OutOrStdout()
		for _, mr := range res.Mailboxes {
			printf(out, "%-30s stored: %d  skipped: %d  errors: %d\n", mr.Address, mr.Stored, mr.Skipped, mr.Errors)
		}
		printf(out, "total new: %d  (%s)\n", res.TotalNew, res.Elapsed.Round(time.Millisecond))
		return nil
	},
}

// selectMailboxes filters by a comma-separated list of addresses or IDs.
// An empty filter keeps every mailbox with credentials.
func selectMailboxes(all []models.Mailbox, filter string) []models.Mailbox {
	want := make(map[string]bool)
	for _, f := range strings.Split(filter, ",") {
		if f = strings.TrimSpace(strings.ToLower(f)); f != "" {
			want[f] = true
		}
	}

	var out []models.Mailbox
	for _, mb := range all {
		if mb.CredentialsRef == "" {
			continue
		}
		if len(want) == 0 || want[strings.ToLower(mb.Address)] || want[strings.ToLower(mb.ID)] {
			out = append(out, mb)
		}
	}
	return out
}

func init() {
	backfillCmd.Flags().DurationVar(&sinceFlag, "since", 168*time.Hour, "Lookback window (e.g. 168h for one week)")
	backfillCmd.Flags().StringVar(&mailboxesFlag, "mailboxes", "", "Comma-separated mailbox addresses or IDs (default: all)")
	rootCmd.AddCommand(backfillCmd)
}
