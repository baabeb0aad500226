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

	"github.com/spf13/cobra"
)

var eventsLimit int64

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the most recent draft lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if triage.Events == nil {
			return fmt.Errorf("no event feed: REDIS_URL is not configured")
		}
		events, err := triage.Events.Recent(cmd.Context(), eventsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), events)
		}
		out := cmd.OutOrStdout()
		for _, ev := range events {
			printf(out, "%s  %-15s %s  v%d  %s\n", ev.At.Format("2006-01-02 15:04:05"), ev.Type, ev.DraftID, ev.Version, ev.ReviewerID)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().Int64Var(&eventsLimit, "limit", 20, "Number of events")
	rootCmd.AddCommand(eventsCmd)
}
