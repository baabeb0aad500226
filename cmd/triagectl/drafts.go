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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mailki/agent/internal/dedup"
	"github.com/mailki/agent/internal/lifecycle"
	"github.com/mailki/agent/internal/models"
)

var (
	statusFlag   string
	limitFlag    int
	commentFlag  string
	feedbackFlag string
)

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "List drafts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := models.DraftStatus(statusFlag)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", statusFlag)
		}
		drafts, err := triage.Manager.List(cmd.Context(), status, limitFlag)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), drafts)
		}
		printDrafts(cmd.OutOrStdout(), drafts)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show DRAFT_ID",
	Short: "Show one draft and its review history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := triage.Manager.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		actions, err := triage.Manager.History(cmd.Context(), d.ID)
		if err != nil {
			return err
		}
		state, err := triage.Manager.SendState(cmd.Context(), d)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{"draft": d, "history": actions, "thread": threadLabel(state)})
		}

		out := cmd.OutOrStdout()
		printf(out, "%s  %s  v%d  %s\n", d.ID, d.Status, d.Version, d.Priority)
		printf(out, "Subject: %s\n", d.Subject)
		printf(out, "Thread: %s\n", threadLabel(state))
		for _, f := range d.ComplianceFlags {
			printf(out, "Flag: %s\n", f)
		}
		printf(out, "\n%s\n", d.BodyText)
		if len(actions) > 0 {
			printf(out, "\nHistory:\n")
			for _, a := range actions {
				printf(out, "  %s  %-15s %s %s\n", a.CreatedAt.Format("2006-01-02 15:04"), a.Action, a.ReviewerID, a.Comment)
			}
		}
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve DRAFT_ID",
	Short: "Approve a draft and send it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := triage.Manager.Approve(cmd.Context(), args[0], lifecycle.Review{ReviewerID: reviewer})
		return decided(cmd, d, err)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject DRAFT_ID",
	Short: "Reject a draft without sending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := triage.Manager.Reject(cmd.Context(), args[0], lifecycle.Review{ReviewerID: reviewer, Comment: commentFlag})
		return decided(cmd, d, err)
	},
}

var reviseCmd = &cobra.Command{
	Use:   "revise DRAFT_ID",
	Short: "Regenerate a draft with reviewer feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := triage.Manager.RequestChanges(cmd.Context(), args[0], lifecycle.Review{ReviewerID: reviewer, Comment: feedbackFlag})
		return decided(cmd, d, err)
	},
}

func decided(cmd *cobra.Command, d *models.Draft, err error) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), d)
	}
	printf(cmd.OutOrStdout(), "%s  %s  v%d\n", d.ID, d.Status, d.Version)
	return nil
}

func printDrafts(w io.Writer, drafts []models.Draft) {
	if len(drafts) == 0 {
		printf(w, "No drafts.\n")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	printf(tw, "ID\tSTATUS\tVER\tPRIORITY\tFLAGS\tSUBJECT\n")
	for _, d := range drafts {
		printf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n", d.ID, d.Status, d.Version, d.Priority, len(d.ComplianceFlags), truncate(d.Subject, 50))
	}
	tw.Flush()
}

// threadLabel names a send ledger state for display.
func threadLabel(s dedup.ThreadState) string {
	if s == dedup.ThreadFree {
		return "no reply sent"
	}
	return string(s)
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}

func init() {
	draftsCmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status (pending_approval, approved, sent, rejected)")
	draftsCmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum number of drafts")
	rejectCmd.Flags().StringVar(&commentFlag, "comment", "", "Reason recorded with the rejection")
	reviseCmd.Flags().StringVar(&feedbackFlag, "feedback", "", "Requested changes (required)")
	reviseCmd.MarkFlagRequired("feedback")

	rootCmd.AddCommand(draftsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(reviseCmd)
}
