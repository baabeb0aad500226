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

package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/mailki/agent/internal/models"
)

// BackfillRequest defines the scope of a historical ingestion run.
type BackfillRequest struct {
	Mailboxes []models.Mailbox
	Since     time.Duration // lookback window, e.g. 168h
}

// BackfillResult summarises a completed backfill run.
type BackfillResult struct {
	Mailboxes    []MailboxResult `json:"mailboxes"`
	TotalNew     int             `json:"total_new"`
	TotalSkipped int             `json:"total_skipped"`
	Elapsed      time.Duration   `json:"elapsed"`
}

// MailboxResult tracks per-mailbox backfill progress.
type MailboxResult struct {
	Address string `json:"address"`
	Stored  int    `json:"stored"`
	Skipped int    `json:"skipped"`
	Errors  int    `json:"errors"`
}

// Backfill stores unread messages received within the lookback window for
// each mailbox. The sync cursor is left alone, so the regular cycle is not
// affected. A failing mailbox is logged and counted; the run continues.
func (p *Poller) Backfill(ctx context.Context, req BackfillRequest) BackfillResult {
	start := p.now().UTC()
	since := start.Add(-req.Since)

	slog.Info("starting historical backfill",
		"mailboxes", len(req.Mailboxes),
		"since", since,
	)

	var res BackfillResult
	for _, mb := range req.Mailboxes {
		if ctx.Err() != nil {
			break
		}
		mr := MailboxResult{Address: mb.Address}

		refs, err := p.list(ctx, mb.Ref(), &since)
		if err != nil {
			slog.Error("backfill failed for mailbox", "mailbox", mb.Address, "error", err)
			mr.Errors = 1
			res.Mailboxes = append(res.Mailboxes, mr)
			continue
		}

		stored, skipped, failed := p.storeAll(ctx, mb, refs, start)
		mr.Stored, mr.Skipped, mr.Errors = len(stored), skipped, len(failed)
		for id, err := range failed {
			slog.Warn("backfill message failed", "mailbox", mb.Address, "message_id", id, "error", err)
		}

		res.Mailboxes = append(res.Mailboxes, mr)
		res.TotalNew += mr.Stored
		res.TotalSkipped += mr.Skipped
	}
	res.Elapsed = p.now().Sub(start)

	slog.Info("historical backfill complete",
		"total_new", res.TotalNew,
		"total_skipped", res.TotalSkipped,
		"elapsed", res.Elapsed,
	)
	return res
}
