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

// Package ingest pulls new inbound mail from a provider mailbox into the
// store, de-duplicated on the provider message ID.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mailki/agent/internal/mailbox"
	"github.com/mailki/agent/internal/models"
)

// DefaultTimeout bounds each provider call.
const DefaultTimeout = 30 * time.Second

// Store is the persistence the poller needs.
type Store interface {
	MessageExists(ctx context.Context, providerMessageID string) (bool, error)
	InsertMessage(ctx context.Context, msg *models.InboundMessage) (bool, error)
	AdvanceSyncCursor(ctx context.Context, mailboxID string, at time.Time) error
}

// BatchError lists the messages of one fetch that could not be stored.
type BatchError struct {
	Mailbox string
	Failed  map[string]error
}

func (e *BatchError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failed[id]))
	}
	return fmt.Sprintf("mailbox %s: %d message(s) failed: %s", e.Mailbox, len(ids), strings.Join(parts, "; "))
}

// PollerConfig holds the poller's collaborators.
type PollerConfig struct {
	Store   Store
	Gateway mailbox.Gateway
	Timeout time.Duration
}

// Poller fetches unseen messages for one mailbox at a time.
type Poller struct {
	store   Store
	gateway mailbox.Gateway
	timeout time.Duration
	now     func() time.Time
}

// NewPoller creates an ingestion poller.
func NewPoller(cfg PollerConfig) *Poller {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Poller{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		timeout: timeout,
		now:     time.Now,
	}
}

// FetchNew stores unread messages received since the mailbox was last
// synced and returns the ones that were new.
//
// The sync cursor moves to the time the listing started, and only when at
// least one message was stored and none failed; a failed message is listed
// again on the next cycle. Failures come back as a *BatchError alongside
// whatever was stored.
func (p *Poller) FetchNew(ctx context.Context, mb models.Mailbox) ([]models.InboundMessage, error) {
	started := p.now().UTC()
	ref := mb.Ref()

	refs, err := p.list(ctx, ref, mb.LastSyncAt)
	if err != nil {
		return nil, err
	}

	stored, _, failed := p.storeAll(ctx, mb, refs, started)

	if len(failed) > 0 {
		slog.Warn("some messages could not be ingested",
			"mailbox", mb.Address,
			"stored", len(stored),
			"failed", len(failed),
		)
		return stored, &BatchError{Mailbox: mb.Address, Failed: failed}
	}

	if len(stored) > 0 {
		if err := p.store.AdvanceSyncCursor(ctx, mb.ID, started); err != nil {
			return stored, fmt.Errorf("advance sync cursor: %w", err)
		}
	}

	slog.Info("mailbox polled",
		"mailbox", mb.Address,
		"listed", len(refs),
		"stored", len(stored),
	)
	return stored, nil
}

// storeAll fetches and stores every listed message not yet known. It
// returns the stored messages, the number already known, and failures by
// provider ID.
func (p *Poller) storeAll(ctx context.Context, mb models.Mailbox, refs []mailbox.MessageRef, now time.Time) ([]models.InboundMessage, int, map[string]error) {
	var stored []models.InboundMessage
	skipped := 0
	failed := make(map[string]error)
	ref := mb.Ref()

	for _, r := range refs {
		if ctx.Err() != nil {
			failed[r.ID] = ctx.Err()
			continue
		}

		exists, err := p.store.MessageExists(ctx, r.ID)
		if err != nil {
			failed[r.ID] = fmt.Errorf("check existing: %w", err)
			continue
		}
		if exists {
			skipped++
			continue
		}

		full, err := p.get(ctx, ref, r.ID)
		if err != nil {
			failed[r.ID] = err
			continue
		}

		msg := buildMessage(mb.ID, full, now)
		inserted, err := p.store.InsertMessage(ctx, &msg)
		if err != nil {
			failed[r.ID] = fmt.Errorf("store: %w", err)
			continue
		}
		if !inserted {
			// Another cycle stored it first.
			skipped++
			continue
		}
		stored = append(stored, msg)
	}
	return stored, skipped, failed
}

func (p *Poller) list(ctx context.Context, ref models.MailboxRef, since *time.Time) ([]mailbox.MessageRef, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.gateway.ListUnread(ctx, ref, since)
}

func (p *Poller) get(ctx context.Context, ref models.MailboxRef, id string) (*mailbox.FullMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.gateway.Get(ctx, ref, id)
}

func buildMessage(mailboxID string, m *mailbox.FullMessage, fallback time.Time) models.InboundMessage {
	received := m.ReceivedAt
	if received.IsZero() {
		received = fallback
	}
	return models.InboundMessage{
		MailboxID:         mailboxID,
		ProviderMessageID: m.ID,
		ThreadID:          m.ThreadID,
		Sender:            m.From,
		Recipient:         m.To,
		CC:                m.CC,
		BCC:               m.BCC,
		Subject:           m.Subject,
		BodyText:          m.Body,
		ReceivedAt:        received,
	}
}
