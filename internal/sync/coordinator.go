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

// Package sync runs the triage cycle: fetch new mail for every active
// mailbox, draft replies for unprocessed messages, and post them for review.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailki/agent/internal/mailbox"
	"github.com/mailki/agent/internal/models"
)

// DefaultTimeout bounds the fetch of one mailbox.
const DefaultTimeout = 2 * time.Minute

// Store is the persistence the coordinator reads directly.
type Store interface {
	ListActiveMailboxes(ctx context.Context) ([]models.Mailbox, error)
	ListUnprocessedMessages(ctx context.Context, limit int) ([]models.InboundMessage, error)
	SetExternalRef(ctx context.Context, draftID, ref string) error
}

// Fetcher pulls new mail for one mailbox. Implemented by ingest.Poller.
type Fetcher interface {
	FetchNew(ctx context.Context, mb models.Mailbox) ([]models.InboundMessage, error)
}

// Drafts creates and lists drafts. Implemented by lifecycle.Manager.
type Drafts interface {
	Create(ctx context.Context, messageID string) (*models.Draft, error)
	ListPending(ctx context.Context, limit int) ([]models.Draft, error)
	Source(ctx context.Context, d *models.Draft) (*models.InboundMessage, *models.Mailbox, error)
}

// Notifier posts a draft to the review channel. Implemented by review.Slack.
type Notifier interface {
	PostForReview(ctx context.Context, d *models.Draft, msg *models.InboundMessage) (string, error)
}

// Failure is one recovered error of a cycle.
type Failure struct {
	Stage string // fetch, draft, notify
	Key   string // mailbox address or message/draft ID
	Err   error
}

// Report summarises one cycle.
type Report struct {
	Mailboxes int       `json:"mailboxes"`
	Fetched   int       `json:"fetched"`
	Drafted   int       `json:"drafted"`
	Notified  int       `json:"notified"`
	Failures  []Failure `json:"-"`
	Errors    []string  `json:"errors,omitempty"`
}

func (r *Report) fail(stage, key string, err error) {
	r.Failures = append(r.Failures, Failure{Stage: stage, Key: key, Err: err})
	r.Errors = append(r.Errors, fmt.Sprintf("%s %s: %v", stage, key, err))
}

// Err joins every recovered failure, or returns nil.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s %s: %w", f.Stage, f.Key, f.Err))
	}
	return errors.Join(errs...)
}

// CoordinatorConfig holds the coordinator's collaborators.
type CoordinatorConfig struct {
	Store    Store
	Fetcher  Fetcher
	Drafts   Drafts
	Gateway  mailbox.Gateway
	Notifier Notifier // optional
	// Reload refreshes policy tables before each cycle. Optional.
	Reload       func(ctx context.Context) error
	FetchTimeout time.Duration
	CallTimeout  time.Duration
	BatchSize    int
}

// Coordinator performs triage cycles. It holds no state between cycles.
type Coordinator struct {
	store        Store
	fetcher      Fetcher
	drafts       Drafts
	gateway      mailbox.Gateway
	notifier     Notifier
	reload       func(ctx context.Context) error
	fetchTimeout time.Duration
	callTimeout  time.Duration
	batchSize    int
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		store:        cfg.Store,
		fetcher:      cfg.Fetcher,
		drafts:       cfg.Drafts,
		gateway:      cfg.Gateway,
		notifier:     cfg.Notifier,
		reload:       cfg.Reload,
		fetchTimeout: cfg.FetchTimeout,
		callTimeout:  cfg.CallTimeout,
		batchSize:    cfg.BatchSize,
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = DefaultTimeout
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 30 * time.Second
	}
	if c.batchSize <= 0 {
		c.batchSize = 100
	}
	return c
}

// RunCycle fetches every active mailbox and then processes all unprocessed
// messages. Failures are collected in the report; only cancellation of ctx
// stops the cycle early.
func (c *Coordinator) RunCycle(ctx context.Context) Report {
	var rep Report

	if c.reload != nil {
		if err := c.reload(ctx); err != nil {
			slog.Warn("policy reload failed, keeping previous rules", "error", err)
		}
	}

	mailboxes, err := c.store.ListActiveMailboxes(ctx)
	if err != nil {
		rep.fail("fetch", "mailboxes", err)
		slog.Error("list mailboxes failed", "error", err)
	}

	for _, mb := range mailboxes {
		if ctx.Err() != nil {
			return rep
		}
		if mb.CredentialsRef == "" {
			slog.Debug("mailbox has no credentials, skipping", "mailbox", mb.Address)
			continue
		}
		rep.Mailboxes++

		stored, err := c.fetch(ctx, mb)
		rep.Fetched += len(stored)
		if err != nil {
			rep.fail("fetch", mb.Address, err)
			slog.Error("mailbox fetch failed", "mailbox", mb.Address, "error", err)
		}
	}

	c.processInto(ctx, &rep)

	slog.Info("sync cycle complete",
		"mailboxes", rep.Mailboxes,
		"fetched", rep.Fetched,
		"drafted", rep.Drafted,
		"notified", rep.Notified,
		"failures", len(rep.Failures),
	)
	return rep
}

func (c *Coordinator) fetch(ctx context.Context, mb models.Mailbox) ([]models.InboundMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	return c.fetcher.FetchNew(ctx, mb)
}

// ProcessPending drafts and posts every unprocessed message without
// fetching new mail.
func (c *Coordinator) ProcessPending(ctx context.Context) Report {
	var rep Report
	c.processInto(ctx, &rep)
	return rep
}

func (c *Coordinator) processInto(ctx context.Context, rep *Report) {
	msgs, err := c.store.ListUnprocessedMessages(ctx, c.batchSize)
	if err != nil {
		rep.fail("draft", "messages", err)
		slog.Error("list unprocessed messages failed", "error", err)
		return
	}

	for i := range msgs {
		if ctx.Err() != nil {
			return
		}
		msg := &msgs[i]

		d, err := c.drafts.Create(ctx, msg.ID)
		if err != nil {
			rep.fail("draft", msg.ID, err)
			slog.Error("draft creation failed", "message_id", msg.ID, "error", err)
			continue
		}
		rep.Drafted++

		c.prepareProviderDraft(ctx, d, msg)

		if err := c.post(ctx, d, msg); err != nil {
			rep.fail("notify", d.ID, err)
			slog.Error("review notification failed", "draft_id", d.ID, "error", err)
			continue
		}
		if c.notifier != nil {
			rep.Notified++
		}
	}
}

// prepareProviderDraft mirrors the draft into the mailbox and labels the
// source message. Both steps are best-effort.
func (c *Coordinator) prepareProviderDraft(ctx context.Context, d *models.Draft, msg *models.InboundMessage) {
	if c.gateway == nil {
		return
	}
	_, mb, err := c.drafts.Source(ctx, d)
	if err != nil {
		slog.Warn("cannot resolve mailbox for draft", "draft_id", d.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	ref, err := c.gateway.CreateDraft(ctx, mb.Ref(), msg.ThreadID, msg.Sender, d.Subject, d.BodyText)
	if err != nil {
		slog.Warn("provider draft not created", "draft_id", d.ID, "error", err)
	} else if err := c.store.SetExternalRef(ctx, d.ID, ref); err != nil {
		slog.Warn("could not record provider draft", "draft_id", d.ID, "error", err)
	} else {
		d.ExternalDraftRef = ref
	}

	labelID, err := c.gateway.GetOrCreateLabel(ctx, mb.Ref(), mailbox.LabelNeedsApproval)
	if err != nil {
		slog.Warn("needs_approval label lookup failed", "mailbox", mb.Address, "error", err)
		return
	}
	if err := c.gateway.SetLabel(ctx, mb.Ref(), msg.ProviderMessageID, labelID); err != nil {
		slog.Warn("could not label message", "message_id", msg.ProviderMessageID, "error", err)
	}
}

func (c *Coordinator) post(ctx context.Context, d *models.Draft, msg *models.InboundMessage) error {
	if c.notifier == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	ts, err := c.notifier.PostForReview(ctx, d, msg)
	if err != nil {
		return err
	}
	slog.Info("draft posted for review", "draft_id", d.ID, "ts", ts)
	return nil
}

// NotifyPending re-posts every draft still awaiting approval.
func (c *Coordinator) NotifyPending(ctx context.Context) Report {
	var rep Report
	if c.notifier == nil {
		return rep
	}

	pending, err := c.drafts.ListPending(ctx, c.batchSize)
	if err != nil {
		rep.fail("notify", "drafts", err)
		return rep
	}
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		d := &pending[i]
		msg, _, err := c.drafts.Source(ctx, d)
		if err != nil {
			rep.fail("notify", d.ID, err)
			continue
		}
		if err := c.post(ctx, d, msg); err != nil {
			rep.fail("notify", d.ID, err)
			slog.Error("review notification failed", "draft_id", d.ID, "error", err)
			continue
		}
		rep.Notified++
	}
	return rep
}
