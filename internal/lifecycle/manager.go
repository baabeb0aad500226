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

// Package lifecycle implements the draft state machine: creation from an
// inbound message, approval and send, rejection, and regeneration on
// reviewer feedback.
//
//	(none) --create--> pending_approval --approve--> approved --send ok--> sent
//	                    |    ^                         (send failed: stays approved,
//	                    |    | request_changes          approve again to retry)
//	                    +----+
//	                    |
//	                    +--reject--> rejected
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailki/agent/internal/dedup"
	"github.com/mailki/agent/internal/generator"
	"github.com/mailki/agent/internal/mailbox"
	"github.com/mailki/agent/internal/models"
	"github.com/mailki/agent/internal/policy"
	"github.com/mailki/agent/internal/queue"
	"github.com/mailki/agent/internal/store"
)

// Store is the persistence the manager needs.
type Store interface {
	GetMailbox(ctx context.Context, id string) (*models.Mailbox, error)
	GetMessage(ctx context.Context, id string) (*models.InboundMessage, error)
	CreateDraft(ctx context.Context, d *models.Draft) error
	GetDraft(ctx context.Context, id string) (*models.Draft, error)
	ListDrafts(ctx context.Context, status models.DraftStatus, limit int) ([]models.Draft, error)
	TransitionDraft(ctx context.Context, id string, from, to models.DraftStatus) error
	ReviseDraft(ctx context.Context, id string, expectedVersion int, body, hash string) (*models.Draft, error)
	AppendApprovalAction(ctx context.Context, a *models.ApprovalAction) error
	ListApprovalActions(ctx context.Context, draftID string) ([]models.ApprovalAction, error)
}

// Generator produces reply text. It never fails; see generator.Adapter.
type Generator interface {
	Generate(ctx context.Context, req generator.Request) string
}

// Ledger tracks sends per thread across processes.
type Ledger interface {
	Claim(ctx context.Context, threadID string) (bool, dedup.ThreadState, error)
	MarkSent(ctx context.Context, threadID string) error
	Release(ctx context.Context, threadID string) error
	Status(ctx context.Context, threadID string) (dedup.ThreadState, error)
}

// Policies exposes the current rule snapshot.
type Policies interface {
	Current() *policy.Tables
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev queue.Event) error
}

// Review identifies who acted and where.
type Review struct {
	ReviewerID string
	Comment    string
	ChannelID  string
	MessageRef string
}

// DefaultTimeout bounds a single gateway call.
const DefaultTimeout = 30 * time.Second

// Config holds the manager's collaborators.
type Config struct {
	Store     Store
	Generator Generator
	Gateway   mailbox.Gateway
	Ledger    Ledger
	Policies  Policies
	Events    Publisher // optional
	Timeout   time.Duration
}

// Manager drives drafts through their lifecycle.
type Manager struct {
	store    Store
	gen      Generator
	gateway  mailbox.Gateway
	ledger   Ledger
	policies Policies
	events   Publisher
	timeout  time.Duration
	locks    *keyedMutex
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config) *Manager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		store:    cfg.Store,
		gen:      cfg.Generator,
		gateway:  cfg.Gateway,
		ledger:   cfg.Ledger,
		policies: cfg.Policies,
		events:   cfg.Events,
		timeout:  timeout,
		locks:    newKeyedMutex(),
	}
}

// ContentHash is the lowercase hex SHA-256 of a draft body.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Create drafts a reply to an unprocessed message and leaves it pending
// approval at version 1.
func (m *Manager) Create(ctx context.Context, messageID string) (*models.Draft, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg.Processed {
		return nil, ErrMessageNotFound
	}

	pc := m.policies.Current().Evaluate(msg.Sender, msg.BodyText)

	body := m.gen.Generate(ctx, generator.Request{
		Message:         msg,
		TonePrompt:      tonePrompt(pc.Tone.PromptTemplate, pc.VIPInstructions),
		Signature:       pc.Signature,
		ComplianceFlags: pc.Flags,
	})
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("generate draft: %w", err)
	}

	d := &models.Draft{
		MessageID:       msg.ID,
		Subject:         mailbox.ReplySubject(msg.Subject),
		BodyText:        body,
		Tone:            pc.Tone.Name,
		BodyHash:        ContentHash(body),
		Status:          models.StatusPendingApproval,
		Version:         1,
		Priority:        pc.Priority,
		ComplianceFlags: pc.Flags,
	}
	if err := m.store.CreateDraft(ctx, d); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("store draft: %w", err)
	}

	slog.Info("draft created",
		"draft_id", d.ID,
		"message_id", msg.ID,
		"priority", d.Priority,
		"flags", len(d.ComplianceFlags),
	)
	m.publish(ctx, queue.EventCreated, d, "")
	return d, nil
}

func tonePrompt(tone, vipInstructions string) string {
	if vipInstructions == "" {
		return tone
	}
	return strings.TrimSpace(tone) + "\n\n" + strings.TrimSpace(vipInstructions)
}

// Approve verifies the draft and sends it. The whole sequence runs under a
// per-draft lock, and the thread ledger guards against other processes.
//
// On a send failure the draft stays approved and the gateway error is
// returned together with the draft; approving again retries the send.
func (m *Manager) Approve(ctx context.Context, draftID string, rev Review) (*models.Draft, error) {
	unlock := m.locks.Lock(draftID)
	defer unlock()

	d, err := m.loadDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}

	msg, mb, err := m.loadSource(ctx, d)
	if err != nil {
		return nil, err
	}

	if d.Status == models.StatusSent {
		return d, &DuplicateSendError{DraftID: d.ID, ThreadID: msg.ThreadID}
	}
	if d.Status != models.StatusPendingApproval && d.Status != models.StatusApproved {
		return d, &InvalidTransitionError{DraftID: d.ID, From: d.Status, Event: "approve"}
	}

	if actual := ContentHash(d.BodyText); actual != d.BodyHash {
		slog.Warn("draft body does not match its hash", "draft_id", d.ID)
		return d, &TamperedDraftError{DraftID: d.ID, StoredHash: d.BodyHash, ActualHash: actual}
	}

	threadKey := mb.ID + ":" + msg.ThreadID
	claimed, state, err := m.ledger.Claim(ctx, threadKey)
	if err != nil {
		return d, fmt.Errorf("claim thread: %w", err)
	}
	if !claimed {
		if state == dedup.ThreadSent {
			return m.markDuplicate(ctx, d, msg)
		}
		return d, ErrSendInProgress
	}

	if m.threadLabelledSent(ctx, mb, msg) {
		m.finish(ctx, func(c context.Context) error { return m.ledger.MarkSent(c, threadKey) })
		return m.markDuplicate(ctx, d, msg)
	}

	if err := m.recordApproval(ctx, d, rev); err != nil {
		m.release(ctx, threadKey)
		return d, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
	sentID, err := m.gateway.Send(sendCtx, mb.Ref(), msg.ThreadID, msg.Sender, d.Subject, d.BodyText)
	cancel()
	if err != nil {
		m.release(ctx, threadKey)
		slog.Error("send failed, draft stays approved",
			"draft_id", d.ID,
			"thread_id", msg.ThreadID,
			"error", err,
		)
		return d, err
	}

	// The provider accepted the message; nothing below may be skipped
	// because the caller went away.
	commit := context.WithoutCancel(ctx)
	m.finish(ctx, func(c context.Context) error { return m.ledger.MarkSent(c, threadKey) })
	if err := m.store.TransitionDraft(commit, d.ID, models.StatusApproved, models.StatusSent); err != nil {
		return d, fmt.Errorf("record sent status: %w", err)
	}
	d.Status = models.StatusSent

	slog.Info("draft sent",
		"draft_id", d.ID,
		"sent_id", sentID,
		"reviewer", rev.ReviewerID,
	)
	m.relabelSent(commit, mb, msg)
	m.publish(commit, queue.EventSent, d, rev.ReviewerID)
	return d, nil
}

// recordApproval writes the approval record and moves the draft to approved
// before the send, so a failed send never loses the reviewer's decision.
func (m *Manager) recordApproval(ctx context.Context, d *models.Draft, rev Review) error {
	if d.Status == models.StatusApproved {
		return nil
	}

	if err := m.store.AppendApprovalAction(ctx, &models.ApprovalAction{
		DraftID:    d.ID,
		ReviewerID: rev.ReviewerID,
		Action:     models.ActionApproved,
		Comment:    rev.Comment,
		ChannelID:  rev.ChannelID,
		MessageRef: rev.MessageRef,
	}); err != nil {
		return fmt.Errorf("record approval: %w", err)
	}

	if err := m.store.TransitionDraft(ctx, d.ID, models.StatusPendingApproval, models.StatusApproved); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &InvalidTransitionError{DraftID: d.ID, From: d.Status, Event: "approve"}
		}
		return fmt.Errorf("mark approved: %w", err)
	}
	d.Status = models.StatusApproved
	m.publish(ctx, queue.EventApproved, d, rev.ReviewerID)
	return nil
}

// markDuplicate moves the draft to sent without sending.
func (m *Manager) markDuplicate(ctx context.Context, d *models.Draft, msg *models.InboundMessage) (*models.Draft, error) {
	if err := m.store.TransitionDraft(ctx, d.ID, d.Status, models.StatusSent); err != nil && !errors.Is(err, store.ErrConflict) {
		return d, fmt.Errorf("mark duplicate as sent: %w", err)
	}
	d.Status = models.StatusSent

	slog.Warn("thread already answered, not sending again",
		"draft_id", d.ID,
		"thread_id", msg.ThreadID,
	)
	return d, &DuplicateSendError{DraftID: d.ID, ThreadID: msg.ThreadID}
}

// threadLabelledSent checks the provider-side sent label. Lookup failures
// are logged and treated as "not labelled"; the ledger is authoritative.
func (m *Manager) threadLabelledSent(ctx context.Context, mb *models.Mailbox, msg *models.InboundMessage) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	labelID, err := m.gateway.GetOrCreateLabel(ctx, mb.Ref(), mailbox.LabelSent)
	if err != nil {
		slog.Warn("sent label lookup failed", "mailbox", mb.Address, "error", err)
		return false
	}
	has, err := m.gateway.ThreadHasLabel(ctx, mb.Ref(), msg.ThreadID, labelID)
	if err != nil {
		slog.Warn("thread label check failed", "thread_id", msg.ThreadID, "error", err)
		return false
	}
	return has
}

// relabelSent marks the source message sent and clears needs_approval.
func (m *Manager) relabelSent(ctx context.Context, mb *models.Mailbox, msg *models.InboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if id, err := m.gateway.GetOrCreateLabel(ctx, mb.Ref(), mailbox.LabelSent); err == nil {
		if err := m.gateway.SetLabel(ctx, mb.Ref(), msg.ProviderMessageID, id); err != nil {
			slog.Warn("could not set sent label", "message_id", msg.ProviderMessageID, "error", err)
		}
	} else {
		slog.Warn("sent label lookup failed", "mailbox", mb.Address, "error", err)
	}
	m.clearNeedsApproval(ctx, mb, msg)
}

func (m *Manager) clearNeedsApproval(ctx context.Context, mb *models.Mailbox, msg *models.InboundMessage) {
	id, err := m.gateway.GetOrCreateLabel(ctx, mb.Ref(), mailbox.LabelNeedsApproval)
	if err != nil {
		slog.Warn("needs_approval label lookup failed", "mailbox", mb.Address, "error", err)
		return
	}
	if err := m.gateway.RemoveLabel(ctx, mb.Ref(), msg.ProviderMessageID, id); err != nil {
		slog.Warn("could not remove needs_approval label", "message_id", msg.ProviderMessageID, "error", err)
	}
}

// Reject closes a pending draft without sending.
func (m *Manager) Reject(ctx context.Context, draftID string, rev Review) (*models.Draft, error) {
	unlock := m.locks.Lock(draftID)
	defer unlock()

	d, err := m.loadDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.StatusPendingApproval {
		return d, &InvalidTransitionError{DraftID: d.ID, From: d.Status, Event: "reject"}
	}

	if err := m.store.TransitionDraft(ctx, d.ID, models.StatusPendingApproval, models.StatusRejected); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return d, &InvalidTransitionError{DraftID: d.ID, From: d.Status, Event: "reject"}
		}
		return d, fmt.Errorf("mark rejected: %w", err)
	}
	d.Status = models.StatusRejected
	m.recordAction(ctx, &models.ApprovalAction{
		DraftID:    d.ID,
		ReviewerID: rev.ReviewerID,
		Action:     models.ActionRejected,
		Comment:    rev.Comment,
		ChannelID:  rev.ChannelID,
		MessageRef: rev.MessageRef,
	})

	slog.Info("draft rejected", "draft_id", d.ID, "reviewer", rev.ReviewerID)

	if msg, mb, err := m.loadSource(ctx, d); err == nil {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		m.clearNeedsApproval(cctx, mb, msg)
		cancel()
	}
	m.publish(ctx, queue.EventRejected, d, rev.ReviewerID)
	return d, nil
}

// RequestChanges regenerates the body with the reviewer's feedback as an
// extra instruction. The draft stays pending approval at version+1.
func (m *Manager) RequestChanges(ctx context.Context, draftID string, rev Review) (*models.Draft, error) {
	feedback := strings.TrimSpace(rev.Comment)
	if feedback == "" {
		return nil, ErrFeedbackRequired
	}

	unlock := m.locks.Lock(draftID)
	defer unlock()

	d, err := m.loadDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.StatusPendingApproval {
		return d, &InvalidTransitionError{DraftID: d.ID, From: d.Status, Event: "request changes"}
	}

	msg, err := m.store.GetMessage(ctx, d.MessageID)
	if err != nil {
		return d, fmt.Errorf("load message: %w", err)
	}

	tables := m.policies.Current()
	pc := tables.Evaluate(msg.Sender, msg.BodyText)
	tone := toneByName(tables, d.Tone, pc.Tone)

	body := m.gen.Generate(ctx, generator.Request{
		Message:         msg,
		TonePrompt:      generator.WithFeedback(tonePrompt(tone.PromptTemplate, pc.VIPInstructions), feedback),
		Signature:       pc.Signature,
		ComplianceFlags: d.ComplianceFlags,
	})
	if err := ctx.Err(); err != nil {
		return d, fmt.Errorf("regenerate draft: %w", err)
	}

	revised, err := m.store.ReviseDraft(ctx, d.ID, d.Version, body, ContentHash(body))
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return d, &InvalidTransitionError{DraftID: d.ID, From: d.Status, Event: "request changes"}
		}
		return d, fmt.Errorf("store revision: %w", err)
	}

	m.recordAction(ctx, &models.ApprovalAction{
		DraftID:    d.ID,
		ReviewerID: rev.ReviewerID,
		Action:     models.ActionEditRequested,
		Comment:    feedback,
		ChannelID:  rev.ChannelID,
		MessageRef: rev.MessageRef,
	})

	slog.Info("draft revised",
		"draft_id", revised.ID,
		"version", revised.Version,
		"reviewer", rev.ReviewerID,
	)
	m.publish(ctx, queue.EventRevised, revised, rev.ReviewerID)
	return revised, nil
}

// recordAction appends a review action for a transition that already
// committed. A failed write is logged; the transition stands.
func (m *Manager) recordAction(ctx context.Context, a *models.ApprovalAction) {
	if err := m.store.AppendApprovalAction(ctx, a); err != nil {
		slog.Error("failed to record review action",
			"draft_id", a.DraftID,
			"action", a.Action,
			"error", err,
		)
	}
}

func toneByName(t *policy.Tables, name string, fallback models.ToneTemplate) models.ToneTemplate {
	for _, tone := range t.Tones {
		if tone.Name == name {
			return tone
		}
	}
	return fallback
}

// Get returns one draft.
func (m *Manager) Get(ctx context.Context, draftID string) (*models.Draft, error) {
	return m.loadDraft(ctx, draftID)
}

// History returns the review actions recorded for a draft, oldest first.
func (m *Manager) History(ctx context.Context, draftID string) ([]models.ApprovalAction, error) {
	if _, err := m.loadDraft(ctx, draftID); err != nil {
		return nil, err
	}
	return m.store.ListApprovalActions(ctx, draftID)
}

// List returns drafts, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status models.DraftStatus, limit int) ([]models.Draft, error) {
	return m.store.ListDrafts(ctx, status, limit)
}

// ListPending returns drafts awaiting review.
func (m *Manager) ListPending(ctx context.Context, limit int) ([]models.Draft, error) {
	return m.store.ListDrafts(ctx, models.StatusPendingApproval, limit)
}

// Source returns the message and mailbox a draft replies to.
func (m *Manager) Source(ctx context.Context, d *models.Draft) (*models.InboundMessage, *models.Mailbox, error) {
	return m.loadSource(ctx, d)
}

// SendState reports what the send ledger knows about the draft's thread.
func (m *Manager) SendState(ctx context.Context, d *models.Draft) (dedup.ThreadState, error) {
	msg, mb, err := m.loadSource(ctx, d)
	if err != nil {
		return dedup.ThreadFree, err
	}
	return m.ledger.Status(ctx, mb.ID+":"+msg.ThreadID)
}

func (m *Manager) loadDraft(ctx context.Context, id string) (*models.Draft, error) {
	d, err := m.store.GetDraft(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	return d, nil
}

func (m *Manager) loadSource(ctx context.Context, d *models.Draft) (*models.InboundMessage, *models.Mailbox, error) {
	msg, err := m.store.GetMessage(ctx, d.MessageID)
	if err != nil {
		return nil, nil, fmt.Errorf("load message %s: %w", d.MessageID, err)
	}
	mb, err := m.store.GetMailbox(ctx, msg.MailboxID)
	if err != nil {
		return nil, nil, fmt.Errorf("load mailbox %s: %w", msg.MailboxID, err)
	}
	return msg, mb, nil
}

func (m *Manager) release(ctx context.Context, threadKey string) {
	m.finish(ctx, func(c context.Context) error { return m.ledger.Release(c, threadKey) })
}

// finish runs fn with a bounded context detached from the caller.
func (m *Manager) finish(ctx context.Context, fn func(context.Context) error) {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := fn(c); err != nil {
		slog.Error("send ledger update failed", "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, t queue.EventType, d *models.Draft, reviewer string) {
	if m.events == nil {
		return
	}
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.events.Publish(c, queue.NewEvent(t, d, reviewer)); err != nil {
		slog.Warn("could not publish draft event", "type", t, "draft_id", d.ID, "error", err)
	}
}
