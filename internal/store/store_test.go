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

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailki/agent/internal/models"
)

// storeFactory returns a clean store for one test.
type storeFactory func(t *testing.T) Store

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

// TestPostgresStore runs the same suite against a real database when
// TEST_DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgres(ctx, pool)
		if err != nil {
			t.Fatalf("new postgres store: %v", err)
		}
		if _, err := pool.Exec(ctx, `TRUNCATE approval_actions, drafts, inbound_messages, mailboxes,
			kb_vips, kb_compliance, kb_tones, kb_signatures`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"InsertMessageIsIdempotent", testInsertMessageIdempotent},
		{"ConcurrentInsertStoresOnce", testConcurrentInsert},
		{"SyncCursorIsMonotonic", testSyncCursorMonotonic},
		{"CreateDraftMarksProcessed", testCreateDraftMarksProcessed},
		{"TransitionIsConditional", testTransitionConditional},
		{"ReviseChecksVersion", testReviseVersion},
		{"ApprovalActionsInOrder", testApprovalActions},
		{"ListDraftsFiltersByStatus", testListDrafts},
		{"NotFound", testNotFound},
		{"DuplicateMailboxConflicts", testDuplicateMailbox},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func seedMailbox(t *testing.T, s Store) *models.Mailbox {
	t.Helper()
	mb := &models.Mailbox{Address: "support@mailki.de", CredentialsRef: "support", Active: true}
	if err := s.CreateMailbox(context.Background(), mb); err != nil {
		t.Fatalf("create mailbox: %v", err)
	}
	return mb
}

func seedMessage(t *testing.T, s Store, mailboxID, providerID string) *models.InboundMessage {
	t.Helper()
	msg := &models.InboundMessage{
		MailboxID:         mailboxID,
		ProviderMessageID: providerID,
		ThreadID:          "t-" + providerID,
		Sender:            "kunde@example.de",
		Subject:           "Frage zur Rechnung",
		BodyText:          "Wann kommt die Rechnung?",
		ReceivedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}
	inserted, err := s.InsertMessage(context.Background(), msg)
	if err != nil || !inserted {
		t.Fatalf("insert message: inserted=%v err=%v", inserted, err)
	}
	return msg
}

func seedDraft(t *testing.T, s Store, msg *models.InboundMessage) *models.Draft {
	t.Helper()
	d := &models.Draft{
		MessageID: msg.ID,
		Subject:   "Re: " + msg.Subject,
		BodyText:  "Antwort",
		BodyHash:  "hash-1",
		Status:    models.StatusPendingApproval,
		Version:   1,
		Priority:  "normal",
	}
	if err := s.CreateDraft(context.Background(), d); err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return d
}

func testInsertMessageIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	mb := seedMailbox(t, s)
	first := seedMessage(t, s, mb.ID, "m-1")

	dup := &models.InboundMessage{MailboxID: mb.ID, ProviderMessageID: "m-1", Subject: "other", ReceivedAt: time.Now()}
	inserted, err := s.InsertMessage(ctx, dup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("duplicate provider ID was inserted")
	}

	exists, err := s.MessageExists(ctx, "m-1")
	if err != nil || !exists {
		t.Errorf("MessageExists = %v, %v", exists, err)
	}

	got, err := s.GetMessage(ctx, first.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Subject != "Frage zur Rechnung" {
		t.Errorf("existing record was modified: %q", got.Subject)
	}

	unprocessed, _ := s.ListUnprocessedMessages(ctx, 0)
	if len(unprocessed) != 1 {
		t.Errorf("unprocessed = %d, want 1", len(unprocessed))
	}
}

func testConcurrentInsert(t *testing.T, s Store) {
	ctx := context.Background()
	mb := seedMailbox(t, s)

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertMessage(ctx, &models.InboundMessage{
				MailboxID: mb.ID, ProviderMessageID: "m-race", ReceivedAt: time.Now(),
			})
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Errorf("inserted = %d, want exactly 1", inserted)
	}
}

func testSyncCursorMonotonic(t *testing.T, s Store) {
	ctx := context.Background()
	mb := seedMailbox(t, s)

	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if err := s.AdvanceSyncCursor(ctx, mb.ID, later); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.AdvanceSyncCursor(ctx, mb.ID, earlier); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := s.GetMailbox(ctx, mb.ID)
	if err != nil {
		t.Fatalf("get mailbox: %v", err)
	}
	if got.LastSyncAt == nil || !got.LastSyncAt.Equal(later) {
		t.Errorf("LastSyncAt = %v, want %v", got.LastSyncAt, later)
	}
}

func testCreateDraftMarksProcessed(t *testing.T, s Store) {
	ctx := context.Background()
	mb := seedMailbox(t, s)
	msg := seedMessage(t, s, mb.ID, "m-1")
	d := seedDraft(t, s, msg)

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !got.Processed {
		t.Error("message not marked processed")
	}

	again := &models.Draft{MessageID: msg.ID, BodyText: "x", BodyHash: "h", Status: models.StatusPendingApproval, Version: 1}
	if err := s.CreateDraft(ctx, again); !errors.Is(err, ErrConflict) {
		t.Errorf("second draft: expected ErrConflict, got %v", err)
	}

	stored, err := s.GetDraft(ctx, d.ID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if stored.Version != 1 || stored.Status != models.StatusPendingApproval || stored.BodyHash != "hash-1" {
		t.Errorf("unexpected draft: %+v", stored)
	}
}

func testTransitionConditional(t *testing.T, s Store) {
	ctx := context.Background()
	mb := seedMailbox(t, s)
	d := seedDraft(t, s, seedMessage(t, s, mb.ID, "m-1"))

	if err := s.TransitionDraft(ctx, d.ID, models.StatusPendingApproval, models.StatusApproved); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.TransitionDraft(ctx, d.ID, models.StatusPendingApproval, models.StatusApproved); !errors.Is(err, ErrConflict) {
		t.Errorf("stale transition: expected ErrConflict, got %v", err)
	}
	if err := s.TransitionDraft(ctx, "missing", models.StatusPendingApproval, models.StatusApproved); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing draft: expected ErrNotFound, got %v", err)
	}
}

func testReviseVersion(t *testing.T, s Store) {
	ctx := context.Background()
	mb := seedMailbox(t, s)
	d := seedDraft(t, s, seedMessage(t, s, mb.ID, "m-1"))

	revised, err := s.ReviseDraft(ctx, d.ID, 1, "neu", "hash-2")
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if revised.Version != 2 || revised.BodyText != "neu" || revised.BodyHash != "hash-2" {
		t.Errorf("unexpected revision: %+v", revised)
	}

	if _, err := s.ReviseDraft(ctx, d.ID, 1, "stale", "hash-3"); !errors.Is(err, ErrConflict) {
		t.Errorf("stale version: expected ErrConflict, got %v", err)
	}

	if err := s.TransitionDraft(ctx, d.ID, models.StatusPendingApproval, models.StatusRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := s.ReviseDraft(ctx, d.ID, 2, "late", "hash-4"); !errors.Is(err, ErrConflict) {
		t.Errorf("revise after reject: expected ErrConflict, got %v", err)
	}
}

func testApprovalActions(t *testing.T, s Store) {
	ctx := context.Background()
	mb := seedMailbox(t, s)
	d := seedDraft(t, s, seedMessage(t, s, mb.ID, "m-1"))

	kinds := []models.ActionKind{models.ActionEditRequested, models.ActionApproved}
	for _, k := range kinds {
		if err := s.AppendApprovalAction(ctx, &models.ApprovalAction{DraftID: d.ID, ReviewerID: "U1", Action: k}); err != nil {
			t.Fatalf("append: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	got, err := s.ListApprovalActions(ctx, d.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Action != models.ActionEditRequested || got[1].Action != models.ActionApproved {
		t.Errorf("unexpected actions: %+v", got)
	}
}

func testListDrafts(t *testing.T, s Store) {
	ctx := context.Background()
	mb := seedMailbox(t, s)

	var ids []string
	for i := 0; i < 3; i++ {
		d := seedDraft(t, s, seedMessage(t, s, mb.ID, fmt.Sprintf("m-%d", i)))
		ids = append(ids, d.ID)
	}
	if err := s.TransitionDraft(ctx, ids[0], models.StatusPendingApproval, models.StatusRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}

	pending, err := s.ListDrafts(ctx, models.StatusPendingApproval, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}

	all, _ := s.ListDrafts(ctx, "", 0)
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}

	limited, _ := s.ListDrafts(ctx, "", 1)
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}

func testNotFound(t *testing.T, s Store) {
	ctx := context.Background()

	if _, err := s.GetDraft(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDraft: %v", err)
	}
	if _, err := s.GetMessage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMessage: %v", err)
	}
	if _, err := s.GetMailbox(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMailbox: %v", err)
	}
	d := &models.Draft{MessageID: "missing", BodyText: "x", BodyHash: "h", Status: models.StatusPendingApproval, Version: 1}
	if err := s.CreateDraft(ctx, d); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateDraft: %v", err)
	}
}

func testDuplicateMailbox(t *testing.T, s Store) {
	ctx := context.Background()
	mb := &models.Mailbox{ID: "mb-support", Address: "support@mailki.de", Active: true}
	if err := s.CreateMailbox(ctx, mb); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &models.Mailbox{ID: "mb-support", Address: "other@mailki.de", Active: true}
	if err := s.CreateMailbox(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate create = %v, want ErrConflict", err)
	}
	got, err := s.GetMailbox(ctx, "mb-support")
	if err != nil || got.Address != "support@mailki.de" {
		t.Errorf("mailbox overwritten: %+v, %v", got, err)
	}
}
