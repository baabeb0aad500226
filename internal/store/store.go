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

// Package store persists mailboxes, inbound messages, drafts, approval
// actions and the policy rule tables. Postgres is the production backend;
// Memory implements the same semantics for tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mailki/agent/internal/models"
	"github.com/mailki/agent/internal/policy"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional write lost against the
	// current state (status, version, processed flag).
	ErrConflict = errors.New("store: conflict")
)

// Store is implemented by Postgres and Memory.
type Store interface {
	CreateMailbox(ctx context.Context, mb *models.Mailbox) error
	GetMailbox(ctx context.Context, id string) (*models.Mailbox, error)
	ListActiveMailboxes(ctx context.Context) ([]models.Mailbox, error)
	// AdvanceSyncCursor moves last_sync_at forward; older values are ignored.
	AdvanceSyncCursor(ctx context.Context, mailboxID string, at time.Time) error

	MessageExists(ctx context.Context, providerMessageID string) (bool, error)
	// InsertMessage stores msg unless its provider ID is already known, in
	// which case it reports false and leaves the existing record untouched.
	InsertMessage(ctx context.Context, msg *models.InboundMessage) (bool, error)
	GetMessage(ctx context.Context, id string) (*models.InboundMessage, error)
	ListUnprocessedMessages(ctx context.Context, limit int) ([]models.InboundMessage, error)

	// CreateDraft inserts d and marks its message processed in one step.
	// ErrConflict if the message was already processed.
	CreateDraft(ctx context.Context, d *models.Draft) error
	GetDraft(ctx context.Context, id string) (*models.Draft, error)
	ListDrafts(ctx context.Context, status models.DraftStatus, limit int) ([]models.Draft, error)
	// TransitionDraft moves a draft from one status to another. ErrConflict
	// if the current status is not from.
	TransitionDraft(ctx context.Context, id string, from, to models.DraftStatus) error
	// ReviseDraft replaces the body of a pending draft and bumps its version.
	// ErrConflict if the version or status moved underneath the caller.
	ReviseDraft(ctx context.Context, id string, expectedVersion int, body, hash string) (*models.Draft, error)
	SetExternalRef(ctx context.Context, id, ref string) error

	AppendApprovalAction(ctx context.Context, a *models.ApprovalAction) error
	ListApprovalActions(ctx context.Context, draftID string) ([]models.ApprovalAction, error)

	LoadPolicyTables(ctx context.Context) (*policy.Tables, error)
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
