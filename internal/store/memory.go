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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailki/agent/internal/models"
	"github.com/mailki/agent/internal/policy"
)

// Memory is an in-process Store. Records are copied on the way in and out
// so callers never share state with the store.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	mailboxes  map[string]*models.Mailbox
	messages   map[string]*models.InboundMessage
	byProvider map[string]string
	drafts     map[string]*models.Draft
	actions    map[string][]models.ApprovalAction
	tables     *policy.Tables
	seq        int64
	order      map[string]int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		mailboxes:  make(map[string]*models.Mailbox),
		messages:   make(map[string]*models.InboundMessage),
		byProvider: make(map[string]string),
		drafts:     make(map[string]*models.Draft),
		actions:    make(map[string][]models.ApprovalAction),
		tables:     &policy.Tables{},
		order:      make(map[string]int64),
	}
}

// SetPolicyTables replaces the rule tables returned by LoadPolicyTables.
func (m *Memory) SetPolicyTables(t *policy.Tables) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = t
}

func (m *Memory) next(id string) {
	m.seq++
	m.order[id] = m.seq
}

// --- mailboxes ---

func (m *Memory) CreateMailbox(_ context.Context, mb *models.Mailbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mb.ID == "" {
		mb.ID = uuid.NewString()
	}
	if _, ok := m.mailboxes[mb.ID]; ok {
		return ErrConflict
	}
	if mb.Provider == "" {
		mb.Provider = "gmail"
	}
	mb.CreatedAt = m.now()
	cp := copyMailbox(mb)
	m.mailboxes[mb.ID] = cp
	m.next(mb.ID)
	return nil
}

func (m *Memory) GetMailbox(_ context.Context, id string) (*models.Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.mailboxes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMailbox(mb), nil
}

func (m *Memory) ListActiveMailboxes(_ context.Context) ([]models.Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Mailbox
	for _, mb := range m.mailboxes {
		if mb.Active {
			out = append(out, *copyMailbox(mb))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out, nil
}

func (m *Memory) AdvanceSyncCursor(_ context.Context, mailboxID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.mailboxes[mailboxID]
	if !ok {
		return ErrNotFound
	}
	if mb.LastSyncAt == nil || at.After(*mb.LastSyncAt) {
		t := at
		mb.LastSyncAt = &t
	}
	return nil
}

func copyMailbox(mb *models.Mailbox) *models.Mailbox {
	cp := *mb
	if mb.LastSyncAt != nil {
		t := *mb.LastSyncAt
		cp.LastSyncAt = &t
	}
	return &cp
}

// --- inbound messages ---

func (m *Memory) MessageExists(_ context.Context, providerMessageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byProvider[providerMessageID]
	return ok, nil
}

func (m *Memory) InsertMessage(_ context.Context, msg *models.InboundMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byProvider[msg.ProviderMessageID]; ok {
		return false, nil
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Priority == "" {
		msg.Priority = "normal"
	}
	msg.Processed = false
	msg.CreatedAt = m.now()

	cp := *msg
	m.messages[msg.ID] = &cp
	m.byProvider[msg.ProviderMessageID] = msg.ID
	m.next(msg.ID)
	return true, nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (*models.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) ListUnprocessedMessages(_ context.Context, limit int) ([]models.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.InboundMessage
	for _, msg := range m.messages {
		if !msg.Processed {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return m.order[out[i].ID] < m.order[out[j].ID]
	})
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// --- drafts ---

func (m *Memory) CreateDraft(_ context.Context, d *models.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[d.MessageID]
	if !ok {
		return ErrNotFound
	}
	if msg.Processed {
		return ErrConflict
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ComplianceFlags == nil {
		d.ComplianceFlags = []string{}
	}
	now := m.now()
	d.CreatedAt, d.UpdatedAt = now, now

	msg.Processed = true
	msg.Priority = d.Priority
	m.drafts[d.ID] = copyDraft(d)
	m.next(d.ID)
	return nil
}

func (m *Memory) GetDraft(_ context.Context, id string) (*models.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDraft(d), nil
}

func (m *Memory) ListDrafts(_ context.Context, status models.DraftStatus, limit int) ([]models.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Draft
	for _, d := range m.drafts {
		if status == "" || d.Status == status {
			out = append(out, *copyDraft(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] > m.order[out[j].ID] })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) TransitionDraft(_ context.Context, id string, from, to models.DraftStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != from {
		return ErrConflict
	}
	d.Status = to
	d.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ReviseDraft(_ context.Context, id string, expectedVersion int, body, hash string) (*models.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Version != expectedVersion || d.Status != models.StatusPendingApproval {
		return nil, ErrConflict
	}
	d.BodyText = body
	d.BodyHash = hash
	d.Version++
	d.UpdatedAt = m.now()
	return copyDraft(d), nil
}

func (m *Memory) SetExternalRef(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return ErrNotFound
	}
	d.ExternalDraftRef = ref
	d.UpdatedAt = m.now()
	return nil
}

func copyDraft(d *models.Draft) *models.Draft {
	cp := *d
	cp.ComplianceFlags = append([]string(nil), d.ComplianceFlags...)
	if cp.ComplianceFlags == nil {
		cp.ComplianceFlags = []string{}
	}
	return &cp
}

// --- approval actions ---

func (m *Memory) AppendApprovalAction(_ context.Context, a *models.ApprovalAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drafts[a.DraftID]; !ok {
		return ErrNotFound
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = m.now()
	m.actions[a.DraftID] = append(m.actions[a.DraftID], *a)
	return nil
}

func (m *Memory) ListApprovalActions(_ context.Context, draftID string) ([]models.ApprovalAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ApprovalAction(nil), m.actions[draftID]...), nil
}

// --- policy tables ---

func (m *Memory) LoadPolicyTables(_ context.Context) (*policy.Tables, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *m.tables
	return &t, nil
}

var _ Store = (*Memory)(nil)
