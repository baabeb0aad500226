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

// Package mailboxtest provides an in-memory mailbox.Gateway for tests.
package mailboxtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mailki/agent/internal/mailbox"
	"github.com/mailki/agent/internal/models"
)

// Sent is one recorded Send call.
type Sent struct {
	Mailbox  string
	ThreadID string
	To       string
	Subject  string
	Body     string
}

// Gateway is a scriptable fake provider. Messages added with Deliver are
// listed as unread until the test removes them.
type Gateway struct {
	mu sync.Mutex

	messages map[string]*mailbox.FullMessage
	order    []string

	// ListErr fails ListUnread for the named mailbox addresses.
	ListErr map[string]error
	// GetErr fails Get for the named message IDs.
	GetErr map[string]error
	// SendErr fails every Send when set.
	SendErr error

	ListCalls   []*time.Time
	Sends       []Sent
	Drafts      []Sent
	labels      map[string]string
	msgLabels   map[string]map[string]bool
	threadSent  map[string]bool
	nextLabelID int
}

// New creates an empty fake gateway.
func New() *Gateway {
	return &Gateway{
		messages:   make(map[string]*mailbox.FullMessage),
		ListErr:    make(map[string]error),
		GetErr:     make(map[string]error),
		labels:     make(map[string]string),
		msgLabels:  make(map[string]map[string]bool),
		threadSent: make(map[string]bool),
	}
}

// Deliver adds an unread message.
func (g *Gateway) Deliver(m mailbox.FullMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.messages[m.ID]; !ok {
		g.order = append(g.order, m.ID)
	}
	cp := m
	g.messages[m.ID] = &cp
}

func (g *Gateway) ListUnread(_ context.Context, mb models.MailboxRef, since *time.Time) ([]mailbox.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ListCalls = append(g.ListCalls, since)
	if err := g.ListErr[mb.Address]; err != nil {
		return nil, &mailbox.GatewayError{Op: "list", Mailbox: mb.Address, Err: err}
	}

	var refs []mailbox.MessageRef
	for _, id := range g.order {
		m := g.messages[id]
		if since != nil && !m.ReceivedAt.IsZero() && !m.ReceivedAt.After(*since) {
			continue
		}
		refs = append(refs, mailbox.MessageRef{ID: m.ID, ThreadID: m.ThreadID})
	}
	return refs, nil
}

func (g *Gateway) Get(_ context.Context, mb models.MailboxRef, id string) (*mailbox.FullMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.GetErr[id]; err != nil {
		return nil, &mailbox.GatewayError{Op: "get", Mailbox: mb.Address, Err: err}
	}
	m, ok := g.messages[id]
	if !ok {
		return nil, &mailbox.GatewayError{Op: "get", Mailbox: mb.Address, Err: errors.New("not found")}
	}
	cp := *m
	return &cp, nil
}

func (g *Gateway) Send(_ context.Context, mb models.MailboxRef, threadID, to, subject, body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.SendErr != nil {
		return "", &mailbox.GatewayError{Op: "send", Mailbox: mb.Address, Err: g.SendErr}
	}
	g.Sends = append(g.Sends, Sent{Mailbox: mb.Address, ThreadID: threadID, To: to, Subject: subject, Body: body})
	return fmt.Sprintf("sent-%d", len(g.Sends)), nil
}

func (g *Gateway) CreateDraft(_ context.Context, mb models.MailboxRef, threadID, to, subject, body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Drafts = append(g.Drafts, Sent{Mailbox: mb.Address, ThreadID: threadID, To: to, Subject: subject, Body: body})
	return fmt.Sprintf("r-%d", len(g.Drafts)), nil
}

func (g *Gateway) GetOrCreateLabel(_ context.Context, mb models.MailboxRef, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := mb.ID + "/" + name
	if id, ok := g.labels[key]; ok {
		return id, nil
	}
	g.nextLabelID++
	id := fmt.Sprintf("Label_%d", g.nextLabelID)
	g.labels[key] = id
	return id, nil
}

func (g *Gateway) SetLabel(_ context.Context, _ models.MailboxRef, messageID, labelID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.msgLabels[messageID] == nil {
		g.msgLabels[messageID] = make(map[string]bool)
	}
	g.msgLabels[messageID][labelID] = true
	if m, ok := g.messages[messageID]; ok {
		g.threadSent[m.ThreadID+"/"+labelID] = true
	}
	return nil
}

func (g *Gateway) RemoveLabel(_ context.Context, _ models.MailboxRef, messageID, labelID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.msgLabels[messageID], labelID)
	return nil
}

func (g *Gateway) ThreadHasLabel(_ context.Context, _ models.MailboxRef, threadID, labelID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threadSent[threadID+"/"+labelID], nil
}

// HasLabel reports whether a message carries the named label.
func (g *Gateway) HasLabel(mb models.MailboxRef, messageID, name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.labels[mb.ID+"/"+name]
	return ok && g.msgLabels[messageID][id]
}

// SendCount returns the number of successful sends.
func (g *Gateway) SendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Sends)
}

var _ mailbox.Gateway = (*Gateway)(nil)
