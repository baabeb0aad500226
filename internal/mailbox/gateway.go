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

// Package mailbox defines the provider-agnostic Mailbox Gateway used by the
// core and a Gmail implementation of it.
package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/mailki/agent/internal/models"
)

// Label names the agent manages on the provider side.
const (
	LabelNeedsApproval = "needs_approval"
	LabelSent          = "mailki_sent"
)

// MessageRef is a listing entry returned by ListUnread.
type MessageRef struct {
	ID       string
	ThreadID string
}

// FullMessage is the provider view of one message.
type FullMessage struct {
	ID         string
	ThreadID   string
	From       string
	To         string
	CC         string
	BCC        string
	Subject    string
	Body       string
	ReceivedAt time.Time
	Labels     []string
}

// Gateway is the provider integration the core depends on. Implementations
// do not retry; every failure is returned as a *GatewayError.
type Gateway interface {
	ListUnread(ctx context.Context, mb models.MailboxRef, since *time.Time) ([]MessageRef, error)
	Get(ctx context.Context, mb models.MailboxRef, messageID string) (*FullMessage, error)
	Send(ctx context.Context, mb models.MailboxRef, threadID, to, subject, body string) (string, error)
	CreateDraft(ctx context.Context, mb models.MailboxRef, threadID, to, subject, body string) (string, error)
	GetOrCreateLabel(ctx context.Context, mb models.MailboxRef, name string) (string, error)
	SetLabel(ctx context.Context, mb models.MailboxRef, messageID, labelID string) error
	RemoveLabel(ctx context.Context, mb models.MailboxRef, messageID, labelID string) error
	ThreadHasLabel(ctx context.Context, mb models.MailboxRef, threadID, labelID string) (bool, error)
}

// GatewayError carries the failing operation and the underlying cause.
type GatewayError struct {
	Op      string
	Mailbox string
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("mailbox %s: %s: %v", e.Mailbox, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func gatewayErr(op string, mb models.MailboxRef, err error) error {
	return &GatewayError{Op: op, Mailbox: mb.Address, Err: err}
}

// ReplySubject prefixes "Re: " unless the subject already carries it.
func ReplySubject(subject string) string {
	if len(subject) >= 3 && (subject[:3] == "Re:" || subject[:3] == "RE:") {
		return subject
	}
	return "Re: " + subject
}
