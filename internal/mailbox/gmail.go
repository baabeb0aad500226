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

package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gm "google.golang.org/api/gmail/v1"

	"github.com/mailki/agent/internal/models"
)

// ServiceFactory returns an authenticated Gmail service for a mailbox.
type ServiceFactory func(ctx context.Context, mb models.MailboxRef) (*gm.Service, error)

// Gmail implements Gateway on the Gmail API.
type Gmail struct {
	services   ServiceFactory
	labels     *LabelCache
	maxResults int64
	now        func() time.Time
}

// GmailConfig holds dependencies for the Gmail gateway.
type GmailConfig struct {
	Services   ServiceFactory
	Labels     *LabelCache
	MaxResults int64
}

// NewGmail creates a Gmail gateway. The label cache is owned by the gateway
// and starts empty.
func NewGmail(cfg GmailConfig) *Gmail {
	labels := cfg.Labels
	if labels == nil {
		labels = NewLabelCache()
	}
	labels.Invalidate()

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}

	return &Gmail{
		services:   cfg.Services,
		labels:     labels,
		maxResults: maxResults,
		now:        time.Now,
	}
}

func (g *Gmail) service(ctx context.Context, op string, mb models.MailboxRef) (*gm.Service, error) {
	svc, err := g.services(ctx, mb)
	if err != nil {
		return nil, gatewayErr(op, mb, fmt.Errorf("gmail service: %w", err))
	}
	return svc, nil
}

// unreadQuery builds the Gmail search query for unread inbox mail.
func unreadQuery(since *time.Time) string {
	q := "is:inbox is:unread"
	if since != nil && !since.IsZero() {
		q += fmt.Sprintf(" after:%d", since.Unix())
	}
	return q
}

// ListUnread lists unread inbox messages received after since.
func (g *Gmail) ListUnread(ctx context.Context, mb models.MailboxRef, since *time.Time) ([]MessageRef, error) {
	svc, err := g.service(ctx, "list", mb)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Messages.List("me").
		Q(unreadQuery(since)).
		MaxResults(g.maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, gatewayErr("list", mb, err)
	}

	refs := make([]MessageRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return refs, nil
}

// Get fetches one message in full format.
func (g *Gmail) Get(ctx context.Context, mb models.MailboxRef, messageID string) (*FullMessage, error) {
	svc, err := g.service(ctx, "get", mb)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", messageID).
		Format("full").
		Context(ctx).
		Do()
	if err != nil {
		return nil, gatewayErr("get", mb, fmt.Errorf("message %s: %w", messageID, err))
	}

	fm := &FullMessage{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		Labels:     msg.LabelIds,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload != nil {
		headers := headerMap(msg.Payload.Headers)
		fm.From = headers["from"]
		fm.To = headers["to"]
		fm.CC = headers["cc"]
		fm.BCC = headers["bcc"]
		fm.Subject = headers["subject"]
		fm.Body = ExtractBody(msg.Payload)
	}
	return fm, nil
}

// Send sends a reply into the given thread and returns the sent message ID.
func (g *Gmail) Send(ctx context.Context, mb models.MailboxRef, threadID, to, subject, body string) (string, error) {
	svc, err := g.service(ctx, "send", mb)
	if err != nil {
		return "", err
	}

	raw, err := ComposeReply(to, subject, body, g.now())
	if err != nil {
		return "", gatewayErr("send", mb, err)
	}

	sent, err := svc.Users.Messages.Send("me", &gm.Message{
		Raw:      encodeRaw(raw),
		ThreadId: threadID,
	}).Context(ctx).Do()
	if err != nil {
		return "", gatewayErr("send", mb, err)
	}

	slog.Info("reply sent",
		"mailbox", mb.Address,
		"thread_id", threadID,
		"sent_id", sent.Id,
	)
	return sent.Id, nil
}

// CreateDraft stores the reply as a provider-side draft and returns its ID.
func (g *Gmail) CreateDraft(ctx context.Context, mb models.MailboxRef, threadID, to, subject, body string) (string, error) {
	svc, err := g.service(ctx, "create_draft", mb)
	if err != nil {
		return "", err
	}

	raw, err := ComposeReply(to, subject, body, g.now())
	if err != nil {
		return "", gatewayErr("create_draft", mb, err)
	}

	d, err := svc.Users.Drafts.Create("me", &gm.Draft{
		Message: &gm.Message{Raw: encodeRaw(raw), ThreadId: threadID},
	}).Context(ctx).Do()
	if err != nil {
		return "", gatewayErr("create_draft", mb, err)
	}
	return d.Id, nil
}

// GetOrCreateLabel resolves a label name to its ID, creating it if needed.
// Results are cached per mailbox.
func (g *Gmail) GetOrCreateLabel(ctx context.Context, mb models.MailboxRef, name string) (string, error) {
	if id, ok := g.labels.Get(mb.ID, name); ok {
		return id, nil
	}

	svc, err := g.service(ctx, "label", mb)
	if err != nil {
		return "", err
	}

	list, err := svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return "", gatewayErr("label", mb, err)
	}
	for _, l := range list.Labels {
		if l.Name == name {
			g.labels.Put(mb.ID, name, l.Id)
			return l.Id, nil
		}
	}

	created, err := svc.Users.Labels.Create("me", &gm.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", gatewayErr("label", mb, fmt.Errorf("create %q: %w", name, err))
	}

	g.labels.Put(mb.ID, name, created.Id)
	return created.Id, nil
}

// SetLabel adds a label to a message.
func (g *Gmail) SetLabel(ctx context.Context, mb models.MailboxRef, messageID, labelID string) error {
	return g.modify(ctx, "set_label", mb, messageID, &gm.ModifyMessageRequest{AddLabelIds: []string{labelID}})
}

// RemoveLabel removes a label from a message.
func (g *Gmail) RemoveLabel(ctx context.Context, mb models.MailboxRef, messageID, labelID string) error {
	return g.modify(ctx, "remove_label", mb, messageID, &gm.ModifyMessageRequest{RemoveLabelIds: []string{labelID}})
}

func (g *Gmail) modify(ctx context.Context, op string, mb models.MailboxRef, messageID string, req *gm.ModifyMessageRequest) error {
	svc, err := g.service(ctx, op, mb)
	if err != nil {
		return err
	}
	if _, err := svc.Users.Messages.Modify("me", messageID, req).Context(ctx).Do(); err != nil {
		return gatewayErr(op, mb, err)
	}
	return nil
}

// ThreadHasLabel reports whether any message in the thread carries the label.
func (g *Gmail) ThreadHasLabel(ctx context.Context, mb models.MailboxRef, threadID, labelID string) (bool, error) {
	svc, err := g.service(ctx, "thread", mb)
	if err != nil {
		return false, err
	}

	th, err := svc.Users.Threads.Get("me", threadID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return false, gatewayErr("thread", mb, err)
	}
	for _, m := range th.Messages {
		for _, l := range m.LabelIds {
			if l == labelID {
				return true, nil
			}
		}
	}
	return false, nil
}

var _ Gateway = (*Gmail)(nil)
