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

// Package models defines the data structures shared across the triage agent.
package models

import "time"

// Mailbox is one connected provider mailbox.
type Mailbox struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Address        string     `json:"address"`
	Provider       string     `json:"provider"` // "gmail"
	CredentialsRef string     `json:"credentials_ref,omitempty"`
	Active         bool       `json:"active"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Ref returns the reference handed to the mailbox gateway.
func (m Mailbox) Ref() MailboxRef {
	return MailboxRef{ID: m.ID, Address: m.Address, CredentialsRef: m.CredentialsRef}
}

// MailboxRef identifies a mailbox to the provider gateway.
type MailboxRef struct {
	ID             string
	Address        string
	CredentialsRef string
}

// InboundMessage is an immutable record of a received message.
// ProviderMessageID is the dedup key and is globally unique.
type InboundMessage struct {
	ID                string    `json:"id"`
	MailboxID         string    `json:"mailbox_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id"`
	Sender            string    `json:"sender"`
	Recipient         string    `json:"recipient"`
	CC                string    `json:"cc,omitempty"`
	BCC               string    `json:"bcc,omitempty"`
	Subject           string    `json:"subject"`
	BodyText          string    `json:"body_text"`
	ReceivedAt        time.Time `json:"received_at"`
	Processed         bool      `json:"processed"`
	Priority          string    `json:"priority"`
	CreatedAt         time.Time `json:"created_at"`
}
