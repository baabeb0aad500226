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

package models

import "time"

// DraftStatus is the lifecycle state of a draft.
type DraftStatus string

const (
	StatusDraft           DraftStatus = "draft"
	StatusPendingApproval DraftStatus = "pending_approval"
	StatusApproved        DraftStatus = "approved"
	StatusRejected        DraftStatus = "rejected"
	StatusSent            DraftStatus = "sent"
)

// Terminal reports whether no further transition is possible.
func (s DraftStatus) Terminal() bool {
	return s == StatusSent || s == StatusRejected
}

// Valid reports whether s is one of the known statuses.
func (s DraftStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusApproved, StatusRejected, StatusSent:
		return true
	}
	return false
}

// Draft is a candidate reply awaiting or past review.
//
// BodyHash is the SHA-256 of BodyText recorded when the body was last
// (re)generated. Version starts at 1 and only grows on regeneration.
type Draft struct {
	ID               string      `json:"id"`
	MessageID        string      `json:"message_id"`
	Subject          string      `json:"subject"`
	BodyText         string      `json:"body_text"`
	Tone             string      `json:"tone"`
	BodyHash         string      `json:"body_hash"`
	ExternalDraftRef string      `json:"external_draft_ref,omitempty"`
	Status           DraftStatus `json:"status"`
	Version          int         `json:"version"`
	Priority         string      `json:"priority"`
	ComplianceFlags  []string    `json:"compliance_flags,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// ActionKind is the reviewer decision recorded in an ApprovalAction.
type ActionKind string

const (
	ActionApproved      ActionKind = "approved"
	ActionRejected      ActionKind = "rejected"
	ActionEditRequested ActionKind = "edit_requested"
)

// ApprovalAction is an append-only audit record of a review decision.
type ApprovalAction struct {
	ID         string     `json:"id"`
	DraftID    string     `json:"draft_id"`
	ReviewerID string     `json:"reviewer_id"`
	Action     ActionKind `json:"action"`
	Comment    string     `json:"comment,omitempty"`
	ChannelID  string     `json:"channel_id,omitempty"`
	MessageRef string     `json:"message_ref,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
