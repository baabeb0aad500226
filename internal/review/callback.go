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

package review

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the closed set of callback kinds the service understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindApprove
	KindReject
	KindRequestChanges
	KindFeedbackSubmitted
)

func (k Kind) String() string {
	switch k {
	case KindApprove:
		return "approve"
	case KindReject:
		return "reject"
	case KindRequestChanges:
		return "request_changes"
	case KindFeedbackSubmitted:
		return "feedback_submitted"
	default:
		return "unknown"
	}
}

// Action IDs of the review card buttons and the feedback modal.
const (
	ActionApprove        = "approve_draft"
	ActionReject         = "reject_draft"
	ActionRequestChanges = "request_changes"

	FeedbackCallbackID = "draft_feedback"
	FeedbackBlockID    = "feedback_block"
	FeedbackInputID    = "feedback_input"
)

// Callback is a decoded, verified interaction.
type Callback struct {
	Kind        Kind
	DraftID     string
	ReviewerID  string
	Feedback    string
	ChannelID   string
	MessageRef  string
	ResponseURL string
	TriggerID   string
	// Token is the correlation token of a feedback submission.
	Token string
	// Fingerprint identifies one logical delivery for de-duplication.
	Fingerprint string
	// RawAction is the original action ID, kept for logging unknown kinds.
	RawAction string
}

// interaction is the subset of Slack's interaction payload we read.
type interaction struct {
	Type        string `json:"type"`
	TriggerID   string `json:"trigger_id"`
	ResponseURL string `json:"response_url"`
	User        struct {
		ID string `json:"id"`
	} `json:"user"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Message struct {
		TS string `json:"ts"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
		ActionTS string `json:"action_ts"`
	} `json:"actions"`
	View struct {
		ID              string `json:"id"`
		CallbackID      string `json:"callback_id"`
		PrivateMetadata string `json:"private_metadata"`
		State           struct {
			Values map[string]map[string]struct {
				Value string `json:"value"`
			} `json:"values"`
		} `json:"state"`
	} `json:"view"`
}

// ParseCallback decodes the JSON "payload" form field of a Slack
// interaction. Unrecognised payloads decode to KindUnknown, not an error.
func ParseCallback(payload string) (Callback, error) {
	var in interaction
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return Callback{}, fmt.Errorf("decode interaction payload: %w", err)
	}

	cb := Callback{
		ReviewerID:  in.User.ID,
		ChannelID:   in.Channel.ID,
		MessageRef:  in.Message.TS,
		ResponseURL: in.ResponseURL,
		TriggerID:   in.TriggerID,
	}

	switch in.Type {
	case "block_actions":
		if len(in.Actions) == 0 {
			return cb, nil
		}
		a := in.Actions[0]
		cb.RawAction = a.ActionID
		cb.DraftID = a.Value
		cb.Fingerprint = strings.Join([]string{in.User.ID, a.ActionID, a.Value, a.ActionTS}, ":")
		switch a.ActionID {
		case ActionApprove:
			cb.Kind = KindApprove
		case ActionReject:
			cb.Kind = KindReject
		case ActionRequestChanges:
			cb.Kind = KindRequestChanges
		}

	case "view_submission":
		cb.RawAction = in.View.CallbackID
		if in.View.CallbackID != FeedbackCallbackID {
			return cb, nil
		}
		cb.Kind = KindFeedbackSubmitted
		cb.Token = in.View.PrivateMetadata
		cb.Fingerprint = "view:" + in.View.ID
		if block, ok := in.View.State.Values[FeedbackBlockID]; ok {
			cb.Feedback = strings.TrimSpace(block[FeedbackInputID].Value)
		}

	default:
		cb.RawAction = in.Type
	}
	return cb, nil
}
