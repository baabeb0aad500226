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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mailki/agent/internal/models"
)

// DefaultSlackAPI is the Slack Web API base URL.
const DefaultSlackAPI = "https://slack.com/api/"

// excerptLen is how much of the original message the review card shows.
const excerptLen = 300

// draftLen caps the draft shown on the card below Slack's 3000 character
// limit for section text.
const draftLen = 2900

// SlackConfig holds the outbound Slack settings.
type SlackConfig struct {
	BotToken   string
	Channel    string
	APIURL     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Slack posts review cards and answers interactions through the Web API.
type Slack struct {
	token   string
	channel string
	apiURL  string
	http    *http.Client
}

// NewSlack creates a Slack client.
func NewSlack(cfg SlackConfig) *Slack {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultSlackAPI
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Slack{
		token:   cfg.BotToken,
		channel: cfg.Channel,
		apiURL:  apiURL,
		http:    client,
	}
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

// PostForReview posts the draft card to the approval channel and returns
// the message timestamp.
func (s *Slack) PostForReview(ctx context.Context, d *models.Draft, msg *models.InboundMessage) (string, error) {
	resp, err := s.call(ctx, "chat.postMessage", map[string]interface{}{
		"channel": s.channel,
		"text":    "Neuer Entwurf fuer: " + msg.Subject,
		"blocks":  reviewBlocks(d, msg),
	})
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

// OpenFeedbackForm opens the modal that collects change requests. The
// token comes back as private_metadata on submission.
func (s *Slack) OpenFeedbackForm(ctx context.Context, token, triggerID string) error {
	_, err := s.call(ctx, "views.open", map[string]interface{}{
		"trigger_id": triggerID,
		"view":       feedbackView(token),
	})
	return err
}

// Respond posts a reviewer-facing message to an interaction's response URL.
func (s *Slack) Respond(ctx context.Context, responseURL, text string) error {
	body, err := json.Marshal(map[string]interface{}{
		"response_type":    "ephemeral",
		"replace_original": false,
		"text":             text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build response request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("post response: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post response: status %d", resp.StatusCode)
	}
	return nil
}

func (s *Slack) call(ctx context.Context, method string, payload interface{}) (*slackResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}

	var sr slackResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !sr.OK {
		return nil, fmt.Errorf("%s: %s", method, sr.Error)
	}
	return &sr, nil
}

type block = map[string]interface{}

func mrkdwn(text string) block {
	return block{"type": "mrkdwn", "text": text}
}

func plain(text string) block {
	return block{"type": "plain_text", "text": text}
}

// reviewBlocks renders the Block Kit card for one draft.
func reviewBlocks(d *models.Draft, msg *models.InboundMessage) []block {
	original := "*Original-Nachricht:*\n>" + orEmpty(msg.BodyText)
	if r := []rune(msg.BodyText); len(r) > excerptLen {
		original = "*Original-Nachricht (Auszug):*\n>" + string(r[:excerptLen]) + "..."
	}

	blocks := []block{
		{"type": "header", "text": plain("Neuer E-Mail-Entwurf zur Freigabe")},
		{
			"type": "section",
			"fields": []block{
				mrkdwn("*Von:*\n" + msg.Sender),
				mrkdwn("*Betreff:*\n" + msg.Subject),
				mrkdwn("*Prioritaet:*\n" + d.Priority),
				mrkdwn("*Version:*\n" + strconv.Itoa(d.Version)),
			},
		},
		{"type": "section", "text": mrkdwn(original)},
	}

	if len(d.ComplianceFlags) > 0 {
		var b strings.Builder
		b.WriteString("*Compliance-Hinweise:*")
		for _, f := range d.ComplianceFlags {
			b.WriteString("\n• " + f)
		}
		blocks = append(blocks, block{"type": "section", "text": mrkdwn(b.String())})
	}

	blocks = append(blocks,
		block{"type": "divider"},
		block{"type": "section", "text": mrkdwn(draftText(d.BodyText))},
		block{
			"type":     "actions",
			"block_id": "approval_" + d.ID,
			"elements": []block{
				{"type": "button", "text": plain("Approve"), "style": "primary", "action_id": ActionApprove, "value": d.ID},
				{"type": "button", "text": plain("Reject"), "style": "danger", "action_id": ActionReject, "value": d.ID},
				{"type": "button", "text": plain("Aenderungen anfordern"), "action_id": ActionRequestChanges, "value": d.ID},
			},
		},
	)
	return blocks
}

func draftText(body string) string {
	if r := []rune(body); len(r) > draftLen {
		return "*Entwurf (gekuerzt):*\n```" + string(r[:draftLen]) + "...```"
	}
	return "*Entwurf:*\n```" + body + "```"
}

func orEmpty(s string) string {
	if s == "" {
		return "(leer)"
	}
	return s
}

// feedbackView renders the change-request modal.
func feedbackView(token string) block {
	return block{
		"type":             "modal",
		"callback_id":      FeedbackCallbackID,
		"private_metadata": token,
		"title":            plain("Aenderungen anfordern"),
		"submit":           plain("Neu generieren"),
		"close":            plain("Abbrechen"),
		"blocks": []block{
			{
				"type":     "input",
				"block_id": FeedbackBlockID,
				"label":    plain("Was soll am Entwurf geaendert werden?"),
				"element": block{
					"type":      "plain_text_input",
					"action_id": FeedbackInputID,
					"multiline": true,
				},
			},
		},
	}
}
