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

// Package generator turns an inbound message plus policy context into reply
// text. The adapter never fails: when the text-generation backend is
// unavailable it falls back to a deterministic placeholder reply.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailki/agent/internal/models"
)

// ErrNotConfigured is returned by clients that have no API credential.
var ErrNotConfigured = errors.New("generator not configured")

// GeneratorError wraps any failure of the underlying generation call.
type GeneratorError struct {
	Err error
}

func (e *GeneratorError) Error() string { return fmt.Sprintf("generate reply: %v", e.Err) }

func (e *GeneratorError) Unwrap() error { return e.Err }

// Client is a text-generation backend.
type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Request carries everything needed to draft one reply.
type Request struct {
	Message         *models.InboundMessage
	TonePrompt      string
	Signature       string
	ComplianceFlags []string
}

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 45 * time.Second

// Adapter wraps a Client with instruction building, timeouts and fallback.
type Adapter struct {
	client  Client
	timeout time.Duration
}

// NewAdapter creates an adapter. A nil client always yields the placeholder.
func NewAdapter(client Client, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{client: client, timeout: timeout}
}

// Generate returns reply text for req. It never returns an error; generation
// failures are logged and replaced with Placeholder.
func (a *Adapter) Generate(ctx context.Context, req Request) string {
	body, err := a.complete(ctx, req)
	if err != nil {
		slog.Warn("reply generation failed, using placeholder",
			"message_id", req.Message.ProviderMessageID,
			"error", err,
		)
		body = Placeholder(req.Message.Subject)
	}
	return withSignature(body, req.Signature)
}

func (a *Adapter) complete(ctx context.Context, req Request) (string, error) {
	if a.client == nil {
		return "", &GeneratorError{Err: ErrNotConfigured}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	text, err := a.client.Complete(ctx, BuildInstruction(req.TonePrompt, req.ComplianceFlags), userPrompt(req.Message))
	if err != nil {
		return "", &GeneratorError{Err: err}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", &GeneratorError{Err: errors.New("empty completion")}
	}
	return text, nil
}

// BuildInstruction composes the system instruction: tone guidance, compliance
// warnings when there are any, and the reply-only constraint.
func BuildInstruction(tonePrompt string, flags []string) string {
	var sb strings.Builder

	sb.WriteString("Du bist ein E-Mail-Assistent und entwirfst Antworten auf eingehende Kundenanfragen.\n\n")
	if tp := strings.TrimSpace(tonePrompt); tp != "" {
		sb.WriteString("Tonalitaet:\n")
		sb.WriteString(tp)
		sb.WriteString("\n\n")
	}

	if len(flags) > 0 {
		sb.WriteString("Achtung, folgende Compliance-Hinweise treffen auf diese Nachricht zu:\n")
		for _, f := range flags {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
		sb.WriteString("Mache keine verbindlichen Zusagen zu diesen Punkten.\n\n")
	}

	sb.WriteString("Schreibe ausschliesslich den Antworttext. Keine Betreffzeile, keine Signatur.")
	return sb.String()
}

func userPrompt(m *models.InboundMessage) string {
	return fmt.Sprintf("Von: %s\nBetreff: %s\n\n%s", m.Sender, m.Subject, m.BodyText)
}

// Placeholder is the deterministic reply used when generation is unavailable.
func Placeholder(subject string) string {
	return fmt.Sprintf("Vielen Dank fuer Ihre Nachricht zum Thema \"%s\".\n\n"+
		"Wir haben Ihre E-Mail erhalten und melden uns in Kuerze.\n\n"+
		"Mit freundlichen Gruessen", subject)
}

func withSignature(body, signature string) string {
	if signature == "" {
		return body
	}
	return body + "\n\n" + signature
}

// WithFeedback extends a tone prompt with a reviewer's change request.
func WithFeedback(tonePrompt, feedback string) string {
	return strings.TrimSpace(tonePrompt) + "\n\nZusaetzliche Anweisung des Pruefers: " + strings.TrimSpace(feedback)
}
