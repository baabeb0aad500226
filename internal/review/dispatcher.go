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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mailki/agent/internal/lifecycle"
	"github.com/mailki/agent/internal/mailbox"
	"github.com/mailki/agent/internal/models"
)

// Lifecycle is the subset of the draft lifecycle the dispatcher drives.
type Lifecycle interface {
	Approve(ctx context.Context, draftID string, rev lifecycle.Review) (*models.Draft, error)
	Reject(ctx context.Context, draftID string, rev lifecycle.Review) (*models.Draft, error)
	RequestChanges(ctx context.Context, draftID string, rev lifecycle.Review) (*models.Draft, error)
}

// Forms opens the feedback modal.
type Forms interface {
	OpenFeedbackForm(ctx context.Context, token, triggerID string) error
}

// Outcome is what the reviewer is told about a dispatched callback.
type Outcome struct {
	// Text is a plain reviewer-facing message; empty means nothing to say.
	Text string
	// Deferred is set when a form was opened and the transition waits for
	// its submission.
	Deferred bool
	// FieldError is a validation message for the feedback input.
	FieldError string
}

// Reviewer-facing messages.
const (
	msgSent           = "Antwort wurde gesendet."
	msgRejected       = "Entwurf wurde verworfen."
	msgRevised        = "Entwurf wurde neu generiert (Version %d)."
	msgTampered       = "Der Entwurf wurde nach der Erstellung veraendert und wird nicht gesendet."
	msgDuplicate      = "In diesem Thread wurde bereits geantwortet. Es wird nicht erneut gesendet."
	msgInProgress     = "Diese Antwort wird gerade gesendet."
	msgSendFailed     = "Senden fehlgeschlagen. Der Entwurf bleibt freigegeben, bitte erneut versuchen."
	msgNotFound       = "Entwurf nicht gefunden."
	msgAlreadyHandled = "Entwurf wurde bereits bearbeitet (Status: %s)."
	msgFeedbackNeeded = "Bitte beschreiben Sie die gewuenschten Aenderungen."
	msgBadToken       = "Diese Anfrage ist abgelaufen oder ungueltig."
)

// Dispatcher routes callbacks to lifecycle operations.
type Dispatcher struct {
	lifecycle Lifecycle
	forms     Forms
	tokens    *TokenSigner
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(lc Lifecycle, forms Forms, tokens *TokenSigner) *Dispatcher {
	return &Dispatcher{lifecycle: lc, forms: forms, tokens: tokens}
}

// Validate checks a callback that must be answered synchronously. It
// returns nil when the callback can be dispatched.
func (d *Dispatcher) Validate(cb Callback) *Outcome {
	if cb.Kind != KindFeedbackSubmitted {
		return nil
	}
	if cb.Feedback == "" {
		return &Outcome{FieldError: msgFeedbackNeeded}
	}
	if _, err := d.tokens.Open(cb.Token); err != nil {
		return &Outcome{FieldError: msgBadToken}
	}
	return nil
}

// Dispatch performs the lifecycle operation for cb. Domain failures are
// turned into reviewer-facing outcomes; only unexpected errors are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, cb Callback) (Outcome, error) {
	rev := lifecycle.Review{
		ReviewerID: cb.ReviewerID,
		Comment:    cb.Feedback,
		ChannelID:  cb.ChannelID,
		MessageRef: cb.MessageRef,
	}

	switch cb.Kind {
	case KindApprove:
		_, err := d.lifecycle.Approve(ctx, cb.DraftID, rev)
		if err == nil {
			return Outcome{Text: msgSent}, nil
		}
		return d.describe(cb, err)

	case KindReject:
		_, err := d.lifecycle.Reject(ctx, cb.DraftID, rev)
		if err == nil {
			return Outcome{Text: msgRejected}, nil
		}
		return d.describe(cb, err)

	case KindRequestChanges:
		if cb.Feedback == "" {
			if err := d.forms.OpenFeedbackForm(ctx, d.tokens.Issue(cb.DraftID), cb.TriggerID); err != nil {
				return Outcome{}, fmt.Errorf("open feedback form: %w", err)
			}
			return Outcome{Deferred: true}, nil
		}
		return d.requestChanges(ctx, cb.DraftID, cb, rev)

	case KindFeedbackSubmitted:
		draftID, err := d.tokens.Open(cb.Token)
		if err != nil {
			slog.Warn("rejected feedback with invalid correlation token", "reviewer", cb.ReviewerID)
			return Outcome{FieldError: msgBadToken}, nil
		}
		return d.requestChanges(ctx, draftID, cb, rev)

	case KindUnknown:
		slog.Debug("ignoring unknown interaction", "action", cb.RawAction)
		return Outcome{}, nil
	}

	// Unreachable while the switch covers every Kind.
	return Outcome{}, nil
}

func (d *Dispatcher) requestChanges(ctx context.Context, draftID string, cb Callback, rev lifecycle.Review) (Outcome, error) {
	draft, err := d.lifecycle.RequestChanges(ctx, draftID, rev)
	if err == nil {
		return Outcome{Text: fmt.Sprintf(msgRevised, draft.Version)}, nil
	}
	return d.describe(cb, err)
}

// describe maps lifecycle errors to reviewer messages.
func (d *Dispatcher) describe(cb Callback, err error) (Outcome, error) {
	var (
		tampered  *lifecycle.TamperedDraftError
		duplicate *lifecycle.DuplicateSendError
		invalid   *lifecycle.InvalidTransitionError
		gateway   *mailbox.GatewayError
	)

	switch {
	case errors.As(err, &tampered):
		return Outcome{Text: msgTampered}, nil
	case errors.As(err, &duplicate):
		return Outcome{Text: msgDuplicate}, nil
	case errors.Is(err, lifecycle.ErrSendInProgress):
		return Outcome{Text: msgInProgress}, nil
	case errors.Is(err, lifecycle.ErrDraftNotFound):
		return Outcome{Text: msgNotFound}, nil
	case errors.Is(err, lifecycle.ErrFeedbackRequired):
		return Outcome{FieldError: msgFeedbackNeeded}, nil
	case errors.As(err, &invalid):
		return Outcome{Text: fmt.Sprintf(msgAlreadyHandled, invalid.From)}, nil
	case errors.As(err, &gateway):
		slog.Error("send failed during review", "draft_id", cb.DraftID, "error", err)
		return Outcome{Text: msgSendFailed}, nil
	}
	return Outcome{}, fmt.Errorf("%s draft %s: %w", cb.Kind, cb.DraftID, err)
}
