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
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// maxBody bounds an interaction request body.
const maxBody = 1 << 20

// DefaultProcessTimeout bounds background work for one callback.
const DefaultProcessTimeout = 2 * time.Minute

// Seen de-duplicates callback deliveries.
type Seen interface {
	IsNew(ctx context.Context, id string) (bool, error)
}

// Responder posts reviewer-facing messages back to the channel.
type Responder interface {
	Respond(ctx context.Context, responseURL, text string) error
}

// HandlerConfig holds the handler's collaborators.
type HandlerConfig struct {
	Verifier   *Verifier
	Dispatcher *Dispatcher
	Seen       Seen // optional
	Responder  Responder
	Timeout    time.Duration
}

// Handler serves Slack interaction callbacks.
type Handler struct {
	verifier   *Verifier
	dispatcher *Dispatcher
	seen       Seen
	responder  Responder
	timeout    time.Duration
	wg         sync.WaitGroup
}

// NewHandler creates an interaction handler.
func NewHandler(cfg HandlerConfig) *Handler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProcessTimeout
	}
	return &Handler{
		verifier:   cfg.Verifier,
		dispatcher: cfg.Dispatcher,
		seen:       cfg.Seen,
		responder:  cfg.Responder,
		timeout:    timeout,
	}
}

// ServeInteraction handles POST /slack/interactions.
//
// Flow:
//   - verify signature and replay window; 401 on failure, nothing else runs
//   - decode the payload; unknown kinds are acknowledged and ignored
//   - feedback submissions are validated inline so the modal can show errors
//   - duplicate deliveries are dropped
//   - everything else is acknowledged and processed in the background
func (h *Handler) ServeInteraction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		slog.Error("failed to read interaction body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(body,
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
	); err != nil {
		slog.Warn("rejected interaction", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cb, err := ParseCallback(form.Get("payload"))
	if err != nil {
		slog.Warn("undecodable interaction payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if cb.Kind == KindUnknown {
		slog.Debug("acknowledging unknown interaction", "action", cb.RawAction)
		w.WriteHeader(http.StatusOK)
		return
	}

	if out := h.dispatcher.Validate(cb); out != nil {
		writeJSON(w, map[string]interface{}{
			"response_action": "errors",
			"errors":          map[string]string{FeedbackBlockID: out.FieldError},
		})
		return
	}

	if h.seen != nil && cb.Fingerprint != "" {
		isNew, err := h.seen.IsNew(r.Context(), cb.Fingerprint)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Info("dropping duplicate interaction", "kind", cb.Kind, "draft_id", cb.DraftID)
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	w.WriteHeader(http.StatusOK)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(cb)
	}()
}

func (h *Handler) process(cb Callback) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	slog.Info("processing interaction",
		"kind", cb.Kind,
		"draft_id", cb.DraftID,
		"reviewer", cb.ReviewerID,
	)

	out, err := h.dispatcher.Dispatch(ctx, cb)
	if err != nil {
		slog.Error("interaction failed", "kind", cb.Kind, "draft_id", cb.DraftID, "error", err)
		out.Text = "Aktion fehlgeschlagen. Bitte spaeter erneut versuchen."
	}

	text := out.Text
	if text == "" {
		text = out.FieldError
	}
	if text == "" || cb.ResponseURL == "" || h.responder == nil {
		return
	}
	if err := h.responder.Respond(ctx, cb.ResponseURL, text); err != nil {
		slog.Warn("could not acknowledge interaction", "draft_id", cb.DraftID, "error", err)
	}
}

// Wait blocks until background work finishes or ctx expires.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
