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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailki/agent/internal/dedup"
	"github.com/mailki/agent/internal/lifecycle"
	"github.com/mailki/agent/internal/mailbox"
	"github.com/mailki/agent/internal/models"
)

// fakeLifecycle records calls and returns a configured error.
type fakeLifecycle struct {
	mu    sync.Mutex
	calls []string
	revs  []lifecycle.Review
	err   error
}

func (f *fakeLifecycle) record(op, id string, rev lifecycle.Review) (*models.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+id)
	f.revs = append(f.revs, rev)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Draft{ID: id, Version: 2}, nil
}

func (f *fakeLifecycle) Approve(_ context.Context, id string, rev lifecycle.Review) (*models.Draft, error) {
	return f.record("approve", id, rev)
}

func (f *fakeLifecycle) Reject(_ context.Context, id string, rev lifecycle.Review) (*models.Draft, error) {
	return f.record("reject", id, rev)
}

func (f *fakeLifecycle) RequestChanges(_ context.Context, id string, rev lifecycle.Review) (*models.Draft, error) {
	return f.record("request_changes", id, rev)
}

func (f *fakeLifecycle) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeForms struct {
	tokens   []string
	triggers []string
}

func (f *fakeForms) OpenFeedbackForm(_ context.Context, token, triggerID string) error {
	f.tokens = append(f.tokens, token)
	f.triggers = append(f.triggers, triggerID)
	return nil
}

func TestDispatch_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		err      error
		wantText string
		wantErr  bool
	}{
		{name: "approve ok", kind: KindApprove, wantText: msgSent},
		{name: "reject ok", kind: KindReject, wantText: msgRejected},
		{name: "tampered", kind: KindApprove, err: &lifecycle.TamperedDraftError{DraftID: "d-1"}, wantText: msgTampered},
		{name: "duplicate", kind: KindApprove, err: &lifecycle.DuplicateSendError{DraftID: "d-1"}, wantText: msgDuplicate},
		{name: "in progress", kind: KindApprove, err: lifecycle.ErrSendInProgress, wantText: msgInProgress},
		{name: "send failed", kind: KindApprove, err: &mailbox.GatewayError{Op: "send", Err: errors.New("503")}, wantText: msgSendFailed},
		{name: "not found", kind: KindReject, err: lifecycle.ErrDraftNotFound, wantText: msgNotFound},
		{name: "already handled", kind: KindReject,
			err:      &lifecycle.InvalidTransitionError{DraftID: "d-1", From: models.StatusSent, Event: "reject"},
			wantText: "Entwurf wurde bereits bearbeitet (Status: sent)."},
		{name: "unexpected", kind: KindApprove, err: errors.New("db down"), wantErr: true},
		{name: "unknown kind", kind: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := &fakeLifecycle{err: tt.err}
			d := NewDispatcher(lc, &fakeForms{}, NewTokenSigner("s"))

			out, err := d.Dispatch(context.Background(), Callback{Kind: tt.kind, DraftID: "d-1", ReviewerID: "U1"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if out.Text != tt.wantText {
				t.Errorf("text = %q, want %q", out.Text, tt.wantText)
			}
			if tt.kind == KindUnknown && len(lc.callList()) != 0 {
				t.Errorf("unknown kind reached lifecycle: %v", lc.callList())
			}
		})
	}
}

func TestDispatch_RequestChangesRoundTrip(t *testing.T) {
	lc := &fakeLifecycle{}
	forms := &fakeForms{}
	tokens := NewTokenSigner("s")
	d := NewDispatcher(lc, forms, tokens)
	ctx := context.Background()

	out, err := d.Dispatch(ctx, Callback{Kind: KindRequestChanges, DraftID: "d-9", TriggerID: "trig"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Deferred {
		t.Error("expected deferred outcome")
	}
	if len(lc.callList()) != 0 {
		t.Errorf("lifecycle called before feedback: %v", lc.callList())
	}
	if len(forms.tokens) != 1 || forms.triggers[0] != "trig" {
		t.Fatalf("form not opened: %+v", forms)
	}

	sub := Callback{Kind: KindFeedbackSubmitted, Token: forms.tokens[0], Feedback: "Kuerzer", ReviewerID: "U1"}
	if v := d.Validate(sub); v != nil {
		t.Fatalf("valid submission rejected: %+v", v)
	}
	out, err = d.Dispatch(ctx, sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "Entwurf wurde neu generiert (Version 2)." {
		t.Errorf("text = %q", out.Text)
	}
	calls := lc.callList()
	if len(calls) != 1 || calls[0] != "request_changes:d-9" || lc.revs[0].Comment != "Kuerzer" {
		t.Errorf("calls = %v revs = %+v", calls, lc.revs)
	}
}

func TestDispatch_InlineFeedback(t *testing.T) {
	lc := &fakeLifecycle{}
	forms := &fakeForms{}
	d := NewDispatcher(lc, forms, NewTokenSigner("s"))

	if _, err := d.Dispatch(context.Background(), Callback{Kind: KindRequestChanges, DraftID: "d-1", Feedback: "Anders"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(forms.tokens) != 0 {
		t.Error("form opened although feedback was present")
	}
	if calls := lc.callList(); len(calls) != 1 {
		t.Errorf("calls = %v", calls)
	}
}

func TestValidate(t *testing.T) {
	tokens := NewTokenSigner("s")
	d := NewDispatcher(&fakeLifecycle{}, &fakeForms{}, tokens)

	tests := []struct {
		name string
		cb   Callback
		want string
	}{
		{name: "button click", cb: Callback{Kind: KindApprove}},
		{name: "empty feedback", cb: Callback{Kind: KindFeedbackSubmitted, Token: tokens.Issue("d-1")}, want: msgFeedbackNeeded},
		{name: "forged token", cb: Callback{Kind: KindFeedbackSubmitted, Token: "d-1.forged", Feedback: "x"}, want: msgBadToken},
		{name: "good", cb: Callback{Kind: KindFeedbackSubmitted, Token: tokens.Issue("d-1"), Feedback: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := d.Validate(tt.cb)
			got := ""
			if out != nil {
				got = out.FieldError
			}
			if got != tt.want {
				t.Errorf("Validate = %q, want %q", got, tt.want)
			}
		})
	}
}

// --- handler ---

type recordingResponder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingResponder) Respond(_ context.Context, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

type handlerFixture struct {
	handler   *Handler
	verifier  *Verifier
	lifecycle *fakeLifecycle
	responder *recordingResponder
	tokens    *TokenSigner
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	v, err := NewVerifier("signing-secret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	f := &handlerFixture{
		verifier:  v,
		lifecycle: &fakeLifecycle{},
		responder: &recordingResponder{},
		tokens:    NewTokenSigner("signing-secret"),
	}
	f.handler = NewHandler(HandlerConfig{
		Verifier:   v,
		Dispatcher: NewDispatcher(f.lifecycle, &fakeForms{}, f.tokens),
		Seen:       dedup.NewMemoryFilter(time.Hour),
		Responder:  f.responder,
		Timeout:    time.Second,
	})
	return f
}

func (f *handlerFixture) request(payload string, ts time.Time, sign bool) *http.Request {
	body := "payload=" + url.QueryEscape(payload)
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/interactions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", stamp)
	if sign {
		req.Header.Set("X-Slack-Signature", f.verifier.Sign([]byte(body), stamp))
	} else {
		req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	}
	return req
}

func (f *handlerFixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.handler.Wait(ctx); err != nil {
		t.Fatalf("background work did not finish: %v", err)
	}
}

const approvePayload = `{"type":"block_actions","user":{"id":"U1"},"response_url":"https://hooks.slack.test/r",
	"actions":[{"action_id":"approve_draft","value":"d-1","action_ts":"1700.2"}]}`

func TestServeInteraction_BadSignature(t *testing.T) {
	f := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeInteraction(rec, f.request(approvePayload, time.Now(), false))
	f.wait(t)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if calls := f.lifecycle.callList(); len(calls) != 0 {
		t.Errorf("lifecycle touched: %v", calls)
	}
}

func TestServeInteraction_StaleTimestamp(t *testing.T) {
	f := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeInteraction(rec, f.request(approvePayload, time.Now().Add(-10*time.Minute), true))
	f.wait(t)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if calls := f.lifecycle.callList(); len(calls) != 0 {
		t.Errorf("lifecycle touched: %v", calls)
	}
}

func TestServeInteraction_ApproveOnceOnRedelivery(t *testing.T) {
	f := newHandlerFixture(t)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		f.handler.ServeInteraction(rec, f.request(approvePayload, time.Now(), true))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, rec.Code)
		}
	}
	f.wait(t)

	if calls := f.lifecycle.callList(); len(calls) != 1 || calls[0] != "approve:d-1" {
		t.Errorf("calls = %v, want one approve", calls)
	}
	if len(f.responder.texts) != 1 || f.responder.texts[0] != msgSent {
		t.Errorf("responses = %v", f.responder.texts)
	}
}

func TestServeInteraction_UnknownKind(t *testing.T) {
	f := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeInteraction(rec, f.request(`{"type":"block_actions","user":{"id":"U1"},"actions":[{"action_id":"pin_draft","value":"d-1"}]}`, time.Now(), true))
	f.wait(t)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if calls := f.lifecycle.callList(); len(calls) != 0 {
		t.Errorf("calls = %v", calls)
	}
}

func TestServeInteraction_FeedbackValidation(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.tokens.Issue("d-1")

	empty := `{"type":"view_submission","user":{"id":"U1"},"view":{"id":"V1","callback_id":"draft_feedback",
		"private_metadata":"` + token + `","state":{"values":{"feedback_block":{"feedback_input":{"value":"  "}}}}}}`

	rec := httptest.NewRecorder()
	f.handler.ServeInteraction(rec, f.request(empty, time.Now(), true))
	f.wait(t)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"response_action":"errors"`) || !strings.Contains(rec.Body.String(), FeedbackBlockID) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if calls := f.lifecycle.callList(); len(calls) != 0 {
		t.Errorf("lifecycle touched: %v", calls)
	}

	// The same view resubmitted with text goes through.
	filled := strings.Replace(empty, `"value":"  "`, `"value":"Bitte kuerzer"`, 1)
	rec = httptest.NewRecorder()
	f.handler.ServeInteraction(rec, f.request(filled, time.Now(), true))
	f.wait(t)

	if calls := f.lifecycle.callList(); len(calls) != 1 || calls[0] != "request_changes:d-1" {
		t.Errorf("calls = %v", calls)
	}
}

func TestServeInteraction_MethodNotAllowed(t *testing.T) {
	f := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeInteraction(rec, httptest.NewRequest(http.MethodGet, "/slack/interactions", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}
