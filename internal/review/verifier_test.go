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
	"errors"
	"strconv"
	"testing"
	"time"
)

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier("8f742231b10e8888abcd99yyyzzz85a5")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	v.now = func() time.Time { return now }
	return v
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestVerify(t *testing.T) {
	now := time.Unix(1767225600, 0)
	v := newTestVerifier(t, now)
	body := []byte("payload=%7B%22type%22%3A%22block_actions%22%7D")
	ts := strconv.FormatInt(now.Unix(), 10)
	good := v.Sign(body, ts)

	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	future := strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10)

	tests := []struct {
		name      string
		body      []byte
		timestamp string
		signature string
		wantOK    bool
	}{
		{name: "valid", body: body, timestamp: ts, signature: good, wantOK: true},
		{name: "within window", body: body, timestamp: strconv.FormatInt(now.Add(-4*time.Minute).Unix(), 10),
			signature: v.Sign(body, strconv.FormatInt(now.Add(-4*time.Minute).Unix(), 10)), wantOK: true},
		{name: "stale but correctly signed", body: body, timestamp: stale, signature: v.Sign(body, stale)},
		{name: "future but correctly signed", body: body, timestamp: future, signature: v.Sign(body, future)},
		{name: "body altered", body: append([]byte{}, append(body, 'x')...), timestamp: ts, signature: good},
		{name: "timestamp altered", body: body, timestamp: strconv.FormatInt(now.Unix()-1, 10), signature: good},
		{name: "missing prefix", body: body, timestamp: ts, signature: good[3:]},
		{name: "not hex", body: body, timestamp: ts, signature: "v0=zzzz"},
		{name: "malformed timestamp", body: body, timestamp: "yesterday", signature: good},
		{name: "empty", body: body},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.body, tt.timestamp, tt.signature)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var sve *SignatureVerificationError
			if !errors.As(err, &sve) {
				t.Fatalf("expected SignatureVerificationError, got %v", err)
			}
			if v.Valid(tt.body, tt.timestamp, tt.signature) {
				t.Error("Valid disagrees with Verify")
			}
		})
	}
}

func TestVerify_OtherSecret(t *testing.T) {
	now := time.Unix(1767225600, 0)
	v := newTestVerifier(t, now)
	other, _ := NewVerifier("another-secret")

	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte("payload=x")
	if v.Valid(body, ts, other.Sign(body, ts)) {
		t.Error("signature from another secret accepted")
	}
}

func TestTokenSigner(t *testing.T) {
	s := NewTokenSigner("secret")
	token := s.Issue("3f2b6c1e-draft")

	id, err := s.Open(token)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if id != "3f2b6c1e-draft" {
		t.Errorf("draft ID = %q", id)
	}

	tampered := "other-draft" + token[len("3f2b6c1e-draft"):]
	bad := []string{
		tampered,
		token + "x",
		"no-dot",
		".tagonly",
		"idonly.",
		"",
	}
	for _, tok := range bad {
		if _, err := s.Open(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Open(%q) = %v, want ErrInvalidToken", tok, err)
		}
	}

	if _, err := NewTokenSigner("different").Open(token); !errors.Is(err, ErrInvalidToken) {
		t.Error("token from another key accepted")
	}
}
