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

// Package review connects drafts to the human review channel (Slack): it
// posts drafts for approval, verifies and decodes interaction callbacks,
// and routes them to the draft lifecycle.
package review

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultReplayWindow is the maximum age of an accepted callback.
const DefaultReplayWindow = 5 * time.Minute

// SignatureVerificationError explains why a callback was not accepted.
type SignatureVerificationError struct {
	Reason string
}

func (e *SignatureVerificationError) Error() string {
	return "signature verification failed: " + e.Reason
}

// Verifier checks Slack request signatures.
type Verifier struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier. An empty secret is a configuration error.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("slack signing secret is required")
	}
	return &Verifier{
		secret: []byte(secret),
		window: DefaultReplayWindow,
		now:    time.Now,
	}, nil
}

// Sign returns the "v0=" signature of body at timestamp.
func (v *Verifier) Sign(body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify accepts the callback only if the timestamp is within the replay
// window and the signature matches.
func (v *Verifier) Verify(body []byte, timestamp, signature string) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return &SignatureVerificationError{Reason: "malformed timestamp"}
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.window {
		return &SignatureVerificationError{Reason: "timestamp outside replay window"}
	}

	given, err := hex.DecodeString(strings.TrimPrefix(signature, "v0="))
	if err != nil || !strings.HasPrefix(signature, "v0=") {
		return &SignatureVerificationError{Reason: "malformed signature"}
	}
	expected, _ := hex.DecodeString(strings.TrimPrefix(v.Sign(body, timestamp), "v0="))
	if !hmac.Equal(given, expected) {
		return &SignatureVerificationError{Reason: "signature mismatch"}
	}
	return nil
}

// Valid is Verify as a boolean.
func (v *Verifier) Valid(body []byte, timestamp, signature string) bool {
	return v.Verify(body, timestamp, signature) == nil
}
