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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidToken is returned for a correlation token that was not issued
// by this service or was altered.
var ErrInvalidToken = errors.New("invalid correlation token")

// TokenSigner issues opaque correlation tokens that carry a draft ID
// through the feedback form round trip.
type TokenSigner struct {
	key []byte
}

// NewTokenSigner creates a signer keyed with secret.
func NewTokenSigner(secret string) *TokenSigner {
	return &TokenSigner{key: []byte("mailki-feedback:" + secret)}
}

// Issue returns "<draftID>.<tag>".
func (s *TokenSigner) Issue(draftID string) string {
	return draftID + "." + s.tag(draftID)
}

// Open returns the draft ID carried by token.
func (s *TokenSigner) Open(token string) (string, error) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", ErrInvalidToken
	}
	draftID, tag := token[:i], token[i+1:]
	if !hmac.Equal([]byte(tag), []byte(s.tag(draftID))) {
		return "", ErrInvalidToken
	}
	return draftID, nil
}

func (s *TokenSigner) tag(draftID string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(draftID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:16])
}
