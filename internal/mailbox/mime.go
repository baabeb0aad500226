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

package mailbox

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	gm "google.golang.org/api/gmail/v1"
)

// ExtractBody returns the plain-text body of a message payload: the direct
// body if present, else the first text/plain part, else the first text found
// inside nested multipart containers. Returns "" when there is none.
// Bodies are converted from their declared charset to valid UTF-8.
func ExtractBody(payload *gm.MessagePart) string {
	if payload == nil {
		return ""
	}

	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := decodePart(payload); err == nil {
			return decoded
		}
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodePart(part); err == nil {
				return decoded
			}
		}
	}

	for _, part := range payload.Parts {
		if body := ExtractBody(part); body != "" {
			return body
		}
	}

	return ""
}

// decodePart decodes a part body and converts it to UTF-8. Unknown charsets
// and stray invalid bytes are replaced rather than rejected.
func decodePart(part *gm.MessagePart) (string, error) {
	raw, err := decodeBase64URL(part.Body.Data)
	if err != nil {
		return "", err
	}
	if cs := partCharset(part); cs != "" && cs != "utf-8" && cs != "us-ascii" {
		if r, err := charset.Reader(cs, bytes.NewReader(raw)); err == nil {
			if converted, err := io.ReadAll(r); err == nil {
				raw = converted
			}
		}
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	return strings.ToValidUTF8(string(raw), "\uFFFD"), nil
}

// partCharset returns the lower-cased charset parameter of a part's
// Content-Type header, or "".
func partCharset(part *gm.MessagePart) string {
	for _, h := range part.Headers {
		if !strings.EqualFold(h.Name, "Content-Type") {
			continue
		}
		_, params, err := mime.ParseMediaType(h.Value)
		if err != nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(params["charset"]))
	}
	return ""
}

// decodeBase64URL decodes Gmail's base64url content, padded or not.
func decodeBase64URL(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

// headerMap converts Gmail API headers into a case-insensitive lookup.
func headerMap(headers []*gm.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[strings.ToLower(h.Name)] = h.Value
	}
	return m
}

// ComposeReply renders a plain-text RFC 5322 reply.
func ComposeReply(to, subject, body string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(ReplySubject(subject))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	if addrs, err := mail.ParseAddressList(to); err == nil && len(addrs) > 0 {
		h.SetAddressList("To", addrs)
	} else {
		h.Set("To", to)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeRaw encodes a message for the Gmail "raw" field.
func encodeRaw(msg []byte) string {
	return base64.URLEncoding.EncodeToString(msg)
}
