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

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mailki/agent/internal/models"
)

// Tables is an immutable snapshot of every rule table.
type Tables struct {
	VIPs       []models.VIPRule
	Compliance []models.ComplianceRule
	Tones      []models.ToneTemplate
	Signatures []models.Signature
}

// DefaultTone returns the tone marked default, or the first tone if none is.
func (t *Tables) DefaultTone() (models.ToneTemplate, bool) {
	for _, tone := range t.Tones {
		if tone.Default {
			return tone, true
		}
	}
	if len(t.Tones) > 0 {
		return t.Tones[0], true
	}
	return models.ToneTemplate{}, false
}

// DefaultSignature returns the signature marked default, if any.
func (t *Tables) DefaultSignature() (models.Signature, bool) {
	for _, sig := range t.Signatures {
		if sig.Default {
			return sig, true
		}
	}
	return models.Signature{}, false
}

// Context is everything the generator needs to know about one message.
type Context struct {
	Priority        string
	VIP             bool
	VIPInstructions string
	Flags           []string
	Tone            models.ToneTemplate
	Signature       string
}

// defaultPriority is used when no VIP rule matches.
const defaultPriority = "normal"

// fallbackTone is used when the tone table is empty.
var fallbackTone = models.ToneTemplate{
	Name:           "formal",
	PromptTemplate: "Antworte hoeflich, sachlich und professionell auf Deutsch.",
}

// Evaluate runs every lookup against one message using this snapshot.
func (t *Tables) Evaluate(sender, body string) Context {
	pc := Context{Priority: defaultPriority, Tone: fallbackTone}

	if rule, ok := matchVIP(sender, t.VIPs); ok {
		pc.VIP = true
		pc.Priority = rule.Priority
		pc.VIPInstructions = rule.SpecialInstructions
	}

	pc.Flags = CheckCompliance(body, t.Compliance)

	if tone, ok := t.DefaultTone(); ok {
		pc.Tone = tone
	}
	if sig, ok := t.DefaultSignature(); ok {
		pc.Signature = sig.ContentText
	}
	return pc
}

// Loader reads the rule tables from their backing store.
type Loader interface {
	LoadPolicyTables(ctx context.Context) (*Tables, error)
}

// Registry publishes the current Tables snapshot to concurrent readers.
type Registry struct {
	current atomic.Pointer[Tables]
}

// NewRegistry creates a registry holding the given snapshot.
func NewRegistry(initial *Tables) *Registry {
	r := &Registry{}
	if initial == nil {
		initial = &Tables{}
	}
	r.current.Store(initial)
	return r
}

// Current returns the snapshot in effect. Callers must not mutate it.
func (r *Registry) Current() *Tables {
	return r.current.Load()
}

// Reload fetches fresh tables and swaps them in. On failure the previous
// snapshot stays in effect.
func (r *Registry) Reload(ctx context.Context, l Loader) error {
	t, err := l.LoadPolicyTables(ctx)
	if err != nil {
		return fmt.Errorf("load policy tables: %w", err)
	}
	r.current.Store(t)

	slog.Debug("policy tables reloaded",
		"vips", len(t.VIPs),
		"compliance", len(t.Compliance),
		"tones", len(t.Tones),
		"signatures", len(t.Signatures),
	)
	return nil
}
