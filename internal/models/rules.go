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

package models

// VIPRule maps a sender pattern to a priority override.
type VIPRule struct {
	Pattern             string `json:"email_pattern"`
	Name                string `json:"name,omitempty"`
	Priority            string `json:"priority"`
	SpecialInstructions string `json:"special_instructions,omitempty"`
}

// ComplianceRule is a content pattern whose match is surfaced as a caution flag.
type ComplianceRule struct {
	Name        string `json:"rule_name"`
	Description string `json:"description,omitempty"`
	Pattern     string `json:"pattern"`
	Action      string `json:"action"` // "flag"
	Active      bool   `json:"is_active"`
}

// ToneTemplate is a named generation prompt.
type ToneTemplate struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	PromptTemplate string `json:"prompt_template"`
	Default        bool   `json:"is_default"`
}

// Signature is appended verbatim to every generated reply.
type Signature struct {
	Name        string `json:"name"`
	ContentText string `json:"content_text"`
	ContentHTML string `json:"content_html,omitempty"`
	Language    string `json:"language"`
	Default     bool   `json:"is_default"`
}
