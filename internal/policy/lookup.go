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

// Package policy evaluates the knowledge-base rule tables (VIP senders,
// compliance patterns, tone templates, signatures) against inbound mail.
// The tables are read-only here; they are loaded as an immutable snapshot
// and swapped atomically when reloaded.
package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mailki/agent/internal/models"
)

// PolicyRuleError reports a compliance rule whose pattern cannot be compiled.
type PolicyRuleError struct {
	Rule string
	Err  error
}

func (e *PolicyRuleError) Error() string {
	return fmt.Sprintf("compliance rule %q: invalid pattern: %v", e.Rule, e.Err)
}

func (e *PolicyRuleError) Unwrap() error { return e.Err }

// CheckVIP returns the priority of the first VIP rule whose pattern occurs in
// the sender address. Rules are tried in list order; the first match wins even
// when a later rule carries a higher priority.
func CheckVIP(sender string, rules []models.VIPRule) (string, bool) {
	rule, ok := matchVIP(sender, rules)
	if !ok {
		return "", false
	}
	return rule.Priority, true
}

func matchVIP(sender string, rules []models.VIPRule) (models.VIPRule, bool) {
	s := strings.ToLower(sender)
	for _, r := range rules {
		p := strings.ToLower(strings.TrimSpace(r.Pattern))
		if p == "" {
			continue
		}
		if strings.Contains(s, p) {
			return r, true
		}
	}
	return models.VIPRule{}, false
}

// CheckCompliance returns one flag per active rule whose pattern matches the
// body (case-insensitive regexp search), formatted "<rule_name>: <description>".
// A rule with an invalid pattern is logged and skipped.
func CheckCompliance(body string, rules []models.ComplianceRule) []string {
	flags := []string{}
	for _, r := range rules {
		if !r.Active || r.Pattern == "" {
			continue
		}

		re, err := compile(r)
		if err != nil {
			slog.Warn("skipping compliance rule", "rule", r.Name, "error", err)
			continue
		}

		if re.MatchString(body) {
			flags = append(flags, fmt.Sprintf("%s: %s", r.Name, r.Description))
		}
	}
	return flags
}

func compile(r models.ComplianceRule) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return nil, &PolicyRuleError{Rule: r.Name, Err: err}
	}
	return re, nil
}
