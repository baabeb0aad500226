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

import "sync"

type labelKey struct {
	mailboxID string
	name      string
}

// LabelCache remembers provider label IDs per (mailbox, label name) for the
// lifetime of the gateway that owns it.
type LabelCache struct {
	mu  sync.Mutex
	ids map[labelKey]string
}

// NewLabelCache creates an empty cache.
func NewLabelCache() *LabelCache {
	return &LabelCache{ids: make(map[labelKey]string)}
}

// Get returns a cached label ID.
func (c *LabelCache) Get(mailboxID, name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[labelKey{mailboxID, name}]
	return id, ok
}

// Put records a label ID.
func (c *LabelCache) Put(mailboxID, name, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[labelKey{mailboxID, name}] = id
}

// Invalidate drops every entry.
func (c *LabelCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = make(map[labelKey]string)
}

// Len returns the number of cached entries.
func (c *LabelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
