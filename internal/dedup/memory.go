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

package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryFilter is a single-process Filter for local runs without Redis.
type MemoryFilter struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

// NewMemoryFilter creates an in-process filter.
func NewMemoryFilter(ttl time.Duration) *MemoryFilter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryFilter{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// IsNew reports whether id is unseen within the TTL and marks it seen.
func (f *MemoryFilter) IsNew(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if exp, ok := f.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	f.seen[id] = now.Add(f.ttl)
	return true, nil
}

// MemoryLedger is a single-process Ledger for local runs without Redis.
type MemoryLedger struct {
	mu      sync.Mutex
	threads map[string]ThreadState
}

// NewMemoryLedger creates an in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{threads: make(map[string]ThreadState)}
}

func (l *MemoryLedger) Claim(_ context.Context, threadID string) (bool, ThreadState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st := l.threads[threadID]; st != ThreadFree {
		return false, st, nil
	}
	l.threads[threadID] = ThreadPending
	return true, ThreadPending, nil
}

func (l *MemoryLedger) MarkSent(_ context.Context, threadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threads[threadID] = ThreadSent
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, threadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.threads[threadID] == ThreadPending {
		delete(l.threads, threadID)
	}
	return nil
}

func (l *MemoryLedger) Status(_ context.Context, threadID string) (ThreadState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threads[threadID], nil
}
