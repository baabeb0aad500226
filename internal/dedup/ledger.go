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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ThreadState is what the ledger knows about replies in a thread.
type ThreadState string

const (
	ThreadFree    ThreadState = ""
	ThreadPending ThreadState = "pending"
	ThreadSent    ThreadState = "sent"
)

const (
	// DefaultPendingTTL bounds how long a crashed sender can hold a claim.
	DefaultPendingTTL = 10 * time.Minute
	// DefaultSentTTL is how long a completed send is remembered.
	DefaultSentTTL = 90 * 24 * time.Hour

	DefaultLedgerPrefix = "mailki:thread:"
)

// releaseScript deletes the key only while it still holds "pending".
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == "pending" then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Ledger records in-flight and completed sends per provider thread. It is
// shared by every process that can send, so it is the source of truth for
// "has this thread already been answered".
type Ledger struct {
	rdb        redis.Cmdable
	prefix     string
	pendingTTL time.Duration
	sentTTL    time.Duration
}

// LedgerConfig holds settings for the Redis ledger.
type LedgerConfig struct {
	Prefix     string
	PendingTTL time.Duration
	SentTTL    time.Duration
}

// NewLedger creates a send ledger backed by Redis.
func NewLedger(rdb redis.Cmdable, cfg LedgerConfig) *Ledger {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultLedgerPrefix
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.SentTTL <= 0 {
		cfg.SentTTL = DefaultSentTTL
	}
	return &Ledger{
		rdb:        rdb,
		prefix:     cfg.Prefix,
		pendingTTL: cfg.PendingTTL,
		sentTTL:    cfg.SentTTL,
	}
}

// Claim reserves the thread for one send. When the claim fails, the
// returned state says why: another send is pending or one already happened.
func (l *Ledger) Claim(ctx context.Context, threadID string) (bool, ThreadState, error) {
	key := l.prefix + threadID

	set, err := l.rdb.SetNX(ctx, key, string(ThreadPending), l.pendingTTL).Result()
	if err != nil {
		return false, ThreadFree, fmt.Errorf("ledger SETNX: %w", err)
	}
	if set {
		return true, ThreadPending, nil
	}

	val, err := l.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; report it as busy and let the
		// caller retry.
		return false, ThreadPending, nil
	}
	if err != nil {
		return false, ThreadFree, fmt.Errorf("ledger GET: %w", err)
	}
	return false, ThreadState(val), nil
}

// MarkSent records a completed send.
func (l *Ledger) MarkSent(ctx context.Context, threadID string) error {
	if err := l.rdb.Set(ctx, l.prefix+threadID, string(ThreadSent), l.sentTTL).Err(); err != nil {
		return fmt.Errorf("ledger SET: %w", err)
	}
	return nil
}

// Release drops a pending claim after a failed send. A thread already
// marked sent is left alone.
func (l *Ledger) Release(ctx context.Context, threadID string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.prefix + threadID}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("ledger release: %w", err)
	}
	return nil
}

// Status reports the current state of a thread.
func (l *Ledger) Status(ctx context.Context, threadID string) (ThreadState, error) {
	val, err := l.rdb.Get(ctx, l.prefix+threadID).Result()
	if errors.Is(err, redis.Nil) {
		return ThreadFree, nil
	}
	if err != nil {
		return ThreadFree, fmt.Errorf("ledger GET: %w", err)
	}
	return ThreadState(val), nil
}
