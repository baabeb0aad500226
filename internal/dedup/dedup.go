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

// Package dedup provides Redis-backed idempotency primitives: a seen-ID
// filter for duplicate review callbacks and a per-thread send ledger that
// guards against replying twice to the same conversation.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a callback fingerprint is remembered. Slack
	// retries a delivery within minutes, so a day is ample.
	DefaultTTL = 24 * time.Hour

	// DefaultPrefix namespaces filter keys in Redis.
	DefaultPrefix = "mailki:seen:"
)

// Filter tracks which callback fingerprints have already been processed.
type Filter struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

// FilterConfig holds settings for the Redis filter.
type FilterConfig struct {
	TTL    time.Duration
	Prefix string
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb redis.Cmdable, cfg FilterConfig) *Filter {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return &Filter{rdb: rdb, ttl: cfg.TTL, prefix: cfg.Prefix}
}

// IsNew returns true if the ID has NOT been seen before and marks it seen
// atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, id string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, f.prefix+id, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}
