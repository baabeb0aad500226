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

package queue

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailki/agent/internal/models"
)

func TestNewEvent(t *testing.T) {
	d := &models.Draft{ID: "d-1", MessageID: "m-1", Status: models.StatusSent, Version: 2}
	ev := NewEvent(EventSent, d, "U1")

	if ev.Type != EventSent || ev.DraftID != "d-1" || ev.MessageID != "m-1" || ev.Version != 2 || ev.ReviewerID != "U1" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Status != models.StatusSent {
		t.Errorf("status = %q", ev.Status)
	}
}

func TestPublisher_Redis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	name := "mailki:test-events:" + uuid.NewString()
	defer rdb.Del(ctx, name)

	p := NewPublisher(rdb, name)
	if err := p.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	d := &models.Draft{ID: "d-1", MessageID: "m-1", Status: models.StatusPendingApproval, Version: 1}
	if err := p.Publish(ctx, NewEvent(EventCreated, d, "")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d.Status = models.StatusRejected
	if err := p.Publish(ctx, NewEvent(EventRejected, d, "U1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events, err := p.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != EventRejected || events[1].Type != EventCreated {
		t.Errorf("unexpected order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].ID == "" || events[0].At.IsZero() {
		t.Errorf("ID/At not filled: %+v", events[0])
	}
}
