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

// Package queue publishes draft lifecycle events to a Redis list so other
// services (dashboards, analytics workers) can follow review activity.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailki/agent/internal/models"
)

// DefaultQueue is the Redis list events are pushed to.
const DefaultQueue = "mailki:draft-events"

// EventType names a lifecycle step.
type EventType string

const (
	EventCreated  EventType = "draft.created"
	EventRevised  EventType = "draft.revised"
	EventApproved EventType = "draft.approved"
	EventSent     EventType = "draft.sent"
	EventRejected EventType = "draft.rejected"
)

// Event is one lifecycle step of a draft.
type Event struct {
	ID         string             `json:"id"`
	Type       EventType          `json:"type"`
	DraftID    string             `json:"draft_id"`
	MessageID  string             `json:"message_id"`
	Status     models.DraftStatus `json:"status"`
	Version    int                `json:"version"`
	ReviewerID string             `json:"reviewer_id,omitempty"`
	At         time.Time          `json:"at"`
}

// NewEvent builds an event from the draft's current state.
func NewEvent(t EventType, d *models.Draft, reviewerID string) Event {
	return Event{
		Type:       t,
		DraftID:    d.ID,
		MessageID:  d.MessageID,
		Status:     d.Status,
		Version:    d.Version,
		ReviewerID: reviewerID,
	}
}

// Publisher pushes events onto a Redis list.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified list.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Publish serialises the event and LPUSHes it. ID and At are filled in when
// empty.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal draft event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published draft event",
		"event_id", ev.ID,
		"type", ev.Type,
		"draft_id", ev.DraftID,
		"queue", p.queueName,
	)
	return nil
}

// Recent returns up to n of the newest events.
func (p *Publisher) Recent(ctx context.Context, n int64) ([]Event, error) {
	raw, err := p.rdb.LRange(ctx, p.queueName, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE: %w", err)
	}
	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			slog.Warn("skipping malformed draft event", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
