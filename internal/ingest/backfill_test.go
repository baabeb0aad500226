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

package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mailki/agent/internal/models"
)

func TestBackfill_ListsWindowAndKeepsCursor(t *testing.T) {
	p, st, gw, mb := setup(t, nil)
	ctx := context.Background()
	now := t0.Add(time.Hour)

	deliver(gw, "old", "Zu alt", now.Add(-30*24*time.Hour))
	deliver(gw, "m-1", "Letzte Woche", now.Add(-3*24*time.Hour))
	deliver(gw, "m-2", "Gestern", now.Add(-24*time.Hour))

	res := p.Backfill(ctx, BackfillRequest{Mailboxes: []models.Mailbox{*mb}, Since: 7 * 24 * time.Hour})

	if res.TotalNew != 2 || res.TotalSkipped != 0 {
		t.Errorf("result = %+v", res)
	}
	want := now.Add(-7 * 24 * time.Hour)
	if gw.ListCalls[0] == nil || !gw.ListCalls[0].Equal(want) {
		t.Errorf("since = %v, want %v", gw.ListCalls[0], want)
	}
	if c := reload(t, st, mb.ID).LastSyncAt; c != nil {
		t.Errorf("backfill moved the cursor to %v", c)
	}

	// A second run skips what is already stored.
	res = p.Backfill(ctx, BackfillRequest{Mailboxes: []models.Mailbox{*mb}, Since: 7 * 24 * time.Hour})
	if res.TotalNew != 0 || res.TotalSkipped != 2 {
		t.Errorf("second run = %+v", res)
	}
}

func TestBackfill_ContinuesAfterMailboxFailure(t *testing.T) {
	p, st, gw, mb := setup(t, nil)
	ctx := context.Background()

	other := &models.Mailbox{Address: "sales@mailki.de", CredentialsRef: "sales", Active: true}
	if err := st.CreateMailbox(ctx, other); err != nil {
		t.Fatal(err)
	}
	gw.ListErr[mb.Address] = errors.New("invalid_grant")
	deliver(gw, "m-1", "Hallo", t0)

	res := p.Backfill(ctx, BackfillRequest{Mailboxes: []models.Mailbox{*mb, *other}, Since: 24 * time.Hour})
	if len(res.Mailboxes) != 2 {
		t.Fatalf("results = %+v", res.Mailboxes)
	}
	if res.Mailboxes[0].Errors != 1 {
		t.Errorf("first mailbox = %+v", res.Mailboxes[0])
	}
	if res.Mailboxes[1].Stored != 1 {
		t.Errorf("second mailbox = %+v", res.Mailboxes[1])
	}
}
