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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailki/agent/internal/lifecycle"
	"github.com/mailki/agent/internal/models"
	"github.com/mailki/agent/internal/sync"
)

type fakeCycles struct {
	calls []string
	rep   sync.Report
}

func (f *fakeCycles) RunCycle(context.Context) sync.Report {
	f.calls = append(f.calls, "run")
	return f.rep
}

func (f *fakeCycles) ProcessPending(context.Context) sync.Report {
	f.calls = append(f.calls, "process")
	return f.rep
}

func (f *fakeCycles) NotifyPending(context.Context) sync.Report {
	f.calls = append(f.calls, "notify")
	return f.rep
}

type fakeDrafts struct {
	drafts     map[string]models.Draft
	actions    map[string][]models.ApprovalAction
	lastStatus models.DraftStatus
	lastLimit  int
	listErr    error
}

func (f *fakeDrafts) Get(_ context.Context, id string) (*models.Draft, error) {
	d, ok := f.drafts[id]
	if !ok {
		return nil, lifecycle.ErrDraftNotFound
	}
	return &d, nil
}

func (f *fakeDrafts) List(_ context.Context, status models.DraftStatus, limit int) ([]models.Draft, error) {
	f.lastStatus, f.lastLimit = status, limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.Draft
	for _, d := range f.drafts {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDrafts) History(ctx context.Context, id string) ([]models.ApprovalAction, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return f.actions[id], nil
}

func newTestServer(checks ...Check) (*Server, *fakeCycles, *fakeDrafts) {
	cycles := &fakeCycles{}
	drafts := &fakeDrafts{
		drafts: map[string]models.Draft{
			"d-1": {ID: "d-1", Status: models.StatusPendingApproval, Version: 1},
			"d-2": {ID: "d-2", Status: models.StatusSent, Version: 2},
		},
		actions: map[string][]models.ApprovalAction{
			"d-2": {{ID: "a-1", DraftID: "d-2", ReviewerID: "U1", Action: models.ActionApproved}},
		},
	}
	s := NewServer(Config{
		Cycles: cycles,
		Drafts: drafts,
		Interactions: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		},
		Checks: checks,
	})
	return s, cycles, drafts
}

func do(s http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestCycleEndpoints(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/ingest", "run"},
		{"/process", "process"},
		{"/notify", "notify"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			s, cycles, _ := newTestServer()
			cycles.rep = sync.Report{Mailboxes: 1, Drafted: 2}

			rr := do(s, http.MethodPost, tt.path)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d", rr.Code)
			}
			if len(cycles.calls) != 1 || cycles.calls[0] != tt.want {
				t.Errorf("calls = %v", cycles.calls)
			}
			var rep sync.Report
			if err := json.Unmarshal(rr.Body.Bytes(), &rep); err != nil {
				t.Fatal(err)
			}
			if rep.Drafted != 2 {
				t.Errorf("report = %+v", rep)
			}
		})
	}
}

func TestCycleEndpoint_ReportsFailures(t *testing.T) {
	s, cycles, _ := newTestServer()
	cycles.rep = sync.Report{
		Failures: []sync.Failure{{Stage: "fetch", Key: "a@b.de", Err: errors.New("boom")}},
		Errors:   []string{"fetch a@b.de: boom"},
	}

	rr := do(s, http.MethodPost, "/ingest")
	if rr.Code != http.StatusMultiStatus {
		t.Errorf("status = %d, want 207", rr.Code)
	}
}

func TestCycleEndpoint_RejectsGet(t *testing.T) {
	s, cycles, _ := newTestServer()
	rr := do(s, http.MethodGet, "/ingest")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rr.Code)
	}
	if len(cycles.calls) != 0 {
		t.Error("cycle ran on GET")
	}
}

func TestListDrafts(t *testing.T) {
	s, _, drafts := newTestServer()

	rr := do(s, http.MethodGet, "/drafts?status=pending_approval&limit=5")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []models.Draft
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "d-1" {
		t.Errorf("drafts = %+v", got)
	}
	if drafts.lastStatus != models.StatusPendingApproval || drafts.lastLimit != 5 {
		t.Errorf("filter = %q/%d", drafts.lastStatus, drafts.lastLimit)
	}
}

func TestListDrafts_BadInput(t *testing.T) {
	s, _, _ := newTestServer()
	for _, target := range []string{"/drafts?status=bogus", "/drafts?limit=-1", "/drafts?limit=x"} {
		if rr := do(s, http.MethodGet, target); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", target, rr.Code)
		}
	}
}

func TestListDrafts_EmptyIsArray(t *testing.T) {
	s, _, _ := newTestServer()
	rr := do(s, http.MethodGet, "/drafts?status=rejected")
	if body := rr.Body.String(); body != "[]\n" {
		t.Errorf("body = %q", body)
	}
}

func TestListDrafts_StoreError(t *testing.T) {
	s, _, drafts := newTestServer()
	drafts.listErr = errors.New("db down")
	if rr := do(s, http.MethodGet, "/drafts"); rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestGetDraftAndHistory(t *testing.T) {
	s, _, _ := newTestServer()

	if rr := do(s, http.MethodGet, "/drafts/d-1"); rr.Code != http.StatusOK {
		t.Errorf("get status = %d", rr.Code)
	}
	if rr := do(s, http.MethodGet, "/drafts/missing"); rr.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", rr.Code)
	}

	rr := do(s, http.MethodGet, "/drafts/d-2/history")
	var actions []models.ApprovalAction
	if err := json.Unmarshal(rr.Body.Bytes(), &actions); err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Action != models.ActionApproved {
		t.Errorf("history = %+v", actions)
	}
	if rr := do(s, http.MethodGet, "/drafts/missing/history"); rr.Code != http.StatusNotFound {
		t.Errorf("missing history status = %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	ok := Check{Name: "redis", Ping: func(context.Context) error { return nil }}
	bad := Check{Name: "postgres", Ping: func(context.Context) error { return errors.New("refused") }}

	s, _, _ := newTestServer(ok)
	if rr := do(s, http.MethodGet, "/health"); rr.Code != http.StatusOK {
		t.Errorf("healthy status = %d", rr.Code)
	}

	s, _, _ = newTestServer(ok, bad)
	rr := do(s, http.MethodGet, "/health")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", rr.Code)
	}
	if body := rr.Body.String(); body != "{\"status\":\"postgres unhealthy\"}\n" {
		t.Errorf("body = %q", body)
	}
}

func TestInteractionsMounted(t *testing.T) {
	s, _, _ := newTestServer()
	if rr := do(s, http.MethodPost, "/slack/interactions"); rr.Code != http.StatusTeapot {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s, _, _ := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())

	ready, done, err := Serve(ctx, 0, s, time.Second)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	<-ready
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
