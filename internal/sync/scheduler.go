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

package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"
)

// DefaultInterval is the pause between scheduled cycles.
const DefaultInterval = 5 * time.Minute

// Cycler runs one triage cycle. Implemented by Coordinator.
type Cycler interface {
	RunCycle(ctx context.Context) Report
}

// Scheduler runs cycles in the background: once at start, then on every
// tick until stopped.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration

	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewScheduler creates a scheduler for c.
func NewScheduler(c Cycler, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{cycler: c, interval: interval}
}

// Start launches the loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.cycler.RunCycle(loopCtx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.cycler.RunCycle(loopCtx)
			}
		}
	}()

	slog.Info("sync scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits up to grace for the running cycle to
// return. It reports whether the loop exited in time.
func (s *Scheduler) Stop(grace time.Duration) bool {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		slog.Warn("sync cycle did not stop within grace period", "grace", grace)
		return false
	}
}
