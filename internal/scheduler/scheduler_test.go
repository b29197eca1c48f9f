/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsAndStops(t *testing.T) {
	var runs atomic.Int32
	s := New(Config{
		Name:       "test",
		Interval:   5 * time.Millisecond,
		RunOnStart: true,
		Job: func(ctx context.Context, now time.Time) {
			if now.Location() != time.UTC {
				t.Errorf("Expected UTC tick time, got %s", now.Location())
			}
			runs.Add(1)
		},
	})

	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if runs.Load() < 3 {
		t.Fatalf("Expected at least 3 runs, got %d", runs.Load())
	}
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("Job ran after Stop returned")
	}
}

func TestSchedulerSurvivesPanic(t *testing.T) {
	var runs atomic.Int32
	s := New(Config{
		Name:       "panicky",
		Interval:   2 * time.Millisecond,
		RunOnStart: true,
		Job: func(ctx context.Context, now time.Time) {
			runs.Add(1)
			panic("boom")
		},
	})

	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	if runs.Load() < 2 {
		t.Errorf("Expected the loop to keep running after a panic, got %d runs", runs.Load())
	}
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{Name: "ctx", Interval: time.Hour, Job: func(context.Context, time.Time) {}})
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}
