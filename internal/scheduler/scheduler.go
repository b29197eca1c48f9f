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
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobFunc is one tick of a recurring job. now is the tick time in UTC.
type JobFunc func(ctx context.Context, now time.Time)

// Config contains configuration for a Scheduler
type Config struct {
	Name     string
	Interval time.Duration
	Job      JobFunc
	// RunOnStart runs the job once immediately instead of waiting for the first tick.
	RunOnStart bool
	Clock      func() time.Time
}

// Scheduler runs one job on a fixed interval. Ticks never overlap: a tick that
// fires while the job is still running is dropped by the ticker.
type Scheduler struct {
	name       string
	interval   time.Duration
	job        JobFunc
	runOnStart bool
	clock      func() time.Time

	// Control channels
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		name:       cfg.Name,
		interval:   cfg.Interval,
		job:        cfg.Job,
		runOnStart: cfg.RunOnStart,
		clock:      clock,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start launches the job loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
	zap.L().Info("Scheduler started",
		zap.String("job", s.name),
		zap.Duration("interval", s.interval))
}

// Stop gracefully stops the loop, waiting for a running job to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		zap.L().Info("Stopping scheduler", zap.String("job", s.name))
		close(s.stopChan)
	})
	<-s.doneChan
	zap.L().Info("Scheduler stopped", zap.String("job", s.name))
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.tick(ctx)
	}

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("Scheduled job panicked",
				zap.String("job", s.name),
				zap.Any("panic", r))
		}
	}()
	s.job(ctx, s.clock().UTC())
}
