// Copyright 2025 The Flexygen Authors
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

package flexygen

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned when the run queue is at capacity
	ErrQueueFull = errors.New("run queue is full")

	// ErrRunTimeout is returned when a run waits longer than the timeout
	ErrRunTimeout = errors.New("run timeout exceeded")
)

// RunGate limits how many generation runs execute at once. A model holds
// per-run cache state in device memory, so unbounded concurrency degrades
// every run; the gate queues overflow with backpressure.
type RunGate struct {
	session       string
	maxConcurrent int64         // 0 = unlimited
	maxQueueSize  int64         // 0 = unlimited (only when maxConcurrent > 0)
	timeout       time.Duration // 0 = no timeout

	sem *semaphore.Weighted

	currentActive atomic.Int64
	currentQueued atomic.Int64
	totalRuns     atomic.Int64
	totalRejected atomic.Int64
	totalTimedOut atomic.Int64

	logger *zap.Logger
}

// RunGateConfig holds configuration for the run gate
type RunGateConfig struct {
	MaxConcurrentRuns int           // 0 = unlimited
	MaxQueueSize      int           // 0 = unlimited (only when MaxConcurrentRuns > 0)
	RunTimeout        time.Duration // 0 = no timeout
}

// NewRunGate creates a gate for the named session
func NewRunGate(session string, config RunGateConfig, logger *zap.Logger) *RunGate {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &RunGate{
		session:       session,
		maxConcurrent: int64(config.MaxConcurrentRuns),
		maxQueueSize:  int64(config.MaxQueueSize),
		timeout:       config.RunTimeout,
		logger:        logger,
	}

	if config.MaxConcurrentRuns > 0 {
		g.sem = semaphore.NewWeighted(int64(config.MaxConcurrentRuns))
		logger.Info("Run gate initialized",
			zap.String("session", session),
			zap.Int("max_concurrent", config.MaxConcurrentRuns),
			zap.Int("max_queue_size", config.MaxQueueSize),
			zap.Duration("timeout", config.RunTimeout))
	} else {
		logger.Info("Run gate disabled (unlimited concurrency)",
			zap.String("session", session))
	}

	return g
}

// Acquire claims an execution slot, waiting in the queue if none is free.
// The returned release function must be called when the run finishes.
func (g *RunGate) Acquire(ctx context.Context) (release func(), err error) {
	if g.sem == nil {
		g.currentActive.Add(1)
		return func() {
			g.currentActive.Add(-1)
			g.totalRuns.Add(1)
		}, nil
	}

	if g.sem.TryAcquire(1) {
		g.currentActive.Add(1)
		return g.makeRelease(), nil
	}

	// Reserve a queue slot with a CAS loop so concurrent callers cannot all
	// pass the capacity check before any of them increments.
	if g.maxQueueSize > 0 {
		for {
			queued := g.currentQueued.Load()
			if queued >= g.maxQueueSize {
				g.totalRejected.Add(1)
				g.logger.Warn("Run rejected: queue full",
					zap.String("session", g.session),
					zap.Int64("queued", queued),
					zap.Int64("max_queue", g.maxQueueSize))
				return nil, ErrQueueFull
			}
			if g.currentQueued.CompareAndSwap(queued, queued+1) {
				break
			}
		}
	} else {
		g.currentQueued.Add(1)
	}
	queueDepth.WithLabelValues(g.session).Inc()
	queueStart := time.Now()

	waitCtx := ctx
	var cancel context.CancelFunc
	if g.timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err = g.sem.Acquire(waitCtx, 1)
	g.currentQueued.Add(-1)
	queueDepth.WithLabelValues(g.session).Dec()
	if err != nil {
		if waitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			g.totalTimedOut.Add(1)
			g.logger.Warn("Run timed out in queue",
				zap.String("session", g.session),
				zap.Duration("wait_time", time.Since(queueStart)),
				zap.Duration("timeout", g.timeout))
			return nil, ErrRunTimeout
		}
		return nil, ctx.Err()
	}

	g.currentActive.Add(1)
	g.logger.Debug("Run dequeued",
		zap.String("session", g.session),
		zap.Duration("wait_time", time.Since(queueStart)))
	return g.makeRelease(), nil
}

func (g *RunGate) makeRelease() func() {
	return func() {
		g.currentActive.Add(-1)
		g.totalRuns.Add(1)
		g.sem.Release(1)
	}
}

// Stats returns current gate statistics
func (g *RunGate) Stats() GateStats {
	return GateStats{
		CurrentActive: g.currentActive.Load(),
		CurrentQueued: g.currentQueued.Load(),
		TotalRuns:     g.totalRuns.Load(),
		TotalRejected: g.totalRejected.Load(),
		TotalTimedOut: g.totalTimedOut.Load(),
		MaxConcurrent: g.maxConcurrent,
		MaxQueueSize:  g.maxQueueSize,
	}
}

// GateStats holds gate statistics
type GateStats struct {
	CurrentActive int64 `json:"current_active"`
	CurrentQueued int64 `json:"current_queued"`
	TotalRuns     int64 `json:"total_runs"`
	TotalRejected int64 `json:"total_rejected"`
	TotalTimedOut int64 `json:"total_timed_out"`
	MaxConcurrent int64 `json:"max_concurrent"`
	MaxQueueSize  int64 `json:"max_queue_size"`
}

// IsEnabled returns true if concurrency limiting is enabled
func (g *RunGate) IsEnabled() bool {
	return g.sem != nil
}
