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

// Package flexygen is the serving layer over the generation library: named
// sessions that pair a trigger-wired controller with a tokenizer, admission
// gating for concurrent runs, and Prometheus metrics.
package flexygen

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/generation"
	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/tokenizers"
)

// ErrSessionNotFound is returned when looking up an unknown session name
var ErrSessionNotFound = errors.New("session not found")

// runner abstracts the two controller variants. Both satisfy it.
type runner interface {
	GenerateMasked(ctx context.Context, prompts [][]int32, masks [][]int32) (*generation.Result, error)
}

// Session binds a controller, with its triggers already registered, to a
// tokenizer and a run gate under a stable name. Sessions are safe for
// concurrent use; for a sentence-level controller, which keeps sentence
// buffers between steps, configure the gate with one concurrent run.
type Session struct {
	name   string
	ctrl   runner
	tok    tokenizers.Tokenizer
	gate   *RunGate
	logger *zap.Logger
}

// NewSession wraps a plain controller.
func NewSession(name string, ctrl *generation.Controller, tok tokenizers.Tokenizer, gateCfg RunGateConfig, logger *zap.Logger) *Session {
	return newSession(name, ctrl, tok, gateCfg, logger)
}

// NewSentenceSession wraps a sentence-level controller.
func NewSentenceSession(name string, ctrl *generation.SentenceController, tok tokenizers.Tokenizer, gateCfg RunGateConfig, logger *zap.Logger) *Session {
	return newSession(name, ctrl, tok, gateCfg, logger)
}

func newSession(name string, ctrl runner, tok tokenizers.Tokenizer, gateCfg RunGateConfig, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		name:   name,
		ctrl:   ctrl,
		tok:    tok,
		gate:   NewRunGate(name, gateCfg, logger),
		logger: logger,
	}
}

// Name returns the session's registry name.
func (s *Session) Name() string { return s.name }

// Gate exposes the session's admission gate, mainly for stats endpoints.
func (s *Session) Gate() *RunGate { return s.gate }

// Generate encodes the prompts and runs one gated generation.
func (s *Session) Generate(ctx context.Context, prompts []string) (*generation.Result, error) {
	rows := make([][]int32, len(prompts))
	for i, p := range prompts {
		ids, err := s.tok.Encode(p)
		if err != nil {
			runsTotal.WithLabelValues(s.name, "encode_error").Inc()
			return nil, fmt.Errorf("encoding prompt %d: %w", i, err)
		}
		rows[i] = tokenizers.IntToInt32(ids)
	}
	return s.GenerateTokens(ctx, rows, nil)
}

// GenerateTokens runs one gated generation over pre-tokenized rows.
func (s *Session) GenerateTokens(ctx context.Context, prompts [][]int32, masks [][]int32) (*generation.Result, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueFull):
			runsTotal.WithLabelValues(s.name, "queue_full").Inc()
		case errors.Is(err, ErrRunTimeout):
			runsTotal.WithLabelValues(s.name, "timeout").Inc()
		default:
			runsTotal.WithLabelValues(s.name, "cancelled").Inc()
		}
		return nil, err
	}
	defer release()

	start := time.Now()
	res, err := s.ctrl.GenerateMasked(ctx, prompts, masks)
	runDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	if res != nil {
		s.record(res)
	}
	if err != nil {
		status := "model_error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "cancelled"
		}
		runsTotal.WithLabelValues(s.name, status).Inc()
		s.logger.Error("Generation run failed",
			zap.String("session", s.name),
			zap.Int("rows", len(prompts)),
			zap.Error(err))
		return res, err
	}

	runsTotal.WithLabelValues(s.name, "ok").Inc()
	s.logger.Info("Generation run finished",
		zap.String("session", s.name),
		zap.Int("rows", len(prompts)),
		zap.Int("steps", res.Steps),
		zap.Int("splices", res.SplicesApplied),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

func (s *Session) record(res *generation.Result) {
	stepsTotal.WithLabelValues(s.name).Add(float64(res.Steps))
	splicesTotal.WithLabelValues(s.name).Add(float64(res.SplicesApplied))
	splicedTokensTotal.WithLabelValues(s.name).Add(float64(res.SplicedTokens))
	spliceFailuresTotal.WithLabelValues(s.name).Add(float64(len(res.SpliceFailures)))
	for _, tf := range res.TriggerFailures {
		triggerFailuresTotal.WithLabelValues(s.name, tf.Name).Inc()
	}
	for _, row := range res.Rows {
		rowsTotal.WithLabelValues(s.name, string(row.FinishReason)).Inc()
	}
}

// SessionRegistry manages named sessions
type SessionRegistry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry(logger *zap.Logger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Add registers a session under its name. Names are unique.
func (r *SessionRegistry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Name()]; ok {
		return fmt.Errorf("session %q already registered", s.Name())
	}
	r.sessions[s.Name()] = s
	r.logger.Info("Session registered", zap.String("session", s.Name()))
	return nil
}

// Get looks up a session by name.
func (r *SessionRegistry) Get(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, name)
	}
	return s, nil
}

// Remove drops a session by name.
func (r *SessionRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

// Names lists registered sessions in sorted order.
func (r *SessionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len counts registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
