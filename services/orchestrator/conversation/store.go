// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation keeps bounded per-conversation history in memory.
//
// History exists for one purpose: letting the classifier resolve follow-up
// references ("them", "he") against recent turns. Retention is bounded both
// ways — a maximum turn count per conversation and a TTL after the last
// touch, enforced by a background janitor.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

// entry is one conversation's retained state.
type entry struct {
	turns     []datatypes.Turn
	lastTouch time.Time
}

// convKey scopes a conversation id to its owner. Two users reusing the same
// id ("conv-1") get independent histories instead of clobbering each other.
func convKey(conversationID, userID string) string {
	return userID + "\x00" + conversationID
}

// Store holds conversation histories.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	convs    map[string]*entry
	maxTurns int
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates a Store.
//
// Inputs:
//
//	maxTurns - Turns retained per conversation; older turns are dropped.
//	ttl      - Idle lifetime of a conversation.
//	logger   - Logger instance. Nil selects slog.Default.
func NewStore(maxTurns int, ttl time.Duration, logger *slog.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		convs:    make(map[string]*entry),
		maxTurns: maxTurns,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// History returns the retained turns for a conversation, oldest first.
// Conversations are private to their owner: a caller asking for another
// user's conversation gets an empty history, not an error, so conversation
// ids leak nothing.
func (s *Store) History(conversationID, userID string) []datatypes.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.convs[convKey(conversationID, userID)]
	if !ok {
		return nil
	}
	if s.now().Sub(e.lastTouch) > s.ttl {
		return nil
	}
	out := make([]datatypes.Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// Append records a completed turn, evicting the oldest once the per-
// conversation cap is reached.
func (s *Store) Append(conversationID, userID string, turn datatypes.Turn) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := convKey(conversationID, userID)
	e, ok := s.convs[key]
	if !ok {
		e = &entry{}
		s.convs[key] = e
	}
	e.turns = append(e.turns, turn)
	if len(e.turns) > s.maxTurns {
		e.turns = e.turns[len(e.turns)-s.maxTurns:]
	}
	e.lastTouch = s.now()
}

// Len reports how many conversations are retained. Used by tests and the
// readiness probe.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// StartJanitor launches the background sweep that drops idle conversations.
// Returns after ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.convs {
		if e.lastTouch.Before(cutoff) {
			delete(s.convs, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept idle conversations",
			slog.Int("removed", removed),
			slog.Int("remaining", len(s.convs)),
		)
	}
}
