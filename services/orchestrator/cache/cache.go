// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache persists tool results between queries in BadgerDB.
//
// Design choices:
//
//  1. BadgerDB (embedded): cached tool results are service infrastructure,
//     not user data. No network call, no availability dependency, ~100µs
//     access latency, and TTL expiry is enforced by Badger's GC rather
//     than application code.
//
//  2. Fingerprint as cache key: SHA256(tool id + normalized parameters +
//     the caller's sorted scope set). Including the scope set means two
//     callers with different permissions can never observe each other's
//     entries — a scout's cached opponent data is unreachable from a
//     player's fingerprint. No explicit invalidation API is needed.
//
//  3. Results are gob-encoded. Expired keys return ErrKeyNotFound, which
//     the store treats as a miss.
//
// Storage layout:
//
//	query/result/v1/{fingerprint}  →  gob-encoded datatypes.ToolResult
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

// resultKeyPrefix is prepended to the fingerprint to form the BadgerDB key.
// Versioned (v1) to allow future format changes without collision.
const resultKeyPrefix = "query/result/v1/"

// defaultTTL is applied when the configured TTL is non-positive. Five
// minutes matches the freshness window of the upstream stats feed.
const defaultTTL = 5 * time.Minute

// errCacheMiss distinguishes "key not found" (a normal miss) from a genuine
// storage error inside Get.
var errCacheMiss = errors.New("cache miss")

// =============================================================================
// Fingerprint
// =============================================================================

// Fingerprint computes the deterministic cache key for one tool invocation
// on behalf of one caller.
//
// # Description
//
// The digest covers the tool id, every invocation parameter in sorted key
// order, and the caller's sorted scope set. Parameter values are already
// normalized by the router, so two phrasings of the same question hash
// identically, while any scope difference produces a disjoint key space.
//
// Outputs:
//
//	string - Lowercase hex-encoded SHA256 digest (64 characters).
func Fingerprint(toolID string, params map[string]string, scopes datatypes.ScopeSet) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "tool=%s\n", toolID)
	for _, k := range keys {
		// Tab-delimited fields; newline terminates each entry. Stable
		// across Go versions.
		fmt.Fprintf(h, "%s\t%s\n", k, params[k])
	}
	for _, s := range scopes.Sorted() {
		fmt.Fprintf(h, "scope=%s\n", s)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// Store
// =============================================================================

// Store is the scope-aware fingerprint cache for tool results.
//
// # Description
//
// Both methods are nil-safe: a nil *Store reports every lookup as a miss
// and drops every write, so callers that run without a cache (tests, cold
// deployments) need no branching.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// Open creates a Store.
//
// Inputs:
//
//	dir    - BadgerDB directory. Empty selects in-memory mode (tests, or
//	         deployments that accept a cold cache per restart).
//	ttl    - Entry lifetime. Non-positive selects the 5-minute default.
//	logger - Logger for hit/miss diagnostics. Nil selects slog.Default.
//
// Outputs:
//
//	*Store - Ready-to-use store. Caller must Close it.
//	error  - Non-nil if the database cannot be opened.
func Open(dir string, ttl time.Duration, logger *slog.Logger) (*Store, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open result cache: %w", err)
	}
	return &Store{db: db, ttl: ttl, logger: logger}, nil
}

// Close releases the underlying database. Nil-safe.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get retrieves the cached result for a fingerprint.
//
// Outputs:
//
//	*datatypes.ToolResult - The cached result. Nil on miss.
//	error                 - Non-nil on storage or decode failure. Nil on
//	                        both miss and hit.
func (s *Store) Get(ctx context.Context, fingerprint string) (*datatypes.ToolResult, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(fingerprint))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})

	if errors.Is(err, errCacheMiss) {
		s.logger.Debug("result cache: miss", slog.String("fingerprint", shortHash(fingerprint)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("result cache load: %w", err)
	}

	var result datatypes.ToolResult
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&result); err != nil {
		return nil, fmt.Errorf("result cache decode: %w", err)
	}
	s.logger.Debug("result cache: hit", slog.String("fingerprint", shortHash(fingerprint)))
	return &result, nil
}

// Put persists a tool result under its fingerprint with the store TTL.
//
// # Description
//
// Persistence failure is non-fatal for callers: the executor logs the
// returned error as a warning and serves the live result anyway.
func (s *Store) Put(ctx context.Context, fingerprint string, result *datatypes.ToolResult) error {
	if s == nil || s.db == nil || result == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(result); err != nil {
		return fmt.Errorf("result cache encode: %w", err)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(resultKey(fingerprint), buf.Bytes()).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("result cache save: %w", err)
	}

	s.logger.Debug("result cache: saved",
		slog.String("fingerprint", shortHash(fingerprint)),
		slog.Duration("ttl", s.ttl),
	)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func resultKey(fingerprint string) []byte {
	return []byte(resultKeyPrefix + fingerprint)
}

// shortHash returns the first 8 characters of a hash for log display.
func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8] + "..."
	}
	return h
}
