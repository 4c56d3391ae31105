// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", time.Minute, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleResult() *datatypes.ToolResult {
	return &datatypes.ToolResult{
		Evidence: []datatypes.EvidenceItem{{
			ID:          "team_game_stats:zone_entry_rate",
			Type:        datatypes.EvidenceMetric,
			Citation:    "[team_game_stats:zone_entry_rate]",
			Metric:      "zone_entry_rate",
			Value:       54.2,
			Confidence:  1.0,
			SourceScope: datatypes.ScopeTeam,
		}},
		Analytics: &datatypes.AnalyticsPayload{
			Metric:      "zone_entry_rate",
			Aggregates:  map[string]float64{"zone_entry_rate": 54.2},
			RowsScanned: 82,
			Source:      "team_game_stats",
		},
	}
}

func TestFingerprint(t *testing.T) {
	scopes := datatypes.NewScopeSet(datatypes.ScopeTeam, datatypes.ScopeGame)

	t.Run("deterministic across param ordering", func(t *testing.T) {
		a := Fingerprint("metric_query", map[string]string{"metric": "points", "team": "MTL"}, scopes)
		b := Fingerprint("metric_query", map[string]string{"team": "MTL", "metric": "points"}, scopes)
		if a != b {
			t.Error("fingerprint must not depend on map iteration order")
		}
		if len(a) != 64 {
			t.Errorf("expected 64 hex chars, got %d", len(a))
		}
	})

	t.Run("params change the fingerprint", func(t *testing.T) {
		a := Fingerprint("metric_query", map[string]string{"metric": "points"}, scopes)
		b := Fingerprint("metric_query", map[string]string{"metric": "goals"}, scopes)
		if a == b {
			t.Error("different params must produce different fingerprints")
		}
	})

	t.Run("scope set changes the fingerprint", func(t *testing.T) {
		params := map[string]string{"metric": "points"}
		a := Fingerprint("metric_query", params, datatypes.NewScopeSet(datatypes.ScopeTeam))
		b := Fingerprint("metric_query", params, datatypes.NewScopeSet(datatypes.ScopeTeam, datatypes.ScopeOpponent))
		if a == b {
			t.Error("a caller with different scopes must never share a fingerprint")
		}
	})
}

func TestStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	fp := Fingerprint("metric_query", map[string]string{"metric": "zone_entry_rate", "team": "MTL"},
		datatypes.NewScopeSet(datatypes.ScopeTeam))

	t.Run("miss before put", func(t *testing.T) {
		got, err := s.Get(ctx, fp)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != nil {
			t.Fatal("expected a miss before Put")
		}
	})

	t.Run("hit after put", func(t *testing.T) {
		if err := s.Put(ctx, fp, sampleResult()); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(ctx, fp)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected a hit after Put")
		}
		if len(got.Evidence) != 1 || got.Evidence[0].Metric != "zone_entry_rate" {
			t.Errorf("unexpected cached evidence: %+v", got.Evidence)
		}
		if got.Analytics == nil || got.Analytics.Aggregates["zone_entry_rate"] != 54.2 {
			t.Errorf("unexpected cached analytics: %+v", got.Analytics)
		}
	})
}

func TestStore_TTLExpiry(t *testing.T) {
	s, err := Open("", 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	fp := Fingerprint("metric_query", map[string]string{"metric": "points"}, datatypes.NewScopeSet(datatypes.ScopeTeam))
	if err := s.Put(ctx, fp, sampleResult()); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	got, err := s.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("expected a miss after TTL expiry")
	}
}

func TestStore_NilSafety(t *testing.T) {
	var s *Store
	ctx := context.Background()

	got, err := s.Get(ctx, "abc")
	if err != nil || got != nil {
		t.Errorf("nil store Get must be a clean miss, got (%v, %v)", got, err)
	}
	if err := s.Put(ctx, "abc", sampleResult()); err != nil {
		t.Errorf("nil store Put must be a no-op, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("nil store Close must be a no-op, got %v", err)
	}
}
