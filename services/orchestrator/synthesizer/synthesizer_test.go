// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synthesizer

import (
	"strings"
	"testing"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

func coach() datatypes.UserContext {
	return datatypes.UserContext{UserID: "coach_martin", Role: datatypes.RoleCoach}
}

func metricItem(metric string, value float64) datatypes.EvidenceItem {
	return datatypes.EvidenceItem{
		ID:          "team_game_stats:" + metric,
		Type:        datatypes.EvidenceMetric,
		Citation:    "[team_game_stats:" + metric + "]",
		Metric:      metric,
		Value:       value,
		Confidence:  1.0,
		SourceScope: datatypes.ScopeTeam,
	}
}

func knowledgeItem(id, content string) datatypes.EvidenceItem {
	return datatypes.EvidenceItem{
		ID:          id,
		Type:        datatypes.EvidenceKnowledge,
		Citation:    "[prose:" + id + "]",
		Content:     content,
		Confidence:  0.9,
		SourceScope: datatypes.ScopeStrategy,
	}
}

func okInvocation(toolID string, result *datatypes.ToolResult) datatypes.ToolInvocation {
	return datatypes.ToolInvocation{
		ID:     toolID + "-1",
		ToolID: toolID,
		Status: datatypes.StatusOK,
		Result: result,
	}
}

func lookupIntent() datatypes.Intent {
	return datatypes.Intent{
		Category: datatypes.IntentLookup,
		Entities: map[string]string{
			datatypes.EntityMetric:    "zone_entry_rate",
			datatypes.EntityConcept:   "zone_entries",
			datatypes.EntityTeam:      "MTL",
			datatypes.EntityTimeframe: "current_season",
		},
	}
}

func TestSynthesize_AnsweredWithCitations(t *testing.T) {
	s := New(nil)
	invs := []datatypes.ToolInvocation{
		okInvocation(datatypes.ToolMetricQuery, &datatypes.ToolResult{
			Evidence:  []datatypes.EvidenceItem{metricItem("zone_entry_rate", 54.2)},
			Analytics: &datatypes.AnalyticsPayload{Metric: "zone_entry_rate", Aggregates: map[string]float64{"zone_entry_rate": 54.2}},
		}),
		okInvocation(datatypes.ToolKnowledgeSearch, &datatypes.ToolResult{
			Evidence: []datatypes.EvidenceItem{knowledgeItem("c1", "Controlled zone entries create more shot attempts than dump-ins.")},
		}),
	}

	resp := s.Synthesize(lookupIntent(), invs, coach())

	if resp.Status != datatypes.StatusAnswered {
		t.Fatalf("expected answered, got %s (%v)", resp.Status, resp.Warnings)
	}
	if !strings.Contains(resp.Narrative, "[team_game_stats:zone_entry_rate]") {
		t.Error("numeric claim must carry its citation marker")
	}
	if !strings.Contains(resp.Narrative, "[prose:c1]") {
		t.Error("prose claim must carry its citation marker")
	}
	if len(resp.Evidence) != 2 {
		t.Errorf("expected both evidence items kept, got %d", len(resp.Evidence))
	}
	if len(resp.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", resp.Warnings)
	}
}

func TestSynthesize_PartialOnDegradedSource(t *testing.T) {
	s := New(nil)
	invs := []datatypes.ToolInvocation{
		okInvocation(datatypes.ToolMetricQuery, &datatypes.ToolResult{
			Evidence: []datatypes.EvidenceItem{metricItem("points", 61)},
		}),
		{
			ID:     "knowledge-1",
			ToolID: datatypes.ToolKnowledgeSearch,
			Status: datatypes.StatusTimeout,
			Err:    "deadline exceeded",
		},
	}

	resp := s.Synthesize(lookupIntent(), invs, coach())

	if resp.Status != datatypes.StatusPartial {
		t.Fatalf("expected partial, got %s", resp.Status)
	}
	if len(resp.Warnings) != 1 || !strings.Contains(resp.Warnings[0], "timed out") {
		t.Errorf("expected a timeout warning, got %v", resp.Warnings)
	}
	if !strings.Contains(resp.Narrative, "61.0") {
		t.Error("completed evidence must still be rendered")
	}
}

func TestSynthesize_ConflictAnnotation(t *testing.T) {
	s := New(nil)
	stale := knowledgeItem("c9", "Zone entry rate has been stuck around 47 percent.")
	stale.Metric = "zone_entry_rate"
	stale.Value = 47.0

	invs := []datatypes.ToolInvocation{
		okInvocation(datatypes.ToolMetricQuery, &datatypes.ToolResult{
			Evidence: []datatypes.EvidenceItem{metricItem("zone_entry_rate", 54.2)},
		}),
		okInvocation(datatypes.ToolKnowledgeSearch, &datatypes.ToolResult{
			Evidence: []datatypes.EvidenceItem{stale},
		}),
	}

	resp := s.Synthesize(lookupIntent(), invs, coach())

	found := false
	for _, w := range resp.Warnings {
		if strings.Contains(w, "47.0") && strings.Contains(w, "54.2") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a conflict annotation naming both values, got %v", resp.Warnings)
	}
	if !strings.Contains(resp.Narrative, "54.2 [team_game_stats:zone_entry_rate]") {
		t.Error("the live value must be the cited number")
	}
	if len(resp.Evidence) != 2 {
		t.Error("the conflicting chunk must remain visible in the evidence list")
	}
}

func TestSynthesize_AgreementIsNotConflict(t *testing.T) {
	s := New(nil)
	agreeing := knowledgeItem("c2", "Entry rate holds in the mid fifties.")
	agreeing.Metric = "zone_entry_rate"
	agreeing.Value = 54.0

	invs := []datatypes.ToolInvocation{
		okInvocation(datatypes.ToolMetricQuery, &datatypes.ToolResult{
			Evidence: []datatypes.EvidenceItem{metricItem("zone_entry_rate", 54.2)},
		}),
		okInvocation(datatypes.ToolKnowledgeSearch, &datatypes.ToolResult{
			Evidence: []datatypes.EvidenceItem{agreeing},
		}),
	}

	resp := s.Synthesize(lookupIntent(), invs, coach())
	if len(resp.Warnings) != 0 {
		t.Errorf("values within tolerance must not warn, got %v", resp.Warnings)
	}
}

func TestSynthesize_NothingCompleted(t *testing.T) {
	s := New(nil)
	invs := []datatypes.ToolInvocation{
		{ID: "m-1", ToolID: datatypes.ToolMetricQuery, Status: datatypes.StatusError, Err: "store unavailable"},
	}

	resp := s.Synthesize(lookupIntent(), invs, coach())
	if resp.Status != datatypes.StatusErrorResponse {
		t.Errorf("expected error status when nothing completed, got %s", resp.Status)
	}
	if len(resp.Evidence) != 0 {
		t.Error("an error response must carry no evidence")
	}
}

func TestSynthesize_EmptyEvidenceIsPartial(t *testing.T) {
	s := New(nil)
	invs := []datatypes.ToolInvocation{
		okInvocation(datatypes.ToolMetricQuery, &datatypes.ToolResult{
			Analytics: &datatypes.AnalyticsPayload{Metric: "goals", Aggregates: map[string]float64{"games": 0}},
		}),
	}

	resp := s.Synthesize(lookupIntent(), invs, coach())
	if resp.Status != datatypes.StatusPartial {
		t.Errorf("expected partial for an empty window, got %s", resp.Status)
	}
	if !strings.Contains(strings.Join(resp.Warnings, " "), "no games or documents") {
		t.Errorf("expected an empty-window warning, got %v", resp.Warnings)
	}
}

func TestSynthesize_RoleFraming(t *testing.T) {
	s := New(nil)
	invs := []datatypes.ToolInvocation{
		okInvocation(datatypes.ToolMetricQuery, &datatypes.ToolResult{
			Evidence: []datatypes.EvidenceItem{metricItem("points", 61)},
		}),
	}

	t.Run("coach gets tactical framing", func(t *testing.T) {
		resp := s.Synthesize(lookupIntent(), invs, coach())
		if !strings.HasPrefix(resp.Narrative, "Tactical picture") {
			t.Errorf("unexpected coach framing: %q", resp.Narrative)
		}
	})

	t.Run("player gets plain language", func(t *testing.T) {
		player := datatypes.UserContext{UserID: "nick_suzuki", Role: datatypes.RolePlayer}
		resp := s.Synthesize(lookupIntent(), invs, player)
		if !strings.HasPrefix(resp.Narrative, "Your numbers") {
			t.Errorf("unexpected player framing: %q", resp.Narrative)
		}
		if !strings.Contains(resp.Narrative, "points comes to") {
			t.Errorf("expected plain-language rendering, got %q", resp.Narrative)
		}
	})

	t.Run("same evidence different framing", func(t *testing.T) {
		a := s.Synthesize(lookupIntent(), invs, coach())
		b := s.Synthesize(lookupIntent(), invs, datatypes.UserContext{UserID: "analyst_kim", Role: datatypes.RoleAnalyst})
		if a.Narrative == b.Narrative {
			t.Error("role must change the framing of identical evidence")
		}
	})
}

func TestClarification(t *testing.T) {
	intent := datatypes.Intent{
		Category: datatypes.IntentAmbiguous,
		Candidates: []datatypes.Candidate{
			{Category: datatypes.IntentComparison, Description: "Performance against TOR", Confidence: 0.5},
			{Category: datatypes.IntentComparison, Description: "Performance against BOS", Confidence: 0.4},
		},
	}

	resp := Clarification(intent)
	if resp.Status != datatypes.StatusClarificationNeeded {
		t.Fatalf("expected clarification_needed, got %s", resp.Status)
	}
	if len(resp.Candidates) != 2 {
		t.Fatalf("expected candidates passed through, got %d", len(resp.Candidates))
	}
	if !strings.Contains(resp.Narrative, "1. Performance against TOR") {
		t.Errorf("expected ranked options in the narrative, got %q", resp.Narrative)
	}
	if len(resp.Evidence) != 0 {
		t.Error("a clarification must carry no evidence")
	}
}
