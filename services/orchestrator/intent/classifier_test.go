// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"context"
	"strings"
	"testing"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

func coachUser() datatypes.UserContext {
	return datatypes.UserContext{
		UserID:     "coach_martin",
		Role:       datatypes.RoleCoach,
		Scopes:     datatypes.NewScopeSet(datatypes.ScopeTeam, datatypes.ScopePlayer, datatypes.ScopeGame, datatypes.ScopeStrategy),
		TeamAccess: []string{"MTL"},
	}
}

func playerUser() datatypes.UserContext {
	return datatypes.UserContext{
		UserID:     "nick_suzuki",
		Role:       datatypes.RolePlayer,
		Scopes:     datatypes.NewScopeSet(datatypes.ScopePersonal, datatypes.ScopeTeam, datatypes.ScopeGame),
		TeamAccess: []string{"MTL"},
	}
}

func classify(t *testing.T, text string, user datatypes.UserContext, history []datatypes.Turn) datatypes.Intent {
	t.Helper()
	c := NewClassifier(6, nil)
	q := datatypes.NewQuery(text, "conv-1", user)
	intent, err := c.Classify(context.Background(), q, history)
	if err != nil {
		t.Fatalf("Classify(%q) failed: %v", text, err)
	}
	return intent
}

func TestClassifier_Validation(t *testing.T) {
	c := NewClassifier(6, nil)

	t.Run("empty text", func(t *testing.T) {
		q := datatypes.NewQuery("   ", "conv-1", coachUser())
		_, err := c.Classify(context.Background(), q, nil)
		if datatypes.CodeOf(err) != datatypes.ErrCodeValidation {
			t.Errorf("expected validation_error, got %v", err)
		}
	})

	t.Run("oversized text", func(t *testing.T) {
		q := datatypes.NewQuery(strings.Repeat("zone entries ", 200), "conv-1", coachUser())
		_, err := c.Classify(context.Background(), q, nil)
		if datatypes.CodeOf(err) != datatypes.ErrCodeValidation {
			t.Errorf("expected validation_error, got %v", err)
		}
	})
}

func TestClassifier_PersonalLookup(t *testing.T) {
	intent := classify(t, "What's my current point total?", playerUser(), nil)

	if intent.Category != datatypes.IntentLookup {
		t.Errorf("expected lookup, got %s", intent.Category)
	}
	if got := intent.Entity(datatypes.EntityPlayer); got != "nick_suzuki" {
		t.Errorf("expected player bound to caller, got %q", got)
	}
	if got := intent.Entity(datatypes.EntityMetric); got != "points" {
		t.Errorf("expected metric points, got %q", got)
	}
	if got := intent.Entity(datatypes.EntityTimeframe); got != "current_season" {
		t.Errorf("expected default timeframe, got %q", got)
	}
}

func TestClassifier_ConceptAndMetricTogether(t *testing.T) {
	intent := classify(t, "Explain why zone entries matter and show our current rate", coachUser(), nil)

	if intent.Category != datatypes.IntentLookup {
		t.Errorf("expected lookup, got %s", intent.Category)
	}
	if got := intent.Entity(datatypes.EntityConcept); got != "zone_entries" {
		t.Errorf("expected concept zone_entries, got %q", got)
	}
	if got := intent.Entity(datatypes.EntityMetric); got != "zone_entry_rate" {
		t.Errorf("expected metric zone_entry_rate, got %q", got)
	}
	if got := intent.Entity(datatypes.EntityTeam); got != "MTL" {
		t.Errorf("expected team MTL from 'our', got %q", got)
	}
	if intent.Confidence < 0.7 {
		t.Errorf("expected high confidence, got %f", intent.Confidence)
	}
}

func TestClassifier_BareStatAskStaysMetricOnly(t *testing.T) {
	intent := classify(t, "Show our zone entry rate this season", coachUser(), nil)

	if got := intent.Entity(datatypes.EntityMetric); got != "zone_entry_rate" {
		t.Errorf("expected metric zone_entry_rate, got %q", got)
	}
	if got := intent.Entity(datatypes.EntityConcept); got != "" {
		t.Errorf("expected no concept for a bare stat ask, got %q", got)
	}
}

func TestClassifier_Trend(t *testing.T) {
	intent := classify(t, "How has Suzuki's shooting percentage trended over the last 10 games?", coachUser(), nil)

	if intent.Category != datatypes.IntentTrend {
		t.Errorf("expected trend, got %s", intent.Category)
	}
	if got := intent.Entity(datatypes.EntityPlayer); got != "nick_suzuki" {
		t.Errorf("expected player nick_suzuki, got %q", got)
	}
	if got := intent.Entity(datatypes.EntityMetric); got != "shooting_pct" {
		t.Errorf("expected metric shooting_pct, got %q", got)
	}
	if got := intent.Entity(datatypes.EntityTimeframe); got != "last_10_games" {
		t.Errorf("expected timeframe last_10_games, got %q", got)
	}
}

func TestClassifier_NamedOpponent(t *testing.T) {
	intent := classify(t, "How do we match up against Toronto?", coachUser(), nil)

	if intent.Category != datatypes.IntentComparison {
		t.Errorf("expected comparison, got %s", intent.Category)
	}
	if got := intent.Entity(datatypes.EntityOpponent); got != "TOR" {
		t.Errorf("expected opponent TOR, got %q", got)
	}
}

func TestClassifier_UnresolvedOpponent(t *testing.T) {
	t.Run("no history yields clarification candidates", func(t *testing.T) {
		intent := classify(t, "How did we do against them?", coachUser(), nil)

		if intent.Category != datatypes.IntentAmbiguous {
			t.Fatalf("expected ambiguous, got %s", intent.Category)
		}
		if len(intent.Candidates) < 2 || len(intent.Candidates) > 3 {
			t.Fatalf("expected 2-3 candidates, got %d", len(intent.Candidates))
		}
		for i := 1; i < len(intent.Candidates); i++ {
			if intent.Candidates[i].Confidence > intent.Candidates[i-1].Confidence {
				t.Error("candidates must be ranked by confidence")
			}
		}
	})

	t.Run("history resolves the pronoun", func(t *testing.T) {
		history := []datatypes.Turn{
			{QueryText: "How do we match up against Toronto?", Entities: map[string]string{datatypes.EntityOpponent: "TOR"}},
		}
		intent := classify(t, "How did we do against them?", coachUser(), history)

		if intent.Category == datatypes.IntentAmbiguous {
			t.Fatal("expected history to resolve the opponent reference")
		}
		if got := intent.Entity(datatypes.EntityOpponent); got != "TOR" {
			t.Errorf("expected opponent TOR from history, got %q", got)
		}
	})

	t.Run("history outside the window does not resolve", func(t *testing.T) {
		history := make([]datatypes.Turn, 0, 8)
		history = append(history, datatypes.Turn{Entities: map[string]string{datatypes.EntityOpponent: "TOR"}})
		for i := 0; i < 7; i++ {
			history = append(history, datatypes.Turn{Entities: map[string]string{}})
		}
		intent := classify(t, "How did we do against them?", coachUser(), history)

		if intent.Category != datatypes.IntentAmbiguous {
			t.Errorf("expected ambiguous once the referent fell out of the window, got %s", intent.Category)
		}
	})
}

func TestClassifier_CategoryTieIsAmbiguous(t *testing.T) {
	intent := classify(t, "compare versus predict forecast", coachUser(), nil)

	if intent.Category != datatypes.IntentAmbiguous {
		t.Fatalf("expected ambiguous for a dead-heat tie, got %s", intent.Category)
	}
	if len(intent.Candidates) < 2 {
		t.Fatalf("expected at least 2 candidates, got %d", len(intent.Candidates))
	}
	seen := map[datatypes.IntentCategory]bool{}
	for _, c := range intent.Candidates {
		seen[c.Category] = true
	}
	if !seen[datatypes.IntentComparison] || !seen[datatypes.IntentPrediction] {
		t.Errorf("expected comparison and prediction among candidates, got %v", intent.Candidates)
	}
}

func TestClassifier_RankedInterpretations(t *testing.T) {
	c := NewClassifier(6, nil)

	t.Run("runner-up categories rank by score", func(t *testing.T) {
		got := c.RankedInterpretations("Is he getting better or worse against Toronto?", map[string]string{}, 3)
		if len(got) < 2 {
			t.Fatalf("expected at least 2 interpretations, got %d", len(got))
		}
		if got[0].Category != datatypes.IntentComparison {
			t.Errorf("expected comparison ranked first, got %s", got[0].Category)
		}
		if got[1].Category != datatypes.IntentTrend {
			t.Errorf("expected trend as runner-up, got %s", got[1].Category)
		}
		if got[1].Confidence > got[0].Confidence {
			t.Error("interpretations must be ranked by confidence")
		}
	})

	t.Run("sparse evidence still offers two choices", func(t *testing.T) {
		got := c.RankedInterpretations("How is the team these days?", map[string]string{}, 3)
		if len(got) < 2 {
			t.Fatalf("expected at least 2 interpretations, got %d", len(got))
		}
		seen := map[datatypes.IntentCategory]bool{}
		for _, cand := range got {
			if seen[cand.Category] {
				t.Errorf("duplicate interpretation %s", cand.Category)
			}
			seen[cand.Category] = true
		}
	})
}

func TestClassifier_PredictionAndVisualization(t *testing.T) {
	t.Run("prediction", func(t *testing.T) {
		intent := classify(t, "What's the projection for Caufield's goals next game?", coachUser(), nil)
		if intent.Category != datatypes.IntentPrediction {
			t.Errorf("expected prediction, got %s", intent.Category)
		}
		if got := intent.Entity(datatypes.EntityPlayer); got != "cole_caufield" {
			t.Errorf("expected player cole_caufield, got %q", got)
		}
	})

	t.Run("visualization", func(t *testing.T) {
		intent := classify(t, "Chart our faceoff win percentage over the last 5 games", coachUser(), nil)
		if intent.Category != datatypes.IntentVisualization {
			t.Errorf("expected visualization, got %s", intent.Category)
		}
		if got := intent.Entity(datatypes.EntityTimeframe); got != "last_5_games" {
			t.Errorf("expected timeframe last_5_games, got %q", got)
		}
	})
}
