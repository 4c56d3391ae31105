// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent classifies natural-language queries into structured
// intents: a category, extracted entity slots, and a calibrated confidence.
//
// Classification is deterministic keyword-and-lexicon scoring. The domain
// vocabulary is narrow enough that weighted keywords outperform a model
// round-trip here, and determinism keeps the clarification behavior
// testable. When the classifier cannot commit it says so explicitly via
// the ambiguous category and ranked candidates rather than guessing.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

var classifierTracer = otel.Tracer("heartbeat.orchestrator.intent")

// Classifier turns query text plus a bounded conversation-history window
// into an Intent.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Classifier struct {
	// historyWindow bounds how many prior turns reference resolution may
	// inspect.
	historyWindow int
	logger        *slog.Logger
}

// NewClassifier creates a Classifier.
//
// Inputs:
//
//	historyWindow - Maximum prior turns consulted for reference resolution.
//	logger        - Logger instance. Nil selects slog.Default.
func NewClassifier(historyWindow int, logger *slog.Logger) *Classifier {
	if historyWindow <= 0 {
		historyWindow = 6
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{historyWindow: historyWindow, logger: logger}
}

// Classify produces the Intent for a query. The returned Intent is never
// mutated afterward.
//
// Outputs:
//
//	datatypes.Intent - Category, entities, confidence, and (for ambiguous
//	                   queries) ranked candidate interpretations.
//	error            - ValidationError for empty or oversized query text.
func (c *Classifier) Classify(ctx context.Context, q datatypes.Query, history []datatypes.Turn) (datatypes.Intent, error) {
	_, span := classifierTracer.Start(ctx, "intent.Classify")
	defer span.End()

	text := strings.TrimSpace(q.Text)
	if text == "" {
		return datatypes.Intent{}, datatypes.NewValidationError("query text is empty")
	}
	if len(text) > 2000 {
		return datatypes.Intent{}, datatypes.NewValidationError("query text exceeds 2000 characters")
	}

	lower := strings.ToLower(text)
	entities := c.extractEntities(lower, q.User)

	// An opponent pronoun with no resolvable referent short-circuits to a
	// clarification: guessing the opponent would silently answer a
	// different question than the one asked.
	if hasUnresolvedOpponentRef(lower, entities) {
		if opp := resolveOpponentFromHistory(history, c.historyWindow); opp != "" {
			entities[datatypes.EntityOpponent] = opp
		} else {
			intent := ambiguousOpponentIntent(entities)
			span.SetAttributes(attribute.String("intent.category", string(intent.Category)))
			return intent, nil
		}
	}

	category, topScore, margin := scoreCategories(lower)
	confidence := calibrate(topScore, margin, entities)

	// Near-tied categories with real evidence on both sides also go to
	// clarification, with the tied interpretations as candidates.
	if topScore > 0 && margin == 0 {
		intent := ambiguousCategoryIntent(lower, entities)
		span.SetAttributes(attribute.String("intent.category", string(intent.Category)))
		return intent, nil
	}

	intent := datatypes.Intent{
		Category:   category,
		Entities:   entities,
		Confidence: confidence,
	}
	span.SetAttributes(
		attribute.String("intent.category", string(intent.Category)),
		attribute.Float64("intent.confidence", intent.Confidence),
	)
	c.logger.Debug("classified query",
		slog.String("query_id", q.ID),
		slog.String("category", string(intent.Category)),
		slog.Float64("confidence", intent.Confidence),
		slog.Int("entities", len(entities)),
	)
	return intent, nil
}

// =============================================================================
// Entity Extraction
// =============================================================================

func (c *Classifier) extractEntities(lower string, user datatypes.UserContext) map[string]string {
	entities := make(map[string]string)

	for surface, id := range knownPlayers {
		if strings.Contains(lower, surface) {
			entities[datatypes.EntityPlayer] = id
			break
		}
	}

	// "my"/"our" bind to the caller. A player asking about "my point total"
	// is asking about themselves; "our" is the caller's team in any role.
	if entities[datatypes.EntityPlayer] == "" && user.Role == datatypes.RolePlayer && containsWord(lower, "my") {
		entities[datatypes.EntityPlayer] = user.UserID
	}
	if containsWord(lower, "our") || containsWord(lower, "we") {
		if team := callerTeam(user); team != "" {
			entities[datatypes.EntityTeam] = team
		}
	}

	for surface, code := range knownTeams {
		if !strings.Contains(lower, surface) {
			continue
		}
		if code == callerTeam(user) {
			entities[datatypes.EntityTeam] = code
			continue
		}
		// A named team other than the caller's is an opponent.
		entities[datatypes.EntityOpponent] = code
	}

	if m := longestMatch(lower, knownMetrics); m != "" {
		entities[datatypes.EntityMetric] = m
	}
	if con := longestMatch(lower, knownConcepts); con != "" {
		// Concept surface forms overlap metric ones ("zone entries"). Only
		// explanatory phrasing promotes the concept slot; a bare stat ask
		// stays metric-only.
		if strings.Contains(lower, "why") || strings.Contains(lower, "explain") ||
			strings.Contains(lower, "matter") || strings.Contains(lower, "what is") ||
			entities[datatypes.EntityMetric] == "" {
			entities[datatypes.EntityConcept] = con
		}
	}

	entities[datatypes.EntityTimeframe] = extractTimeframe(lower)
	return entities
}

func callerTeam(user datatypes.UserContext) string {
	if len(user.TeamAccess) > 0 {
		return user.TeamAccess[0]
	}
	return ""
}

// longestMatch returns the canonical value of the longest surface form found
// in the text, so "zone entry rate" beats "zone entry".
func longestMatch(lower string, lexicon map[string]string) string {
	best, bestLen := "", 0
	for surface, canonical := range lexicon {
		if len(surface) > bestLen && strings.Contains(lower, surface) {
			best, bestLen = canonical, len(surface)
		}
	}
	return best
}

func extractTimeframe(lower string) string {
	for _, p := range timeframePatterns {
		if strings.Contains(lower, p.phrase) {
			return p.tag
		}
	}
	return defaultTimeframe
}

func containsWord(lower, word string) bool {
	for _, f := range strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == '?' || r == '.' || r == ',' || r == '!' || r == '\''
	}) {
		if f == word {
			return true
		}
	}
	return false
}

// =============================================================================
// Category Scoring
// =============================================================================

// categoryScores accumulates the weighted keyword evidence per category.
func categoryScores(lower string) map[string]int {
	scores := make(map[string]int, len(categoryKeywords))
	for category, keywords := range categoryKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw.keyword) {
				scores[category] += kw.weight
			}
		}
	}
	return scores
}

// scoreCategories returns the winning category, its score, and its margin
// over the runner-up.
func scoreCategories(lower string) (datatypes.IntentCategory, int, int) {
	scores := categoryScores(lower)

	type ranked struct {
		category string
		score    int
	}
	order := make([]ranked, 0, len(scores))
	for cat, s := range scores {
		order = append(order, ranked{cat, s})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].category < order[j].category
	})

	if len(order) == 0 || order[0].score == 0 {
		return datatypes.IntentLookup, 0, 0
	}
	margin := order[0].score
	if len(order) > 1 {
		margin = order[0].score - order[1].score
	}
	return datatypes.IntentCategory(order[0].category), order[0].score, margin
}

// calibrate maps raw keyword evidence and entity completeness into [0,1].
// The floor stays low for entity-free queries: a category hit with nothing
// to bind it to is a weak read.
func calibrate(topScore, margin int, entities map[string]string) float64 {
	conf := 0.35
	if topScore > 4 {
		topScore = 4
	}
	conf += 0.08 * float64(topScore)
	if entities[datatypes.EntityMetric] != "" || entities[datatypes.EntityConcept] != "" {
		conf += 0.15
	}
	if entities[datatypes.EntityPlayer] != "" || entities[datatypes.EntityTeam] != "" || entities[datatypes.EntityOpponent] != "" {
		conf += 0.05
	}
	if margin >= 2 {
		conf += 0.05
	}
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// =============================================================================
// Ambiguity
// =============================================================================

func hasUnresolvedOpponentRef(lower string, entities map[string]string) bool {
	if entities[datatypes.EntityOpponent] != "" {
		return false
	}
	for _, ref := range unresolvedOpponentRefs {
		if strings.Contains(lower, ref) {
			return true
		}
	}
	return false
}

// resolveOpponentFromHistory walks prior turns newest-first looking for an
// opponent the pronoun could refer to.
func resolveOpponentFromHistory(history []datatypes.Turn, window int) string {
	start := len(history) - window
	if start < 0 {
		start = 0
	}
	for i := len(history) - 1; i >= start; i-- {
		if opp := history[i].Entities[datatypes.EntityOpponent]; opp != "" {
			return opp
		}
	}
	return ""
}

// ambiguousOpponentIntent builds the clarification intent for an opponent
// pronoun with no referent, offering recent opponents as candidates.
func ambiguousOpponentIntent(entities map[string]string) datatypes.Intent {
	candidates := make([]datatypes.Candidate, 0, len(recentOpponents))
	for i, opp := range recentOpponents {
		candidates = append(candidates, datatypes.Candidate{
			Category:    datatypes.IntentComparison,
			Description: fmt.Sprintf("Performance against %s", opp),
			Confidence:  0.5 - 0.1*float64(i),
		})
		if len(candidates) == 3 {
			break
		}
	}
	return datatypes.Intent{
		Category:   datatypes.IntentAmbiguous,
		Entities:   entities,
		Confidence: 0.3,
		Candidates: candidates,
	}
}

// ambiguousCategoryIntent builds the clarification intent for a dead-heat
// category tie.
func ambiguousCategoryIntent(lower string, entities map[string]string) datatypes.Intent {
	scores := categoryScores(lower)
	top := 0
	for _, s := range scores {
		if s > top {
			top = s
		}
	}
	var candidates []datatypes.Candidate
	for cat, s := range scores {
		if s == top && len(candidates) < 3 {
			candidates = append(candidates, datatypes.Candidate{
				Category:    datatypes.IntentCategory(cat),
				Description: describeCategory(datatypes.IntentCategory(cat), entities),
				Confidence:  0.5,
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Category < candidates[j].Category })
	return datatypes.Intent{
		Category:   datatypes.IntentAmbiguous,
		Entities:   entities,
		Confidence: 0.4,
		Candidates: candidates,
	}
}

// RankedInterpretations lists up to max candidate readings of a query, best
// scoring first, for the clarification prompt when classification fell below
// the confidence threshold. Broad fallback readings pad the list so the
// caller always has at least two choices.
func (c *Classifier) RankedInterpretations(text string, entities map[string]string, max int) []datatypes.Candidate {
	if max <= 0 {
		max = 3
	}
	scores := categoryScores(strings.ToLower(text))

	type ranked struct {
		category string
		score    int
	}
	order := make([]ranked, 0, len(scores))
	for cat, s := range scores {
		if s > 0 {
			order = append(order, ranked{cat, s})
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].category < order[j].category
	})

	candidates := make([]datatypes.Candidate, 0, max)
	seen := make(map[datatypes.IntentCategory]bool, max)
	add := func(cat datatypes.IntentCategory, conf float64) {
		if seen[cat] || len(candidates) >= max {
			return
		}
		seen[cat] = true
		candidates = append(candidates, datatypes.Candidate{
			Category:    cat,
			Description: describeCategory(cat, entities),
			Confidence:  conf,
		})
	}
	for i, r := range order {
		add(datatypes.IntentCategory(r.category), 0.5-0.1*float64(i))
	}
	for _, cat := range []datatypes.IntentCategory{datatypes.IntentLookup, datatypes.IntentComparison, datatypes.IntentTrend} {
		if len(candidates) >= 2 {
			break
		}
		add(cat, 0.3)
	}
	return candidates
}

func describeCategory(cat datatypes.IntentCategory, entities map[string]string) string {
	subject := entities[datatypes.EntityMetric]
	if subject == "" {
		subject = entities[datatypes.EntityConcept]
	}
	if subject == "" {
		subject = "the requested data"
	}
	switch cat {
	case datatypes.IntentComparison:
		return fmt.Sprintf("Compare %s across players or teams", subject)
	case datatypes.IntentTrend:
		return fmt.Sprintf("Show how %s has changed over time", subject)
	case datatypes.IntentPrediction:
		return fmt.Sprintf("Project %s for upcoming games", subject)
	case datatypes.IntentVisualization:
		return fmt.Sprintf("Chart %s", subject)
	default:
		return fmt.Sprintf("Look up %s", subject)
	}
}
