// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synthesizer merges completed tool invocations into one coherent,
// citable response.
//
// Synthesis is deterministic: the narrative is assembled from evidence, not
// generated. Every numeric or factual claim carries the citation marker of
// the evidence item backing it, so a claim with no evidence cannot exist by
// construction. When sources disagree about a metric, the structured value
// wins (it is computed from the current tables, knowledge chunks are
// written ahead of time) and the disagreement is annotated, never hidden.
package synthesizer

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

// conflictTolerance is the relative difference beyond which two values for
// the same metric count as conflicting.
const conflictTolerance = 0.05

// Synthesizer builds responses from completed plans.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Synthesizer struct {
	logger *slog.Logger
}

// New creates a Synthesizer.
func New(logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{logger: logger}
}

// Synthesize merges a completed plan into one response.
//
// # Description
//
// The response status reflects what actually happened: answered when every
// invocation completed, partial when optional sources failed, timed out,
// or truncated, and error when nothing usable completed. Failed sources
// become warnings; they are never silently dropped.
func (s *Synthesizer) Synthesize(intent datatypes.Intent, invs []datatypes.ToolInvocation, user datatypes.UserContext) datatypes.SynthesizedResponse {
	var (
		evidence  []datatypes.EvidenceItem
		analytics []*datatypes.AnalyticsPayload
		warnings  []string
		degraded  bool
		completed int
	)

	for _, inv := range invs {
		switch inv.Status {
		case datatypes.StatusOK, datatypes.StatusCached:
			completed++
			if inv.Result == nil {
				continue
			}
			evidence = append(evidence, inv.Result.Evidence...)
			if inv.Result.Analytics != nil {
				analytics = append(analytics, inv.Result.Analytics)
			}
			if inv.Result.Truncated {
				degraded = true
				warnings = append(warnings, fmt.Sprintf("%s: result truncated at the row limit; figures cover the scanned window only", inv.ToolID))
			}
		case datatypes.StatusTimeout:
			degraded = true
			warnings = append(warnings, fmt.Sprintf("%s timed out; the answer omits that source", inv.ToolID))
		case datatypes.StatusError:
			degraded = true
			warnings = append(warnings, fmt.Sprintf("%s failed; the answer omits that source", inv.ToolID))
		}
	}

	if completed == 0 {
		return datatypes.SynthesizedResponse{
			Narrative: "No data source completed in time; nothing can be answered reliably.",
			Warnings:  warnings,
			Status:    datatypes.StatusErrorResponse,
		}
	}

	conflictWarnings, evidence := s.resolveConflicts(evidence)
	warnings = append(warnings, conflictWarnings...)

	if len(evidence) == 0 {
		warnings = append(warnings, "no games or documents matched the requested window")
		return datatypes.SynthesizedResponse{
			Narrative: "No matching data was found for this question in the requested window.",
			Analytics: analytics,
			Warnings:  warnings,
			Status:    datatypes.StatusPartial,
		}
	}

	status := datatypes.StatusAnswered
	if degraded {
		status = datatypes.StatusPartial
	}

	return datatypes.SynthesizedResponse{
		Narrative: s.narrative(intent, evidence, analytics, user),
		Evidence:  evidence,
		Analytics: analytics,
		Warnings:  warnings,
		Status:    status,
	}
}

// =============================================================================
// Conflict Resolution
// =============================================================================

// resolveConflicts compares numeric claims made by knowledge chunks against
// live metric values. On conflict the live value is kept as the cited
// number and the disagreement becomes a warning; the knowledge chunk stays
// in the evidence list for transparency.
func (s *Synthesizer) resolveConflicts(evidence []datatypes.EvidenceItem) ([]string, []datatypes.EvidenceItem) {
	live := make(map[string]datatypes.EvidenceItem)
	for _, ev := range evidence {
		if ev.Type == datatypes.EvidenceMetric && ev.Metric != "" {
			live[ev.Metric] = ev
		}
	}

	var warnings []string
	for _, ev := range evidence {
		if ev.Type != datatypes.EvidenceKnowledge || ev.Metric == "" {
			continue
		}
		m, ok := live[ev.Metric]
		if !ok {
			continue
		}
		if relativeDiff(ev.Value, m.Value) > conflictTolerance {
			warnings = append(warnings, fmt.Sprintf(
				"%s reports %s at %.1f but live data shows %.1f; the live value is used as it reflects the current tables",
				ev.Citation, ev.Metric, ev.Value, m.Value,
			))
		}
	}
	return warnings, evidence
}

func relativeDiff(a, b float64) float64 {
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return 0
	}
	return math.Abs(a-b) / denom
}

// =============================================================================
// Narrative Assembly
// =============================================================================

func (s *Synthesizer) narrative(intent datatypes.Intent, evidence []datatypes.EvidenceItem, analytics []*datatypes.AnalyticsPayload, user datatypes.UserContext) string {
	policy := policyFor(user.Role)

	var b strings.Builder
	b.WriteString(policy.framing)
	if subject := subjectOf(intent); subject != "" {
		b.WriteString(" — ")
		b.WriteString(subject)
	}
	b.WriteString(".\n")

	metrics := filterEvidence(evidence, datatypes.EvidenceMetric)
	knowledge := filterEvidence(evidence, datatypes.EvidenceKnowledge)

	for _, ev := range metrics {
		if policy.plainLanguage {
			fmt.Fprintf(&b, "%s comes to %.1f %s.\n", humanizeMetric(ev.Metric), ev.Value, ev.Citation)
		} else {
			fmt.Fprintf(&b, "%s: %.1f %s\n", ev.Metric, ev.Value, ev.Citation)
		}
	}

	if policy.showPerGame {
		for _, a := range analytics {
			if len(a.Rows) == 0 {
				continue
			}
			fmt.Fprintf(&b, "Per-game %s over %d games: %s\n", a.Metric, len(a.Rows), formatSeries(a))
		}
	}

	count := 0
	for _, ev := range knowledge {
		if count == policy.maxKnowledge {
			break
		}
		fmt.Fprintf(&b, "%s %s\n", strings.TrimSpace(ev.Content), ev.Citation)
		count++
	}

	return strings.TrimRight(b.String(), "\n")
}

func subjectOf(intent datatypes.Intent) string {
	var parts []string
	if p := intent.Entity(datatypes.EntityPlayer); p != "" {
		parts = append(parts, strings.ReplaceAll(p, "_", " "))
	}
	if tm := intent.Entity(datatypes.EntityTeam); tm != "" {
		parts = append(parts, tm)
	}
	if opp := intent.Entity(datatypes.EntityOpponent); opp != "" {
		parts = append(parts, "vs "+opp)
	}
	if m := intent.Entity(datatypes.EntityMetric); m != "" {
		parts = append(parts, humanizeMetric(m))
	} else if c := intent.Entity(datatypes.EntityConcept); c != "" {
		parts = append(parts, strings.ReplaceAll(c, "_", " "))
	}
	if tf := intent.Entity(datatypes.EntityTimeframe); tf != "" && tf != "current_season" {
		parts = append(parts, strings.ReplaceAll(tf, "_", " "))
	}
	return strings.Join(parts, ", ")
}

func humanizeMetric(metric string) string {
	return strings.ReplaceAll(metric, "_", " ")
}

func filterEvidence(evidence []datatypes.EvidenceItem, kind datatypes.EvidenceType) []datatypes.EvidenceItem {
	var out []datatypes.EvidenceItem
	for _, ev := range evidence {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	// Highest-confidence first, stable for equal confidence.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func formatSeries(a *datatypes.AnalyticsPayload) string {
	parts := make([]string, 0, len(a.Rows))
	for _, row := range a.Rows {
		parts = append(parts, fmt.Sprintf("%.1f", row[a.Metric]))
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// Clarification
// =============================================================================

// Clarification builds the response for an ambiguous intent: no evidence,
// no guess, just the ranked interpretations for the user to pick from.
func Clarification(intent datatypes.Intent) datatypes.SynthesizedResponse {
	lines := make([]string, 0, len(intent.Candidates)+1)
	lines = append(lines, "That question can be read more than one way. Did you mean:")
	for i, c := range intent.Candidates {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, c.Description))
	}
	return datatypes.SynthesizedResponse{
		Narrative:  strings.Join(lines, "\n"),
		Status:     datatypes.StatusClarificationNeeded,
		Candidates: intent.Candidates,
	}
}
