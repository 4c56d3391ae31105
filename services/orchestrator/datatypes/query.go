// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the HeartBeat query
// orchestrator: queries, user identity, intents, tool invocations, evidence
// items, and synthesized responses.
//
// Types in this package are plain data. Mutation rules are enforced by the
// components that own each type: a Query is immutable once accepted, an
// Intent is produced once by the classifier and never mutated, and a
// ToolInvocation is created by the router and mutated only by the executor
// through append-only status transitions.
package datatypes

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Roles and Scopes
// =============================================================================

// Role identifies the kind of user asking a question. The role determines
// both the permitted data scopes and the presentation framing of the answer.
type Role string

const (
	RoleCoach   Role = "coach"
	RolePlayer  Role = "player"
	RoleAnalyst Role = "analyst"
	RoleScout   Role = "scout"
	RoleStaff   Role = "staff"
)

// ParseRole converts a wire-format role string into a Role.
//
// Outputs:
//
//	Role  - The parsed role.
//	error - Non-nil if the string is not a recognized role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleCoach, RolePlayer, RoleAnalyst, RoleScout, RoleStaff:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Scope is a data-access tag. A user may only receive evidence whose source
// scope is inside their permitted set, and cache entries are fingerprinted
// with the caller's scope set so no role ever observes another role's
// cached result.
type Scope string

const (
	ScopeTeam     Scope = "team"
	ScopePlayer   Scope = "player"
	ScopePersonal Scope = "personal"
	ScopeGame     Scope = "game"
	ScopeStrategy Scope = "strategy"
	ScopeLeague   Scope = "league"
	ScopeOpponent Scope = "opponent"
)

// ScopeSet is an unordered collection of scopes with set semantics.
type ScopeSet map[Scope]bool

// NewScopeSet builds a ScopeSet from a list of scopes.
func NewScopeSet(scopes ...Scope) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	return set
}

// Contains reports whether the scope is in the set.
func (s ScopeSet) Contains(scope Scope) bool { return s[scope] }

// Sorted returns the scopes in lexicographic order. Used for deterministic
// fingerprinting and audit records.
func (s ScopeSet) Sorted() []Scope {
	out := make([]Scope, 0, len(s))
	for scope := range s {
		out = append(out, scope)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// =============================================================================
// UserContext
// =============================================================================

// UserContext carries a resolved caller identity through the pipeline.
//
// # Description
//
// Created by the identity guard from validated credentials; read-only to
// every downstream component. No component other than the guard ever sees
// raw credentials.
//
// # Thread Safety
//
// Treated as immutable after creation; safe to share across goroutines.
type UserContext struct {
	// UserID is the stable identifier of the caller.
	UserID string

	// Role determines permitted scopes and response framing.
	Role Role

	// Name is the caller's display name. Optional.
	Name string

	// Scopes is the permission set resolved from the role.
	Scopes ScopeSet

	// TeamAccess lists team codes the caller may read (e.g. "MTL").
	TeamAccess []string

	// SessionID identifies the auth session this context was minted from.
	SessionID string

	// AdvancedMetrics permits derived-metric and prediction queries.
	AdvancedMetrics bool

	// OpponentData permits filters and evidence about non-accessible teams.
	OpponentData bool

	// TacticalAnalysis permits strategy-scoped knowledge retrieval.
	TacticalAnalysis bool
}

// =============================================================================
// Query
// =============================================================================

// Query is one accepted natural-language question. Immutable once accepted;
// its ID threads unchanged through the whole pipeline for audit purposes.
type Query struct {
	ID             string
	Text           string
	ConversationID string
	User           UserContext
	IssuedAt       time.Time
}

// NewQuery creates an accepted Query with a fresh ID.
func NewQuery(text, conversationID string, user UserContext) Query {
	return Query{
		ID:             uuid.NewString(),
		Text:           text,
		ConversationID: conversationID,
		User:           user,
		IssuedAt:       time.Now().UTC(),
	}
}

// =============================================================================
// Conversation
// =============================================================================

// Turn is one completed question/answer exchange in a conversation. The
// classifier reads a bounded window of prior turns to resolve references
// ("them", "he") in follow-up questions.
type Turn struct {
	QueryText string            `json:"query_text"`
	Category  IntentCategory    `json:"category"`
	Entities  map[string]string `json:"entities,omitempty"`
	Status    ResponseStatus    `json:"status"`
	At        time.Time         `json:"at"`
}

// =============================================================================
// Intent
// =============================================================================

// IntentCategory classifies what the user is asking for.
type IntentCategory string

const (
	IntentLookup        IntentCategory = "lookup"
	IntentComparison    IntentCategory = "comparison"
	IntentTrend         IntentCategory = "trend"
	IntentPrediction    IntentCategory = "prediction"
	IntentVisualization IntentCategory = "visualization"
	IntentAmbiguous     IntentCategory = "ambiguous"
)

// Well-known entity slot names produced by the classifier and consumed by
// the router and tools.
const (
	EntityPlayer    = "player"
	EntityTeam      = "team"
	EntityOpponent  = "opponent"
	EntityMetric    = "metric"
	EntityConcept   = "concept"
	EntityTimeframe = "timeframe"
)

// Candidate is one ranked interpretation offered when the classifier cannot
// commit to a single intent.
type Candidate struct {
	Category    IntentCategory `json:"category"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"`
}

// Intent is the structured interpretation of a query. Produced exactly once
// per query by the classifier and never mutated afterward.
type Intent struct {
	// Category is the classified intent category. IntentAmbiguous means the
	// pipeline must short-circuit to a clarification response.
	Category IntentCategory

	// Entities maps slot names (EntityPlayer, EntityMetric, ...) to values
	// extracted from the query text.
	Entities map[string]string

	// Confidence is the classifier's confidence in [0,1].
	Confidence float64

	// Candidates holds 2-3 ranked interpretations when Category is
	// IntentAmbiguous. Empty otherwise.
	Candidates []Candidate
}

// Entity returns the value of a slot, or "" if absent.
func (in Intent) Entity(slot string) string { return in.Entities[slot] }

// =============================================================================
// Tool Invocations
// =============================================================================

// Well-known tool identifiers. The tool set is closed: the router only ever
// references these constants, and the executor resolves them against a
// statically built registry, so an unknown-tool reference is a programming
// error caught in tests rather than a runtime dispatch failure.
const (
	ToolKnowledgeSearch = "knowledge_search"
	ToolMetricQuery     = "metric_query"
)

// InvocationStatus is the lifecycle state of one tool invocation. Status
// transitions are append-only: pending → running → one terminal state.
type InvocationStatus string

const (
	StatusPending InvocationStatus = "pending"
	StatusRunning InvocationStatus = "running"
	StatusOK      InvocationStatus = "ok"
	StatusTimeout InvocationStatus = "timeout"
	StatusError   InvocationStatus = "error"
	StatusCached  InvocationStatus = "cached"
)

// Terminal reports whether the status is a terminal state.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case StatusOK, StatusTimeout, StatusError, StatusCached:
		return true
	}
	return false
}

// ToolInvocation is one planned call to a tool. Created by the router,
// mutated only by the executor. Once a terminal status is set the result is
// never altered.
type ToolInvocation struct {
	// ID is unique within one plan and referenced by DependsOn edges.
	ID string

	// ToolID names the tool (ToolKnowledgeSearch or ToolMetricQuery).
	ToolID string

	// Params are the tool call parameters, normalized by the router.
	Params map[string]string

	// DependsOn lists invocation IDs that must reach ok or cached before
	// this invocation may start.
	DependsOn []string

	// Required marks an invocation whose failure aborts the whole query.
	Required bool

	// Status is the current lifecycle state.
	Status InvocationStatus

	// Result holds the tool output once Status is ok or cached.
	Result *ToolResult

	// Err holds the failure message once Status is timeout or error.
	Err string

	// LatencyMS is the wall-clock execution time of the invocation. Zero
	// for cache hits.
	LatencyMS int64

	// FromCache marks results served from the fingerprint cache, including
	// single-flight followers that awaited another caller's execution.
	FromCache bool
}

// ToolResult is the output of one successful tool execution. Immutable once
// attached to a ToolInvocation.
type ToolResult struct {
	// Evidence holds the citable items produced by the tool.
	Evidence []EvidenceItem

	// Analytics carries structured payloads (rows, aggregates) for the
	// presentation layer. Nil for knowledge retrieval.
	Analytics *AnalyticsPayload

	// Truncated reports that a row-scan or execution-time guard fired and
	// the result is intentionally incomplete.
	Truncated bool
}

// AnalyticsPayload is the structured portion of a metric-query result.
type AnalyticsPayload struct {
	Metric      string               `json:"metric"`
	Rows        []map[string]float64 `json:"rows,omitempty"`
	Aggregates  map[string]float64   `json:"aggregates,omitempty"`
	RowsScanned int                  `json:"rows_scanned"`
	Truncated   bool                 `json:"truncated"`
	Source      string               `json:"source"`
}

// =============================================================================
// Evidence
// =============================================================================

// EvidenceType distinguishes knowledge chunks from computed metrics.
type EvidenceType string

const (
	EvidenceKnowledge EvidenceType = "knowledge"
	EvidenceMetric    EvidenceType = "metric"
)

// EvidenceItem is a discrete, citable unit backing a claim in a response.
// Immutable once attached to a ToolInvocation result.
type EvidenceItem struct {
	// ID is the globally unique id of the underlying source (chunk id for
	// knowledge, a derived id for metrics).
	ID string `json:"id"`

	// Type is knowledge or metric.
	Type EvidenceType `json:"type"`

	// Citation is the human-readable citation text, e.g.
	// "[team_game_stats:zone_entry_rate]".
	Citation string `json:"citation"`

	// Content is the prose content for knowledge items.
	Content string `json:"content,omitempty"`

	// Metric and Value carry the computed value for metric items. For
	// knowledge items, a chunk may state a numeric claim about a metric;
	// the synthesizer uses that pair for conflict detection.
	Metric string  `json:"metric,omitempty"`
	Value  float64 `json:"value,omitempty"`

	// Confidence is the retrieval/compute confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// SourceScope is the scope tag of the underlying data.
	SourceScope Scope `json:"source_scope"`

	// ObservedAt is when the underlying fact was produced. Used for the
	// most-recent-wins tie break between conflicting sources.
	ObservedAt time.Time `json:"observed_at,omitzero"`
}

// =============================================================================
// Synthesized Response
// =============================================================================

// ResponseStatus is the user-visible outcome tag of a query. The system
// never returns a confident-looking answer built on missing evidence: every
// response carries exactly one of these.
type ResponseStatus string

const (
	StatusAnswered            ResponseStatus = "answered"
	StatusPartial             ResponseStatus = "partial"
	StatusClarificationNeeded ResponseStatus = "clarification_needed"
	StatusErrorResponse       ResponseStatus = "error"
)

// InvocationTrace is one entry of the diagnostic trace: what ran, with what
// parameters (summarized), how it ended, and how long it took. Exposed for
// observability, not shown to end users.
type InvocationTrace struct {
	Tool          string `json:"tool"`
	ParamsSummary string `json:"params_summary"`
	Status        string `json:"status"`
	LatencyMS     int64  `json:"latency_ms"`
}

// SynthesizedResponse is the single merged answer for a query.
type SynthesizedResponse struct {
	Narrative  string              `json:"narrative"`
	Evidence   []EvidenceItem      `json:"evidence"`
	Analytics  []*AnalyticsPayload `json:"analytics,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
	Status     ResponseStatus      `json:"status"`
	Candidates []Candidate         `json:"candidates,omitempty"`

	ProcessingTimeMS int64             `json:"processing_time_ms"`
	Trace            []InvocationTrace `json:"trace,omitempty"`
}
