// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router maps a classified intent onto an executable tool plan.
//
// A plan is a small DAG of tool invocations. The router decides which tools
// run (knowledge retrieval, structured metric queries, or both), tags each
// invocation with the data scope it will read, and rejects the whole query
// before anything runs if a required scope sits outside the caller's
// permission set. Plans are handed to the executor and never mutated by the
// router afterward.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

var routerTracer = otel.Tracer("heartbeat.orchestrator.router")

// Well-known invocation parameter keys shared between the router and tools.
const (
	ParamTopic     = "topic"
	ParamNamespace = "namespace"
	ParamMetric    = "metric"
	ParamPlayer    = "player"
	ParamTeam      = "team"
	ParamOpponent  = "opponent"
	ParamTimeframe = "timeframe"
	ParamScope     = "scope"
	ParamMode      = "mode"
)

// Knowledge index namespaces. Prose holds tactical/explanatory chunks,
// events holds game summaries.
const (
	NamespaceProse  = "prose"
	NamespaceEvents = "events"
)

// Metric-query modes.
const (
	ModeAggregate  = "aggregate"
	ModePerGame    = "per_game"
	ModeProjection = "projection"
)

// Planner builds tool plans from intents.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Planner struct {
	// requiredPerCategory marks tool ids whose failure aborts the query,
	// keyed by intent category.
	requiredPerCategory map[string][]string
	logger              *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(requiredPerCategory map[string][]string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{requiredPerCategory: requiredPerCategory, logger: logger}
}

// BuildPlan maps an intent onto an ordered set of tool invocations.
//
// # Description
//
// Routing policy: a metric entity or any data-bearing category selects the
// structured query engine; a concept entity selects knowledge retrieval
// over the prose namespace; comparison and trend queries additionally pull
// game-summary knowledge from the events namespace. Prediction plans chain
// a projection query behind the base aggregate. Every invocation is tagged
// with the scope it reads, and the whole plan is rejected if any scope is
// outside the caller's permission set.
//
// Outputs:
//
//	[]datatypes.ToolInvocation - The plan, dependency-ordered. Never empty
//	                             on success.
//	error                      - PermissionDenied for scope violations,
//	                             ValidationError for unroutable intents.
func (p *Planner) BuildPlan(ctx context.Context, intent datatypes.Intent, user datatypes.UserContext) ([]datatypes.ToolInvocation, error) {
	_, span := routerTracer.Start(ctx, "router.BuildPlan")
	defer span.End()

	if intent.Category == datatypes.IntentAmbiguous {
		return nil, datatypes.NewValidationError("ambiguous intents are not routable")
	}

	if intent.Category == datatypes.IntentPrediction && !user.AdvancedMetrics {
		return nil, datatypes.NewPermissionDenied("prediction queries require advanced metrics access")
	}
	if intent.Entity(datatypes.EntityOpponent) != "" && !user.OpponentData {
		return nil, datatypes.NewPermissionDenied("opponent data is outside the caller's permissions")
	}

	var plan []datatypes.ToolInvocation

	if topic := intent.Entity(datatypes.EntityConcept); topic != "" {
		scope := conceptScope(user)
		if !user.Scopes.Contains(scope) {
			return nil, datatypes.NewPermissionDenied(fmt.Sprintf("scope %q is outside the caller's permissions", scope))
		}
		plan = append(plan, p.knowledgeInvocation(len(plan)+1, intent, scope, NamespaceProse, topic))
	}

	if needsMetrics(intent) {
		scope := metricScope(intent, user)
		if !scopeAllowed(user, scope) {
			return nil, datatypes.NewPermissionDenied(fmt.Sprintf("scope %q is outside the caller's permissions", scope))
		}
		base := p.metricInvocation(len(plan)+1, intent, user, scope, metricMode(intent.Category))
		plan = append(plan, base)

		// Comparisons against an opponent fan out into a second aggregate
		// over the opponent's games so both sides come from one snapshot
		// window.
		if intent.Category == datatypes.IntentComparison && intent.Entity(datatypes.EntityOpponent) != "" {
			opp := p.metricInvocation(len(plan)+1, intent, user, datatypes.ScopeOpponent, ModeAggregate)
			opp.Params[ParamTeam] = intent.Entity(datatypes.EntityOpponent)
			delete(opp.Params, ParamPlayer)
			plan = append(plan, opp)
		}

		// Projections need the base aggregate to exist first.
		if intent.Category == datatypes.IntentPrediction {
			proj := p.metricInvocation(len(plan)+1, intent, user, scope, ModeProjection)
			proj.DependsOn = []string{base.ID}
			plan = append(plan, proj)
		}
	}

	// Comparison and trend answers read better with game-summary context,
	// but its absence only degrades the answer.
	if intent.Category == datatypes.IntentComparison || intent.Category == datatypes.IntentTrend {
		if user.Scopes.Contains(datatypes.ScopeGame) {
			topic := eventTopic(intent)
			plan = append(plan, p.knowledgeInvocation(len(plan)+1, intent, datatypes.ScopeGame, NamespaceEvents, topic))
		}
	}

	if len(plan) == 0 {
		return nil, datatypes.NewValidationError("no tool can serve this query; try naming a metric or topic")
	}

	p.markRequired(intent.Category, plan)
	span.SetAttributes(
		attribute.String("intent.category", string(intent.Category)),
		attribute.Int("plan.size", len(plan)),
	)
	p.logger.Debug("built tool plan",
		slog.String("category", string(intent.Category)),
		slog.Int("invocations", len(plan)),
	)
	return plan, nil
}

// =============================================================================
// Invocation Builders
// =============================================================================

func (p *Planner) knowledgeInvocation(seq int, intent datatypes.Intent, scope datatypes.Scope, namespace, topic string) datatypes.ToolInvocation {
	return datatypes.ToolInvocation{
		ID:     fmt.Sprintf("knowledge-%d", seq),
		ToolID: datatypes.ToolKnowledgeSearch,
		Params: map[string]string{
			ParamTopic:     topic,
			ParamNamespace: namespace,
			ParamTimeframe: intent.Entity(datatypes.EntityTimeframe),
			ParamScope:     string(scope),
		},
		Status: datatypes.StatusPending,
	}
}

func (p *Planner) metricInvocation(seq int, intent datatypes.Intent, user datatypes.UserContext, scope datatypes.Scope, mode string) datatypes.ToolInvocation {
	params := map[string]string{
		ParamMetric:    intent.Entity(datatypes.EntityMetric),
		ParamTimeframe: intent.Entity(datatypes.EntityTimeframe),
		ParamScope:     string(scope),
		ParamMode:      mode,
	}
	if player := intent.Entity(datatypes.EntityPlayer); player != "" {
		params[ParamPlayer] = player
	}
	if team := intent.Entity(datatypes.EntityTeam); team != "" {
		params[ParamTeam] = team
	} else if len(user.TeamAccess) > 0 {
		params[ParamTeam] = user.TeamAccess[0]
	}
	if opp := intent.Entity(datatypes.EntityOpponent); opp != "" {
		params[ParamOpponent] = opp
	}
	return datatypes.ToolInvocation{
		ID:     fmt.Sprintf("metrics-%d", seq),
		ToolID: datatypes.ToolMetricQuery,
		Params: params,
		Status: datatypes.StatusPending,
	}
}

func (p *Planner) markRequired(category datatypes.IntentCategory, plan []datatypes.ToolInvocation) {
	required := p.requiredPerCategory[string(category)]
	for i := range plan {
		for _, toolID := range required {
			if plan[i].ToolID == toolID {
				plan[i].Required = true
			}
		}
	}
}

// =============================================================================
// Routing Policy
// =============================================================================

// needsMetrics reports whether the plan includes the structured query
// engine. A named metric always does; data-bearing categories do even
// without one (they fall back to a headline stat line).
func needsMetrics(intent datatypes.Intent) bool {
	if intent.Entity(datatypes.EntityMetric) != "" {
		return true
	}
	switch intent.Category {
	case datatypes.IntentComparison, datatypes.IntentTrend, datatypes.IntentPrediction, datatypes.IntentVisualization:
		return true
	}
	return false
}

// scopeAllowed reports whether the caller may read the scope. The opponent
// scope is special: the OpponentData permission grants it to roles (coach,
// analyst) whose base scope set does not carry it.
func scopeAllowed(user datatypes.UserContext, scope datatypes.Scope) bool {
	if user.Scopes.Contains(scope) {
		return true
	}
	return scope == datatypes.ScopeOpponent && user.OpponentData
}

// metricScope picks the scope a metric query reads.
func metricScope(intent datatypes.Intent, user datatypes.UserContext) datatypes.Scope {
	player := intent.Entity(datatypes.EntityPlayer)
	switch {
	case player != "" && player == user.UserID:
		return datatypes.ScopePersonal
	case player != "":
		return datatypes.ScopePlayer
	case intent.Entity(datatypes.EntityOpponent) != "" && intent.Entity(datatypes.EntityTeam) == "":
		return datatypes.ScopeOpponent
	default:
		return datatypes.ScopeTeam
	}
}

// conceptScope picks the scope of a prose knowledge search. Tactical
// material is strategy-scoped when the caller may see it; otherwise the
// search stays on general team material.
func conceptScope(user datatypes.UserContext) datatypes.Scope {
	if user.TacticalAnalysis && user.Scopes.Contains(datatypes.ScopeStrategy) {
		return datatypes.ScopeStrategy
	}
	return datatypes.ScopeTeam
}

// metricMode picks how the structured query engine shapes its result.
func metricMode(category datatypes.IntentCategory) string {
	switch category {
	case datatypes.IntentTrend, datatypes.IntentVisualization:
		return ModePerGame
	default:
		return ModeAggregate
	}
}

// eventTopic builds the events-namespace search topic for game context.
func eventTopic(intent datatypes.Intent) string {
	if opp := intent.Entity(datatypes.EntityOpponent); opp != "" {
		return "games against " + opp
	}
	if m := intent.Entity(datatypes.EntityMetric); m != "" {
		return m
	}
	return "recent games"
}
