// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the query pipeline end to end: identity guard,
// intent classifier, router, tool executor, and synthesizer, with bounded
// conversation history on the side.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/heartbeat/services/orchestrator/auth"
	"github.com/AleutianAI/heartbeat/services/orchestrator/config"
	"github.com/AleutianAI/heartbeat/services/orchestrator/conversation"
	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
	"github.com/AleutianAI/heartbeat/services/orchestrator/executor"
	"github.com/AleutianAI/heartbeat/services/orchestrator/intent"
	"github.com/AleutianAI/heartbeat/services/orchestrator/observability"
	"github.com/AleutianAI/heartbeat/services/orchestrator/router"
	"github.com/AleutianAI/heartbeat/services/orchestrator/synthesizer"
)

var serviceTracer = otel.Tracer("heartbeat.orchestrator.service")

// Service runs one query through the full pipeline.
//
// # Thread Safety
//
// Safe for concurrent use; all held components are.
type Service struct {
	guard         *auth.Guard
	classifier    *intent.Classifier
	planner       *router.Planner
	executor      *executor.Executor
	synthesizer   *synthesizer.Synthesizer
	conversations *conversation.Store

	overallDeadline        time.Duration
	clarificationThreshold float64
	logger                 *slog.Logger
}

// NewService assembles the pipeline.
//
// Inputs:
//
//	guard   - Resolves credentials and receives audit records.
//	cls     - Intent classifier.
//	planner - Tool plan builder.
//	exec    - Tool executor.
//	synth   - Response synthesizer.
//	convs   - Conversation history store.
//	pipe    - Pipeline bounds (overall deadline, clarification threshold).
//	logger  - Logger instance. Nil selects slog.Default.
func NewService(
	guard *auth.Guard,
	cls *intent.Classifier,
	planner *router.Planner,
	exec *executor.Executor,
	synth *synthesizer.Synthesizer,
	convs *conversation.Store,
	pipe config.PipelineConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		guard:                  guard,
		classifier:             cls,
		planner:                planner,
		executor:               exec,
		synthesizer:            synth,
		conversations:          convs,
		overallDeadline:        pipe.OverallDeadline(),
		clarificationThreshold: pipe.ClarificationThreshold,
		logger:                 logger,
	}
}

// HandleQuery runs one natural-language question through the pipeline.
//
// # Description
//
// Resolves the caller, classifies the question against recent conversation
// history, plans and executes the tool calls under the overall deadline,
// and synthesizes one citable response. Ambiguous or low-confidence intents
// short-circuit to a clarification response without touching any tool.
//
// Outputs:
//
//	datatypes.SynthesizedResponse - The merged answer. Valid when error is nil.
//	error                         - A PipelineError for credential, validation,
//	                                and permission failures. Tool-level
//	                                failures surface inside the response as
//	                                warnings and a degraded status, not here.
func (s *Service) HandleQuery(ctx context.Context, token, text, conversationID string) (datatypes.SynthesizedResponse, error) {
	ctx, span := serviceTracer.Start(ctx, "service.HandleQuery")
	defer span.End()
	start := time.Now()

	user, err := s.guard.Resolve(ctx, token)
	if err != nil {
		observability.QueriesTotal.WithLabelValues(string(datatypes.StatusErrorResponse)).Inc()
		return datatypes.SynthesizedResponse{}, err
	}
	q := datatypes.NewQuery(text, conversationID, user)
	span.SetAttributes(
		attribute.String("query.id", q.ID),
		attribute.String("user.role", string(user.Role)),
	)

	history := s.conversations.History(conversationID, user.UserID)
	in, err := s.classifier.Classify(ctx, q, history)
	if err != nil {
		observability.QueriesTotal.WithLabelValues(string(datatypes.StatusErrorResponse)).Inc()
		return datatypes.SynthesizedResponse{}, err
	}

	if in.Category == datatypes.IntentAmbiguous || in.Confidence < s.clarificationThreshold {
		// A below-threshold intent carries no candidates of its own; offer
		// the ranked runner-up readings instead of a single guess.
		if len(in.Candidates) == 0 {
			in.Candidates = s.classifier.RankedInterpretations(text, in.Entities, 3)
		}
		resp := synthesizer.Clarification(in)
		s.finish(ctx, q, in, nil, &resp, start)
		observability.ClarificationsTotal.Inc()
		return resp, nil
	}

	plan, err := s.planner.BuildPlan(ctx, in, user)
	if err != nil {
		s.guard.Audit(ctx, auth.AuditRecord{
			QueryID: q.ID,
			UserID:  user.UserID,
			Role:    user.Role,
			Status:  datatypes.StatusErrorResponse,
		})
		observability.QueriesTotal.WithLabelValues(string(datatypes.StatusErrorResponse)).Inc()
		return datatypes.SynthesizedResponse{}, err
	}

	runCtx := ctx
	if s.overallDeadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.overallDeadline)
		defer cancel()
	}
	invs, execErr := s.executor.Run(runCtx, q.ID, plan, user)

	resp := s.synthesizer.Synthesize(in, invs, user)
	if execErr != nil {
		// A required tool failed: the query as a whole fails, whatever else
		// completed. The partial evidence stays visible in the trace only.
		resp = datatypes.SynthesizedResponse{
			Narrative: "A required data source failed; this question cannot be answered reliably right now.",
			Warnings:  append(resp.Warnings, execErr.Error()),
			Status:    datatypes.StatusErrorResponse,
		}
	}

	s.finish(ctx, q, in, invs, &resp, start)
	return resp, nil
}

// ConversationHistory returns the caller's retained turns for a
// conversation. Callers only ever see conversations they own.
//
// Outputs:
//
//	[]datatypes.Turn - Retained turns, oldest first. Empty for unknown or
//	                   foreign conversations.
//	error            - PermissionDenied for bad credentials.
func (s *Service) ConversationHistory(ctx context.Context, token, conversationID string) ([]datatypes.Turn, error) {
	user, err := s.guard.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.conversations.History(conversationID, user.UserID), nil
}

// finish stamps timing and trace onto the response, emits metrics and the
// audit record, and appends the turn to conversation history.
func (s *Service) finish(ctx context.Context, q datatypes.Query, in datatypes.Intent, invs []datatypes.ToolInvocation, resp *datatypes.SynthesizedResponse, start time.Time) {
	elapsed := time.Since(start)
	resp.ProcessingTimeMS = elapsed.Milliseconds()
	resp.Trace = executor.Trace(invs)

	observability.QueriesTotal.WithLabelValues(string(resp.Status)).Inc()
	observability.QueryDuration.Observe(elapsed.Seconds())

	s.guard.Audit(ctx, auth.AuditRecord{
		QueryID:    q.ID,
		UserID:     q.User.UserID,
		Role:       q.User.Role,
		ScopesUsed: scopesUsed(invs),
		Status:     resp.Status,
	})

	s.conversations.Append(q.ConversationID, q.User.UserID, datatypes.Turn{
		QueryText: q.Text,
		Category:  in.Category,
		Entities:  in.Entities,
		Status:    resp.Status,
		At:        q.IssuedAt,
	})

	s.logger.LogAttrs(ctx, slog.LevelInfo, "query completed",
		slog.String("query_id", q.ID),
		slog.String("category", string(in.Category)),
		slog.String("status", string(resp.Status)),
		slog.Int64("elapsed_ms", resp.ProcessingTimeMS),
		slog.Int("invocations", len(invs)),
	)
}

// scopesUsed collects the distinct scopes read by completed invocations,
// sorted for deterministic audit records.
func scopesUsed(invs []datatypes.ToolInvocation) []datatypes.Scope {
	set := datatypes.NewScopeSet()
	for _, inv := range invs {
		if inv.Status != datatypes.StatusOK && inv.Status != datatypes.StatusCached {
			continue
		}
		if sc := inv.Params[router.ParamScope]; sc != "" {
			set[datatypes.Scope(sc)] = true
		}
	}
	return set.Sorted()
}
