// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge implements the knowledge_search tool: semantic
// retrieval over the curated knowledge index.
//
// The index holds two namespaces. "prose" carries tactical and explanatory
// chunks (scouting notes, system explanations); "events" carries per-game
// summaries. Every chunk is tagged with a data scope at ingest time, and
// retrieval filters on both namespace and scope server-side so out-of-scope
// content never reaches the orchestrator.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
	"github.com/AleutianAI/heartbeat/services/orchestrator/router"
)

// Chunk is one retrieved knowledge unit.
type Chunk struct {
	// ChunkID is the stable id of the source chunk.
	ChunkID string

	// Content is the prose text.
	Content string

	// Namespace is "prose" or "events".
	Namespace string

	// Scope is the data-scope tag applied at ingest.
	Scope string

	// Source names the origin document or feed.
	Source string

	// MetricName and MetricValue carry a numeric claim the chunk makes
	// about a metric, when the ingest pipeline extracted one. Used
	// downstream for conflict detection against live values.
	MetricName  string
	MetricValue float64

	// Certainty is the retrieval confidence in [0,1].
	Certainty float64

	// ObservedAt is when the underlying fact was recorded.
	ObservedAt time.Time
}

// SearchRequest is one retrieval call.
type SearchRequest struct {
	Concepts  []string
	Namespace string
	Scope     string
	Limit     int
}

// Searcher performs semantic search over the knowledge index. The Weaviate
// client below is the production implementation; tests substitute fakes.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Chunk, error)
}

// =============================================================================
// Weaviate Searcher
// =============================================================================

// className is the Weaviate class holding knowledge chunks.
const defaultClassName = "KnowledgeChunk"

// WeaviateSearcher implements Searcher against a Weaviate instance.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateSearcher struct {
	client    *weaviate.Client
	className string
	logger    *slog.Logger
}

// NewWeaviateSearcher creates a WeaviateSearcher.
//
// Inputs:
//
//	client    - Configured Weaviate client. Must not be nil.
//	className - Chunk class name. Empty selects "KnowledgeChunk".
//	logger    - Logger instance. Nil selects slog.Default.
func NewWeaviateSearcher(client *weaviate.Client, className string, logger *slog.Logger) *WeaviateSearcher {
	if className == "" {
		className = defaultClassName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WeaviateSearcher{client: client, className: className, logger: logger}
}

// Search runs a filtered nearText query.
func (w *WeaviateSearcher) Search(ctx context.Context, req SearchRequest) ([]Chunk, error) {
	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"namespace"}).
			WithOperator(filters.Equal).
			WithValueString(req.Namespace),
		filters.Where().
			WithPath([]string{"scope"}).
			WithOperator(filters.Equal).
			WithValueString(req.Scope),
	}
	whereFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)

	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts(req.Concepts)

	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "content"},
		{Name: "namespace"},
		{Name: "scope"},
		{Name: "source"},
		{Name: "metricName"},
		{Name: "metricValue"},
		{Name: "observedAt"},
		{Name: "_additional { certainty }"},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithWhere(whereFilter).
		WithNearText(nearText).
		WithLimit(req.Limit).
		Do(ctx)
	if err != nil {
		// Client-level failures are connectivity problems; eligible for
		// the executor's retry budget.
		return nil, datatypes.NewTransientError(datatypes.ToolKnowledgeSearch, "knowledge index unreachable", err)
	}
	if len(result.Errors) > 0 {
		return nil, datatypes.NewToolFailure(datatypes.ToolKnowledgeSearch,
			fmt.Sprintf("search error: %s", result.Errors[0].Message), nil)
	}

	return w.parseChunks(result), nil
}

func (w *WeaviateSearcher) parseChunks(result *models.GraphQLResponse) []Chunk {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[w.className].([]interface{})
	if !ok {
		return nil
	}

	chunks := make([]Chunk, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		chunk := Chunk{
			ChunkID:    asString(m["chunkId"]),
			Content:    asString(m["content"]),
			Namespace:  asString(m["namespace"]),
			Scope:      asString(m["scope"]),
			Source:     asString(m["source"]),
			MetricName: asString(m["metricName"]),
		}
		if v, ok := m["metricValue"].(float64); ok {
			chunk.MetricValue = v
		}
		if ts := asString(m["observedAt"]); ts != "" {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				chunk.ObservedAt = parsed
			}
		}
		if add, ok := m["_additional"].(map[string]interface{}); ok {
			if c, ok := add["certainty"].(float64); ok {
				chunk.Certainty = c
			}
		}
		if chunk.ChunkID != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// =============================================================================
// Tool
// =============================================================================

// Config bounds one knowledge_search invocation.
type Config struct {
	// Timeout is the per-invocation deadline.
	Timeout time.Duration

	// TopK is the maximum number of chunks returned.
	TopK int

	// ScoreThreshold drops chunks below this retrieval certainty.
	ScoreThreshold float64
}

// Tool is the knowledge_search tool.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tool struct {
	searcher Searcher
	cfg      Config
	logger   *slog.Logger
}

// NewTool creates the knowledge_search tool.
func NewTool(searcher Searcher, cfg Config, logger *slog.Logger) *Tool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2500 * time.Millisecond
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{searcher: searcher, cfg: cfg, logger: logger}
}

// Name implements tools.Tool.
func (t *Tool) Name() string { return datatypes.ToolKnowledgeSearch }

// Timeout implements tools.Tool.
func (t *Tool) Timeout() time.Duration { return t.cfg.Timeout }

// Execute runs one retrieval.
//
// # Description
//
// Fetches up to 3× TopK candidates, drops chunks below the score
// threshold, deduplicates by chunk id keeping the highest-certainty copy,
// and returns the top K as citable evidence. An empty result is success
// with no evidence; the synthesizer decides what that means for the
// answer.
func (t *Tool) Execute(ctx context.Context, params map[string]string, user datatypes.UserContext) (*datatypes.ToolResult, error) {
	topic := params[router.ParamTopic]
	if topic == "" {
		return nil, datatypes.NewToolFailure(datatypes.ToolKnowledgeSearch, "missing topic parameter", nil)
	}
	namespace := params[router.ParamNamespace]
	if namespace == "" {
		namespace = router.NamespaceProse
	}
	scope := params[router.ParamScope]
	if !user.Scopes.Contains(datatypes.Scope(scope)) && !(datatypes.Scope(scope) == datatypes.ScopeOpponent && user.OpponentData) {
		return nil, datatypes.NewPermissionDenied(fmt.Sprintf("scope %q is outside the caller's permissions", scope))
	}

	concepts := []string{topic}
	if tf := params[router.ParamTimeframe]; tf != "" && tf != "current_season" {
		concepts = append(concepts, tf)
	}

	chunks, err := t.searcher.Search(ctx, SearchRequest{
		Concepts:  concepts,
		Namespace: namespace,
		Scope:     scope,
		Limit:     t.cfg.TopK * 3,
	})
	if err != nil {
		return nil, err
	}

	evidence := t.rank(chunks, namespace, datatypes.Scope(scope))
	t.logger.Debug("knowledge retrieval complete",
		slog.String("topic", topic),
		slog.String("namespace", namespace),
		slog.Int("candidates", len(chunks)),
		slog.Int("kept", len(evidence)),
	)
	return &datatypes.ToolResult{Evidence: evidence}, nil
}

// rank filters, deduplicates, and truncates retrieved chunks into evidence.
func (t *Tool) rank(chunks []Chunk, namespace string, scope datatypes.Scope) []datatypes.EvidenceItem {
	best := make(map[string]Chunk, len(chunks))
	order := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Certainty < t.cfg.ScoreThreshold {
			continue
		}
		prev, seen := best[c.ChunkID]
		if !seen {
			order = append(order, c.ChunkID)
			best[c.ChunkID] = c
			continue
		}
		if c.Certainty > prev.Certainty {
			best[c.ChunkID] = c
		}
	}

	evidence := make([]datatypes.EvidenceItem, 0, t.cfg.TopK)
	for _, id := range order {
		if len(evidence) == t.cfg.TopK {
			break
		}
		c := best[id]
		evidence = append(evidence, datatypes.EvidenceItem{
			ID:          c.ChunkID,
			Type:        datatypes.EvidenceKnowledge,
			Citation:    fmt.Sprintf("[%s:%s]", namespace, c.ChunkID),
			Content:     c.Content,
			Metric:      c.MetricName,
			Value:       c.MetricValue,
			Confidence:  c.Certainty,
			SourceScope: scope,
			ObservedAt:  c.ObservedAt,
		})
	}
	return evidence
}
