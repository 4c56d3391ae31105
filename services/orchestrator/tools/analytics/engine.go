// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analytics implements the metric_query tool: scope-filtered
// structured queries over the processed game-stats tables, including
// derived metrics computed from base-column aggregates.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
	"github.com/AleutianAI/heartbeat/services/orchestrator/router"
)

var analyticsTracer = otel.Tracer("heartbeat.orchestrator.analytics")

// =============================================================================
// Metric Catalog
// =============================================================================

// metricSpec describes how one metric is computed. Base metrics sum a
// single column; derived metrics evaluate an expression over base-column
// sums plus the implicit "games" variable (the row count of the window).
type metricSpec struct {
	table  string
	column string
	expr   string
}

func (m metricSpec) derived() bool { return m.expr != "" }

// columns returns the base columns the metric needs from the table.
func (m metricSpec) columns() []string {
	if !m.derived() {
		return []string{m.column}
	}
	var cols []string
	for _, id := range exprIdentifiers(m.expr) {
		if id != "games" {
			cols = append(cols, id)
		}
	}
	return cols
}

var metricSpecs = map[string]metricSpec{
	"goals":         {table: TablePlayerGameStats, column: "goals"},
	"assists":       {table: TablePlayerGameStats, column: "assists"},
	"shots_on_goal": {table: TablePlayerGameStats, column: "shots_on_goal"},
	"hits":          {table: TablePlayerGameStats, column: "hits"},
	"plus_minus":    {table: TablePlayerGameStats, column: "plus_minus"},

	"points":          {table: TablePlayerGameStats, expr: "goals + assists"},
	"shooting_pct":    {table: TablePlayerGameStats, expr: "100 * goals / shots_on_goal"},
	"toi_per_game":    {table: TablePlayerGameStats, expr: "toi_seconds / (60 * games)"},
	"faceoff_win_pct": {table: TablePlayerGameStats, expr: "100 * faceoffs_won / (faceoffs_won + faceoffs_lost)"},

	"xg":               {table: TableTeamGameStats, column: "xg_for"},
	"zone_entry_rate":  {table: TableTeamGameStats, expr: "100 * controlled_entries / zone_entries"},
	"corsi_for_pct":    {table: TableTeamGameStats, expr: "100 * corsi_for / (corsi_for + corsi_against)"},
	"save_pct":         {table: TableTeamGameStats, expr: "100 * saves / shots_against"},
	"powerplay_pct":    {table: TableTeamGameStats, expr: "100 * pp_goals / pp_opportunities"},
	"penalty_kill_pct": {table: TableTeamGameStats, expr: "100 * (pk_situations - pk_goals_against) / pk_situations"},
}

// timeframeWindows maps timeframe tags to a trailing game-count window.
// Zero means the whole table (one season of data).
var timeframeWindows = map[string]int{
	"last_game":      1,
	"last_5_games":   5,
	"last_10_games":  10,
	"current_season": 0,
	"career":         0,
}

// =============================================================================
// Tool
// =============================================================================

// Config bounds one metric_query invocation.
type Config struct {
	// Timeout is the per-invocation deadline.
	Timeout time.Duration

	// MaxRows caps per-game rows returned; breaching it truncates the
	// result rather than failing it.
	MaxRows int
}

// Tool is the metric_query tool.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tool struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewTool creates the metric_query tool.
func NewTool(store Store, cfg Config, logger *slog.Logger) *Tool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Second
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{store: store, cfg: cfg, logger: logger}
}

// Name implements tools.Tool.
func (t *Tool) Name() string { return datatypes.ToolMetricQuery }

// Timeout implements tools.Tool.
func (t *Tool) Timeout() time.Duration { return t.cfg.Timeout }

// Execute runs one structured query.
//
// # Description
//
// Scope and entity filters are applied in SQL before any aggregation, so a
// caller's window never includes rows their scope does not cover. Modes:
// aggregate computes one value over the window, per_game returns one row
// per game, projection averages the per-game values into a next-game
// estimate.
func (t *Tool) Execute(ctx context.Context, params map[string]string, user datatypes.UserContext) (*datatypes.ToolResult, error) {
	ctx, span := analyticsTracer.Start(ctx, "analytics.Execute")
	defer span.End()

	metric := params[router.ParamMetric]
	if metric == "" {
		metric = defaultMetric(params)
	}
	spec, ok := metricSpecs[metric]
	if !ok {
		return nil, datatypes.NewToolFailure(datatypes.ToolMetricQuery, fmt.Sprintf("unknown metric %q", metric), nil)
	}
	if spec.derived() && !user.AdvancedMetrics {
		return nil, datatypes.NewPermissionDenied("derived metrics require advanced metrics access")
	}

	scope := datatypes.Scope(params[router.ParamScope])
	if !user.Scopes.Contains(scope) && !(scope == datatypes.ScopeOpponent && user.OpponentData) {
		return nil, datatypes.NewPermissionDenied(fmt.Sprintf("scope %q is outside the caller's permissions", scope))
	}

	mode := params[router.ParamMode]
	if mode == "" {
		mode = router.ModeAggregate
	}
	span.SetAttributes(
		attribute.String("metric", metric),
		attribute.String("mode", mode),
	)

	switch mode {
	case router.ModeAggregate:
		return t.aggregate(ctx, metric, spec, params, scope)
	case router.ModePerGame:
		return t.perGame(ctx, metric, spec, params, scope)
	case router.ModeProjection:
		return t.projection(ctx, metric, spec, params, scope)
	default:
		return nil, datatypes.NewToolFailure(datatypes.ToolMetricQuery, fmt.Sprintf("unknown mode %q", mode), nil)
	}
}

// defaultMetric picks a headline metric when the plan names none: goals
// for player-focused queries, expected goals for team-level ones.
func defaultMetric(params map[string]string) string {
	if params[router.ParamPlayer] != "" {
		return "goals"
	}
	return "xg"
}

// =============================================================================
// Query Building
// =============================================================================

// windowQuery builds the scope-filtered, timeframe-bounded inner select.
func windowQuery(spec metricSpec, params map[string]string) (string, []any) {
	var where []string
	var args []any

	if spec.table == TablePlayerGameStats {
		if player := params[router.ParamPlayer]; player != "" {
			where = append(where, "player_id = ?")
			args = append(args, player)
		}
		if team := params[router.ParamTeam]; team != "" {
			where = append(where, "team = ?")
			args = append(args, team)
		}
	} else {
		if team := params[router.ParamTeam]; team != "" {
			where = append(where, "team = ?")
			args = append(args, team)
		}
		if opp := params[router.ParamOpponent]; opp != "" && opp != params[router.ParamTeam] {
			where = append(where, "opponent = ?")
			args = append(args, opp)
		}
	}

	cols := append([]string{"game_date"}, spec.columns()...)
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), spec.table)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY game_date DESC"
	if n := timeframeWindows[params[router.ParamTimeframe]]; n > 0 {
		q += fmt.Sprintf(" LIMIT %d", n)
	}
	return q, args
}

// =============================================================================
// Modes
// =============================================================================

func (t *Tool) aggregate(ctx context.Context, metric string, spec metricSpec, params map[string]string, scope datatypes.Scope) (*datatypes.ToolResult, error) {
	inner, args := windowQuery(spec, params)

	sums := make([]string, 0, 5)
	sums = append(sums, "COUNT(*) AS games", "MAX(game_date) AS latest")
	for _, c := range spec.columns() {
		sums = append(sums, fmt.Sprintf("SUM(%s) AS %s", c, c))
	}
	// The row cap applies in aggregate mode too: sums cover at most MaxRows
	// of the newest rows, and the one-row overshoot in the scanned count is
	// what flags truncation.
	q := fmt.Sprintf(
		"WITH win AS (SELECT * FROM (%s) x LIMIT %d) SELECT (SELECT COUNT(*) FROM win) AS scanned, %s FROM (SELECT * FROM win LIMIT %d) w",
		inner, t.cfg.MaxRows+1, strings.Join(sums, ", "), t.cfg.MaxRows,
	)

	rows, err := t.store.Query(ctx, q, args...)
	if err != nil {
		return nil, queryError(ctx, err)
	}
	if len(rows) == 0 {
		return emptyWindowResult(metric, spec.table), nil
	}

	vars := map[string]float64{}
	for k, v := range rows[0] {
		if f, ok := asFloat(v); ok {
			vars[k] = f
		}
	}
	if vars["games"] == 0 {
		return emptyWindowResult(metric, spec.table), nil
	}

	value, err := spec.value(vars)
	if err != nil {
		return nil, datatypes.NewToolFailure(datatypes.ToolMetricQuery, fmt.Sprintf("compute %s: %v", metric, err), nil)
	}

	observed := time.Now().UTC()
	if ts, ok := asTime(rows[0]["latest"]); ok {
		observed = ts
	}

	truncated := vars["scanned"] > vars["games"]
	payload := &datatypes.AnalyticsPayload{
		Metric:      metric,
		Aggregates:  map[string]float64{metric: value, "games": vars["games"]},
		RowsScanned: int(vars["games"]),
		Truncated:   truncated,
		Source:      spec.table,
	}
	return &datatypes.ToolResult{
		Evidence:  []datatypes.EvidenceItem{metricEvidence(metric, spec.table, value, scope, observed)},
		Analytics: payload,
		Truncated: truncated,
	}, nil
}

func (t *Tool) perGame(ctx context.Context, metric string, spec metricSpec, params map[string]string, scope datatypes.Scope) (*datatypes.ToolResult, error) {
	series, observed, truncated, err := t.series(ctx, spec, params)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return emptyWindowResult(metric, spec.table), nil
	}

	rows := make([]map[string]float64, 0, len(series))
	for i, v := range series {
		rows = append(rows, map[string]float64{"game": float64(i + 1), metric: v})
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	avg := sum / float64(len(series))

	payload := &datatypes.AnalyticsPayload{
		Metric:      metric,
		Rows:        rows,
		Aggregates:  map[string]float64{metric + "_avg": avg, "games": float64(len(series))},
		RowsScanned: len(series),
		Truncated:   truncated,
		Source:      spec.table,
	}
	return &datatypes.ToolResult{
		Evidence:  []datatypes.EvidenceItem{metricEvidence(metric, spec.table, avg, scope, observed)},
		Analytics: payload,
		Truncated: truncated,
	}, nil
}

func (t *Tool) projection(ctx context.Context, metric string, spec metricSpec, params map[string]string, scope datatypes.Scope) (*datatypes.ToolResult, error) {
	series, observed, truncated, err := t.series(ctx, spec, params)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return emptyWindowResult(metric, spec.table), nil
	}

	var sum float64
	for _, v := range series {
		sum += v
	}
	projected := sum / float64(len(series))

	name := metric + "_projection"
	payload := &datatypes.AnalyticsPayload{
		Metric:      name,
		Aggregates:  map[string]float64{name: projected, "games": float64(len(series))},
		RowsScanned: len(series),
		Truncated:   truncated,
		Source:      spec.table,
	}
	item := metricEvidence(name, spec.table, projected, scope, observed)
	// A projection is an estimate, not an observation.
	item.Confidence = 0.7
	return &datatypes.ToolResult{
		Evidence:  []datatypes.EvidenceItem{item},
		Analytics: payload,
		Truncated: truncated,
	}, nil
}

// series fetches the per-game metric values for the window, newest first
// in SQL, returned oldest first. The row cap is enforced while scanning;
// hitting it truncates rather than fails.
func (t *Tool) series(ctx context.Context, spec metricSpec, params map[string]string) ([]float64, time.Time, bool, error) {
	inner, args := windowQuery(spec, params)
	rows, err := t.store.Query(ctx, inner, args...)
	if err != nil {
		return nil, time.Time{}, false, queryError(ctx, err)
	}

	truncated := false
	if len(rows) > t.cfg.MaxRows {
		rows = rows[:t.cfg.MaxRows]
		truncated = true
	}

	observed := time.Time{}
	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		if ts, ok := asTime(row["game_date"]); ok && ts.After(observed) {
			observed = ts
		}
		vars := map[string]float64{"games": 1}
		for k, v := range row {
			if f, ok := asFloat(v); ok {
				vars[k] = f
			}
		}
		v, err := spec.value(vars)
		if err != nil {
			// A single bad game (e.g. zero shots) must not sink the
			// series.
			continue
		}
		values = append(values, v)
	}

	// Reverse to chronological order for presentation.
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	return values, observed, truncated, nil
}

// value computes the metric from bound variables.
func (m metricSpec) value(vars map[string]float64) (float64, error) {
	if m.derived() {
		return evalExpr(m.expr, vars)
	}
	v, ok := vars[m.column]
	if !ok {
		return 0, fmt.Errorf("missing column %s", m.column)
	}
	return v, nil
}

// =============================================================================
// Helpers
// =============================================================================

func metricEvidence(metric, table string, value float64, scope datatypes.Scope, observed time.Time) datatypes.EvidenceItem {
	return datatypes.EvidenceItem{
		ID:          fmt.Sprintf("%s:%s", table, metric),
		Type:        datatypes.EvidenceMetric,
		Citation:    fmt.Sprintf("[%s:%s]", table, metric),
		Metric:      metric,
		Value:       value,
		Confidence:  1.0,
		SourceScope: scope,
		ObservedAt:  observed,
	}
}

// emptyWindowResult is success with no evidence: the window held no games.
func emptyWindowResult(metric, table string) *datatypes.ToolResult {
	return &datatypes.ToolResult{
		Analytics: &datatypes.AnalyticsPayload{
			Metric:     metric,
			Aggregates: map[string]float64{"games": 0},
			Source:     table,
		},
	}
}

// queryError classifies a store failure. Context expiry surfaces as-is so
// the executor records a timeout; everything else is a permanent failure
// (the store is local, there is no transient network to retry through).
func queryError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return datatypes.NewToolFailure(datatypes.ToolMetricQuery, "stats query failed", err)
}
