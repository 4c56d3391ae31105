// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor schedules and runs tool plans.
//
// # Description
//
// The executor walks the plan's dependency DAG in waves: every invocation
// whose dependencies have completed runs in the current wave, capped at the
// configured concurrency. Each invocation gets its own timeout, a bounded
// retry policy for transient failures, a fingerprint-cache lookup, and
// single-flight deduplication so identical concurrent invocations execute
// once. A failed required invocation aborts the remainder of the plan;
// failed optional invocations degrade into warnings downstream.
//
// Two invariants the executor owns:
//
//   - Status transitions are append-only. Once an invocation reaches a
//     terminal status its result is never altered.
//   - A result produced after the overall query deadline fired is returned
//     to no one and never written to the cache.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/heartbeat/services/orchestrator/cache"
	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
	"github.com/AleutianAI/heartbeat/services/orchestrator/observability"
	"github.com/AleutianAI/heartbeat/services/orchestrator/tools"
)

var executorTracer = otel.Tracer("heartbeat.orchestrator.executor")

// Options bound the executor's scheduling behavior.
type Options struct {
	// MaxConcurrent caps parallel invocations within one plan.
	MaxConcurrent int

	// RetryCount is the maximum number of retries for transient failures.
	RetryCount int

	// RetryBackoff is the initial backoff between retries; each retry
	// doubles it.
	RetryBackoff time.Duration

	// RateLimits maps tool id to its invocations-per-second budget. Tools
	// without an entry are unlimited.
	RateLimits map[string]float64
}

// Executor runs tool plans against a closed tool registry.
//
// # Thread Safety
//
// Safe for concurrent use; plans from concurrent queries share the
// fingerprint cache and the single-flight group.
type Executor struct {
	registry *tools.Registry
	store    *cache.Store
	opts     Options
	limiters map[string]*rate.Limiter
	flight   singleflight.Group
	logger   *slog.Logger
}

// New creates an Executor.
//
// Inputs:
//
//	registry - Closed tool registry. Must not be nil.
//	store    - Fingerprint cache. Nil disables caching.
//	opts     - Scheduling bounds. Zero values select safe defaults.
//	logger   - Logger instance. Nil selects slog.Default.
func New(registry *tools.Registry, store *cache.Store, opts Options, logger *slog.Logger) *Executor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiters := make(map[string]*rate.Limiter, len(opts.RateLimits))
	for toolID, perSec := range opts.RateLimits {
		limiters[toolID] = rate.NewLimiter(rate.Limit(perSec), int(perSec)+1)
	}
	return &Executor{
		registry: registry,
		store:    store,
		opts:     opts,
		limiters: limiters,
		logger:   logger,
	}
}

// Run executes a plan to completion or abort.
//
// # Description
//
// The input plan is copied; the caller's slice is never mutated. Run
// returns the completed plan even on error so the synthesizer can build a
// best-effort answer from whatever finished.
//
// Outputs:
//
//	[]datatypes.ToolInvocation - The plan with terminal statuses and results.
//	error                      - Non-nil when a required invocation failed;
//	                             carries that invocation's PipelineError.
func (e *Executor) Run(ctx context.Context, queryID string, plan []datatypes.ToolInvocation, user datatypes.UserContext) ([]datatypes.ToolInvocation, error) {
	ctx, span := executorTracer.Start(ctx, "executor.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("plan.size", len(plan)))

	invs := make([]datatypes.ToolInvocation, len(plan))
	copy(invs, plan)
	byID := make(map[string]*datatypes.ToolInvocation, len(invs))
	for i := range invs {
		byID[invs[i].ID] = &invs[i]
	}

	for {
		wave := readyWave(invs, byID)
		if len(wave) == 0 {
			if !propagateDependencyFailures(invs, byID) {
				break
			}
			continue
		}

		g, waveCtx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.MaxConcurrent)
		for _, idx := range wave {
			inv := &invs[idx]
			inv.Status = datatypes.StatusRunning
			g.Go(func() error {
				e.runOne(waveCtx, queryID, inv, user)
				return nil
			})
		}
		_ = g.Wait()

		if err := requiredFailure(invs); err != nil {
			abortPending(invs)
			e.logger.Warn("plan aborted on required tool failure",
				slog.String("query_id", queryID),
				slog.String("error", err.Error()),
			)
			return invs, err
		}
	}

	return invs, nil
}

// =============================================================================
// Wave Selection
// =============================================================================

// readyWave returns the indices of pending invocations whose dependencies
// all completed successfully.
func readyWave(invs []datatypes.ToolInvocation, byID map[string]*datatypes.ToolInvocation) []int {
	var wave []int
	for i := range invs {
		if invs[i].Status != datatypes.StatusPending {
			continue
		}
		ready := true
		for _, dep := range invs[i].DependsOn {
			d, ok := byID[dep]
			if !ok || (d.Status != datatypes.StatusOK && d.Status != datatypes.StatusCached) {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, i)
		}
	}
	return wave
}

// propagateDependencyFailures marks pending invocations whose dependencies
// can no longer succeed. Reports whether any invocation changed state, i.e.
// whether the scheduling loop should take another pass.
func propagateDependencyFailures(invs []datatypes.ToolInvocation, byID map[string]*datatypes.ToolInvocation) bool {
	changed := false
	for i := range invs {
		if invs[i].Status != datatypes.StatusPending {
			continue
		}
		for _, dep := range invs[i].DependsOn {
			d, ok := byID[dep]
			if !ok {
				invs[i].Status = datatypes.StatusError
				invs[i].Err = fmt.Sprintf("unknown dependency %q", dep)
				changed = true
				break
			}
			if d.Status == datatypes.StatusError || d.Status == datatypes.StatusTimeout {
				invs[i].Status = datatypes.StatusError
				invs[i].Err = fmt.Sprintf("dependency %s failed", dep)
				changed = true
				break
			}
		}
	}
	return changed
}

// requiredFailure returns the PipelineError of the first failed required
// invocation, or nil.
func requiredFailure(invs []datatypes.ToolInvocation) error {
	for i := range invs {
		inv := &invs[i]
		if !inv.Required {
			continue
		}
		switch inv.Status {
		case datatypes.StatusTimeout:
			return datatypes.NewToolTimeout(inv.ToolID, errors.New(inv.Err))
		case datatypes.StatusError:
			return datatypes.NewToolFailure(inv.ToolID, inv.Err, nil)
		}
	}
	return nil
}

// abortPending marks every still-pending invocation as aborted.
func abortPending(invs []datatypes.ToolInvocation) {
	for i := range invs {
		if invs[i].Status == datatypes.StatusPending || invs[i].Status == datatypes.StatusRunning {
			invs[i].Status = datatypes.StatusError
			invs[i].Err = "aborted: required tool failed"
		}
	}
}

// =============================================================================
// Single Invocation
// =============================================================================

// flightResult carries the single-flight payload.
type flightResult struct {
	result  *datatypes.ToolResult
	latency time.Duration
}

func (e *Executor) runOne(ctx context.Context, queryID string, inv *datatypes.ToolInvocation, user datatypes.UserContext) {
	if err := ctx.Err(); err != nil {
		inv.Status = datatypes.StatusTimeout
		inv.Err = "query deadline exceeded before start"
		observability.ToolInvocationsTotal.WithLabelValues(inv.ToolID, string(inv.Status)).Inc()
		return
	}

	tool, ok := e.registry.Lookup(inv.ToolID)
	if !ok {
		inv.Status = datatypes.StatusError
		inv.Err = fmt.Sprintf("unknown tool %q", inv.ToolID)
		observability.ToolInvocationsTotal.WithLabelValues(inv.ToolID, string(inv.Status)).Inc()
		return
	}

	fingerprint := cache.Fingerprint(inv.ToolID, inv.Params, user.Scopes)

	if cached, err := e.store.Get(ctx, fingerprint); err != nil {
		e.logger.Warn("cache lookup failed, executing live",
			slog.String("query_id", queryID),
			slog.String("tool", inv.ToolID),
			slog.String("error", err.Error()),
		)
	} else if cached != nil {
		observability.CacheEventsTotal.WithLabelValues("hit").Inc()
		inv.Status = datatypes.StatusCached
		inv.Result = cached
		inv.FromCache = true
		observability.ToolInvocationsTotal.WithLabelValues(inv.ToolID, string(inv.Status)).Inc()
		return
	}
	observability.CacheEventsTotal.WithLabelValues("miss").Inc()

	// shared from singleflight is true for the leader as well, so leadership
	// is tracked by whether our closure ran.
	leader := false
	v, err, _ := e.flight.Do(fingerprint, func() (any, error) {
		leader = true
		res, latency, err := e.executeWithRetry(ctx, tool, inv.Params, user)
		if err != nil {
			return nil, err
		}
		// A result that raced past the overall deadline is stale by
		// definition; serve it to no cache.
		if ctx.Err() == nil {
			if putErr := e.store.Put(ctx, fingerprint, res); putErr != nil {
				e.logger.Warn("cache save failed",
					slog.String("tool", tool.Name()),
					slog.String("error", putErr.Error()),
				)
			}
		}
		return flightResult{result: res, latency: latency}, nil
	})
	if !leader {
		observability.SingleflightDedupTotal.Inc()
	}

	if err != nil {
		if datatypes.CodeOf(err) == datatypes.ErrCodeToolTimeout {
			inv.Status = datatypes.StatusTimeout
		} else {
			inv.Status = datatypes.StatusError
		}
		inv.Err = err.Error()
		observability.ToolInvocationsTotal.WithLabelValues(inv.ToolID, string(inv.Status)).Inc()
		e.logger.Warn("tool invocation failed",
			slog.String("query_id", queryID),
			slog.String("tool", inv.ToolID),
			slog.String("status", string(inv.Status)),
			slog.String("error", inv.Err),
		)
		return
	}

	fr := v.(flightResult)
	inv.Result = fr.result
	if leader {
		inv.Status = datatypes.StatusOK
		inv.LatencyMS = fr.latency.Milliseconds()
		observability.ToolLatency.WithLabelValues(inv.ToolID).Observe(fr.latency.Seconds())
	} else {
		// A follower's result came from the leader's execution, so the
		// diagnostic trace must report it as cached, same as a store hit.
		inv.Status = datatypes.StatusCached
		inv.FromCache = true
	}
	observability.ToolInvocationsTotal.WithLabelValues(inv.ToolID, string(inv.Status)).Inc()
}

// executeWithRetry runs the tool with its per-invocation timeout and the
// bounded retry policy. Only errors classified transient are retried;
// timeouts and permanent failures escalate immediately.
func (e *Executor) executeWithRetry(ctx context.Context, tool tools.Tool, params map[string]string, user datatypes.UserContext) (*datatypes.ToolResult, time.Duration, error) {
	if lim := e.limiters[tool.Name()]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, 0, datatypes.NewToolTimeout(tool.Name(), err)
		}
	}

	backoff := e.opts.RetryBackoff
	var lastErr error
	start := time.Now()
	for attempt := 0; attempt <= e.opts.RetryCount; attempt++ {
		if attempt > 0 {
			observability.ToolRetriesTotal.WithLabelValues(tool.Name()).Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, 0, datatypes.NewToolTimeout(tool.Name(), ctx.Err())
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, tool.Timeout())
		res, err := tool.Execute(attemptCtx, params, user)
		deadlineHit := attemptCtx.Err() != nil
		cancel()

		if err == nil {
			return res, time.Since(start), nil
		}
		if deadlineHit && !datatypes.IsRetryable(err) {
			return nil, 0, datatypes.NewToolTimeout(tool.Name(), err)
		}
		if !datatypes.IsRetryable(err) {
			return nil, 0, err
		}
		lastErr = err
	}
	return nil, 0, lastErr
}

// =============================================================================
// Trace
// =============================================================================

// Trace summarizes a completed plan for the response's diagnostic trace.
func Trace(invs []datatypes.ToolInvocation) []datatypes.InvocationTrace {
	out := make([]datatypes.InvocationTrace, 0, len(invs))
	for _, inv := range invs {
		out = append(out, datatypes.InvocationTrace{
			Tool:          inv.ToolID,
			ParamsSummary: summarizeParams(inv.Params),
			Status:        string(inv.Status),
			LatencyMS:     inv.LatencyMS,
		})
	}
	return out
}

func summarizeParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, " ")
}
