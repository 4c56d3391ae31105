// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/heartbeat/services/orchestrator/cache"
	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
	"github.com/AleutianAI/heartbeat/services/orchestrator/tools"
)

// fakeTool is a scriptable Tool for executor tests.
type fakeTool struct {
	name    string
	timeout time.Duration
	calls   atomic.Int64
	fn      func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error)
}

func (f *fakeTool) Name() string           { return f.name }
func (f *fakeTool) Timeout() time.Duration { return f.timeout }

func (f *fakeTool) Execute(ctx context.Context, params map[string]string, _ datatypes.UserContext) (*datatypes.ToolResult, error) {
	f.calls.Add(1)
	return f.fn(ctx, params)
}

func okResult(metric string) *datatypes.ToolResult {
	return &datatypes.ToolResult{
		Evidence: []datatypes.EvidenceItem{{
			ID:          "fact:" + metric,
			Type:        datatypes.EvidenceMetric,
			Citation:    "[fact:" + metric + "]",
			Metric:      metric,
			Value:       1,
			Confidence:  1,
			SourceScope: datatypes.ScopeTeam,
		}},
	}
}

func testUser() datatypes.UserContext {
	return datatypes.UserContext{
		UserID: "coach_martin",
		Role:   datatypes.RoleCoach,
		Scopes: datatypes.NewScopeSet(datatypes.ScopeTeam, datatypes.ScopeGame),
	}
}

func testStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open("", time.Minute, nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newExecutor(t *testing.T, store *cache.Store, opts Options, list ...tools.Tool) *Executor {
	t.Helper()
	reg, err := tools.NewRegistry(list...)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return New(reg, store, opts, nil)
}

func invocation(id, toolID string, params map[string]string) datatypes.ToolInvocation {
	return datatypes.ToolInvocation{
		ID:     id,
		ToolID: toolID,
		Params: params,
		Status: datatypes.StatusPending,
	}
}

func TestExecutor_IndependentInvocationsRunInParallel(t *testing.T) {
	var inFlight, peak atomic.Int64
	barrier := make(chan struct{})
	tool := &fakeTool{
		name:    "metric_query",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			<-barrier
			return okResult(params["metric"]), nil
		},
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 3}, tool)

	plan := []datatypes.ToolInvocation{
		invocation("a", "metric_query", map[string]string{"metric": "goals"}),
		invocation("b", "metric_query", map[string]string{"metric": "assists"}),
	}

	done := make(chan struct{})
	var invs []datatypes.ToolInvocation
	var runErr error
	go func() {
		invs, runErr = e.Run(context.Background(), "q-1", plan, testUser())
		close(done)
	}()

	// Both invocations must be in flight before either completes.
	deadline := time.After(2 * time.Second)
	for inFlight.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("expected both invocations in flight concurrently")
		case <-time.After(time.Millisecond):
		}
	}
	close(barrier)
	<-done

	if runErr != nil {
		t.Fatalf("Run failed: %v", runErr)
	}
	for _, inv := range invs {
		if inv.Status != datatypes.StatusOK {
			t.Errorf("invocation %s: expected ok, got %s (%s)", inv.ID, inv.Status, inv.Err)
		}
	}
	if peak.Load() < 2 {
		t.Errorf("expected concurrent execution, peak was %d", peak.Load())
	}
}

func TestExecutor_ConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int64
	tool := &fakeTool{
		name:    "metric_query",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return okResult(params["metric"]), nil
		},
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 2}, tool)

	plan := make([]datatypes.ToolInvocation, 0, 5)
	for _, m := range []string{"goals", "assists", "points", "hits", "shots_on_goal"} {
		plan = append(plan, invocation("inv-"+m, "metric_query", map[string]string{"metric": m}))
	}

	if _, err := e.Run(context.Background(), "q-1", plan, testUser()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("concurrency cap breached: peak %d > 2", peak.Load())
	}
}

func TestExecutor_DependencyOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	tool := &fakeTool{
		name:    "metric_query",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			mu.Lock()
			order = append(order, params["mode"])
			mu.Unlock()
			return okResult(params["metric"]), nil
		},
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 3}, tool)

	base := invocation("base", "metric_query", map[string]string{"metric": "goals", "mode": "aggregate"})
	proj := invocation("proj", "metric_query", map[string]string{"metric": "goals", "mode": "projection"})
	proj.DependsOn = []string{"base"}

	invs, err := e.Run(context.Background(), "q-1", []datatypes.ToolInvocation{proj, base}, testUser())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(order) != 2 || order[0] != "aggregate" || order[1] != "projection" {
		t.Errorf("expected aggregate before projection, got %v", order)
	}
	for _, inv := range invs {
		if inv.Status != datatypes.StatusOK {
			t.Errorf("invocation %s: expected ok, got %s", inv.ID, inv.Status)
		}
	}
}

func TestExecutor_DependencyFailurePropagates(t *testing.T) {
	tool := &fakeTool{
		name:    "metric_query",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			if params["mode"] == "aggregate" {
				return nil, datatypes.NewToolFailure("metric_query", "column not found", nil)
			}
			return okResult(params["metric"]), nil
		},
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 3}, tool)

	base := invocation("base", "metric_query", map[string]string{"metric": "goals", "mode": "aggregate"})
	proj := invocation("proj", "metric_query", map[string]string{"metric": "goals", "mode": "projection"})
	proj.DependsOn = []string{"base"}

	invs, err := e.Run(context.Background(), "q-1", []datatypes.ToolInvocation{base, proj}, testUser())
	if err != nil {
		t.Fatalf("Run returned error for optional failure: %v", err)
	}
	byID := map[string]datatypes.ToolInvocation{}
	for _, inv := range invs {
		byID[inv.ID] = inv
	}
	if byID["base"].Status != datatypes.StatusError {
		t.Errorf("expected base error, got %s", byID["base"].Status)
	}
	if byID["proj"].Status != datatypes.StatusError {
		t.Errorf("expected proj to inherit the failure, got %s", byID["proj"].Status)
	}
	if tool.calls.Load() != 1 {
		t.Errorf("projection must not run after its dependency failed; %d calls", tool.calls.Load())
	}
}

func TestExecutor_RequiredFailureAborts(t *testing.T) {
	slowStarted := make(chan struct{}, 1)
	failing := &fakeTool{
		name:    "metric_query",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			return nil, datatypes.NewToolFailure("metric_query", "store unavailable", nil)
		},
	}
	knowledge := &fakeTool{
		name:    "knowledge_search",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			slowStarted <- struct{}{}
			return okResult("context"), nil
		},
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 3}, failing, knowledge)

	required := invocation("m", "metric_query", map[string]string{"metric": "goals"})
	required.Required = true
	dependent := invocation("k", "knowledge_search", map[string]string{"topic": "zone_entries"})
	dependent.DependsOn = []string{"m"}

	invs, err := e.Run(context.Background(), "q-1", []datatypes.ToolInvocation{required, dependent}, testUser())
	if datatypes.CodeOf(err) != datatypes.ErrCodeToolFailure {
		t.Fatalf("expected tool_failure, got %v", err)
	}
	byID := map[string]datatypes.ToolInvocation{}
	for _, inv := range invs {
		byID[inv.ID] = inv
	}
	if byID["k"].Status != datatypes.StatusError {
		t.Errorf("expected dependent invocation aborted, got %s", byID["k"].Status)
	}
	select {
	case <-slowStarted:
		t.Error("dependent invocation must never start after a required failure")
	default:
	}
}

func TestExecutor_TimeoutIsNotRetried(t *testing.T) {
	tool := &fakeTool{
		name:    "knowledge_search",
		timeout: 20 * time.Millisecond,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 1, RetryCount: 3}, tool)

	invs, err := e.Run(context.Background(), "q-1",
		[]datatypes.ToolInvocation{invocation("k", "knowledge_search", map[string]string{"topic": "forecheck"})},
		testUser())
	if err != nil {
		t.Fatalf("optional timeout must not abort the plan: %v", err)
	}
	if invs[0].Status != datatypes.StatusTimeout {
		t.Errorf("expected timeout status, got %s", invs[0].Status)
	}
	if tool.calls.Load() != 1 {
		t.Errorf("timeouts must not be retried; %d calls", tool.calls.Load())
	}
}

func TestExecutor_TransientErrorsRetry(t *testing.T) {
	tool := &fakeTool{
		name:    "knowledge_search",
		timeout: time.Second,
		fn:      nil,
	}
	tool.fn = func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
		if tool.calls.Load() < 3 {
			return nil, datatypes.NewTransientError("knowledge_search", "connection reset", nil)
		}
		return okResult("zone_entries"), nil
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 1, RetryCount: 2, RetryBackoff: time.Millisecond}, tool)

	invs, err := e.Run(context.Background(), "q-1",
		[]datatypes.ToolInvocation{invocation("k", "knowledge_search", map[string]string{"topic": "zone_entries"})},
		testUser())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if invs[0].Status != datatypes.StatusOK {
		t.Errorf("expected ok after retries, got %s (%s)", invs[0].Status, invs[0].Err)
	}
	if got := tool.calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	tool := &fakeTool{
		name:    "knowledge_search",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			return nil, datatypes.NewTransientError("knowledge_search", "connection reset", nil)
		},
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 1, RetryCount: 2, RetryBackoff: time.Millisecond}, tool)

	invs, err := e.Run(context.Background(), "q-1",
		[]datatypes.ToolInvocation{invocation("k", "knowledge_search", map[string]string{"topic": "zone_entries"})},
		testUser())
	if err != nil {
		t.Fatalf("optional failure must not abort: %v", err)
	}
	if invs[0].Status != datatypes.StatusError {
		t.Errorf("expected error after exhausted retries, got %s", invs[0].Status)
	}
	if got := tool.calls.Load(); got != 3 {
		t.Errorf("expected initial attempt + 2 retries, got %d", got)
	}
}

func TestExecutor_CacheHitSkipsExecution(t *testing.T) {
	tool := &fakeTool{
		name:    "metric_query",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			return okResult(params["metric"]), nil
		},
	}
	store := testStore(t)
	e := newExecutor(t, store, Options{MaxConcurrent: 1}, tool)
	plan := []datatypes.ToolInvocation{invocation("m", "metric_query", map[string]string{"metric": "points"})}

	first, err := e.Run(context.Background(), "q-1", plan, testUser())
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first[0].Status != datatypes.StatusOK || first[0].FromCache {
		t.Fatalf("expected live execution first, got %s fromCache=%v", first[0].Status, first[0].FromCache)
	}

	second, err := e.Run(context.Background(), "q-2", plan, testUser())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second[0].Status != datatypes.StatusCached || !second[0].FromCache {
		t.Errorf("expected cached result, got %s fromCache=%v", second[0].Status, second[0].FromCache)
	}
	if tool.calls.Load() != 1 {
		t.Errorf("expected a single live execution, got %d", tool.calls.Load())
	}
}

func TestExecutor_ScopeSeparatesCacheEntries(t *testing.T) {
	tool := &fakeTool{
		name:    "metric_query",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			return okResult(params["metric"]), nil
		},
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 1}, tool)
	plan := []datatypes.ToolInvocation{invocation("m", "metric_query", map[string]string{"metric": "points"})}

	coach := testUser()
	scout := datatypes.UserContext{
		UserID: "scout_lane",
		Role:   datatypes.RoleScout,
		Scopes: datatypes.NewScopeSet(datatypes.ScopePlayer, datatypes.ScopeOpponent, datatypes.ScopeLeague),
	}

	if _, err := e.Run(context.Background(), "q-1", plan, coach); err != nil {
		t.Fatalf("coach Run failed: %v", err)
	}
	invs, err := e.Run(context.Background(), "q-2", plan, scout)
	if err != nil {
		t.Fatalf("scout Run failed: %v", err)
	}
	if invs[0].FromCache {
		t.Error("a different scope set must never hit another caller's cache entry")
	}
	if tool.calls.Load() != 2 {
		t.Errorf("expected two live executions across scope sets, got %d", tool.calls.Load())
	}
}

func TestExecutor_SingleFlightDeduplicates(t *testing.T) {
	release := make(chan struct{})
	tool := &fakeTool{
		name:    "metric_query",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			<-release
			return okResult(params["metric"]), nil
		},
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 3}, tool)
	plan := []datatypes.ToolInvocation{invocation("m", "metric_query", map[string]string{"metric": "points"})}

	type outcome struct {
		invs []datatypes.ToolInvocation
		err  error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func(qid string) {
			invs, err := e.Run(context.Background(), qid, plan, testUser())
			results <- outcome{invs, err}
		}("q-" + string(rune('a'+i)))
	}

	// Let both runs reach the single-flight barrier, then release the leader.
	time.Sleep(50 * time.Millisecond)
	close(release)

	var fromCache int
	for i := 0; i < 2; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("Run failed: %v", out.err)
		}
		if out.invs[0].Result == nil {
			t.Fatal("both callers must receive the result")
		}
		if out.invs[0].FromCache {
			fromCache++
			if out.invs[0].Status != datatypes.StatusCached {
				t.Errorf("deduplicated follower must report cached, got %s", out.invs[0].Status)
			}
			if tr := Trace(out.invs); tr[0].Status != string(datatypes.StatusCached) {
				t.Errorf("follower trace must report cached, got %q", tr[0].Status)
			}
		}
	}
	if got := tool.calls.Load(); got != 1 {
		t.Errorf("identical concurrent invocations must execute once, got %d", got)
	}
	if fromCache != 1 {
		t.Errorf("expected exactly one deduplicated follower, got %d", fromCache)
	}
}

func TestExecutor_DeadlineStopsScheduling(t *testing.T) {
	tool := &fakeTool{
		name:    "metric_query",
		timeout: time.Second,
		fn: func(ctx context.Context, params map[string]string) (*datatypes.ToolResult, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return okResult(params["metric"]), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	e := newExecutor(t, testStore(t), Options{MaxConcurrent: 1}, tool)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	base := invocation("base", "metric_query", map[string]string{"metric": "goals", "mode": "aggregate"})
	proj := invocation("proj", "metric_query", map[string]string{"metric": "goals", "mode": "projection"})
	proj.DependsOn = []string{"base"}

	invs, err := e.Run(ctx, "q-1", []datatypes.ToolInvocation{base, proj}, testUser())
	if err != nil {
		t.Fatalf("deadline breach must degrade, not abort: %v", err)
	}
	byID := map[string]datatypes.ToolInvocation{}
	for _, inv := range invs {
		byID[inv.ID] = inv
	}
	if byID["base"].Status != datatypes.StatusTimeout {
		t.Errorf("expected base timeout, got %s", byID["base"].Status)
	}
	if byID["proj"].Status == datatypes.StatusOK || byID["proj"].Status == datatypes.StatusCached {
		t.Errorf("projection must not complete after the deadline, got %s", byID["proj"].Status)
	}
}
