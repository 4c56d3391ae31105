// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools defines the tool contract and the closed registry the
// executor dispatches against.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

// Tool is one executable capability of the orchestrator.
//
// # Description
//
// Execute must honor ctx cancellation and classify its failures via the
// datatypes error constructors so the executor's retry policy can tell a
// transient hiccup from a permanent failure. A tool never writes outside
// its returned result.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the executor runs
// invocations of the same tool in parallel.
type Tool interface {
	// Name returns the stable tool identifier referenced by plans.
	Name() string

	// Timeout returns the per-invocation deadline for this tool.
	Timeout() time.Duration

	// Execute runs one invocation.
	Execute(ctx context.Context, params map[string]string, user datatypes.UserContext) (*datatypes.ToolResult, error)
}

// Registry is the closed set of tools available to plans. Built once at
// startup; the router only emits tool ids that exist here, so a failed
// lookup is a programming error surfaced by tests.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a Registry from the given tools.
//
// Outputs:
//
//	*Registry - The registry.
//	error     - Non-nil on duplicate tool names.
func NewRegistry(list ...Tool) (*Registry, error) {
	tools := make(map[string]Tool, len(list))
	for _, t := range list {
		if _, dup := tools[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name())
		}
		tools[t.Name()] = t
	}
	return &Registry{tools: tools}, nil
}

// Lookup returns the tool with the given name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}
