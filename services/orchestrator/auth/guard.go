// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth implements the identity and access guard: the single gate
// between raw credentials and the rest of the pipeline. Every downstream
// component receives a resolved UserContext, never a credential.
//
// Session issuance belongs to the external auth service; this package only
// validates sessions it is handed and expands the role into a scoped
// permission set. One audit record is emitted per query naming the user,
// role, and the scopes actually used by completed tools.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

// =============================================================================
// Role Permission Matrix
// =============================================================================

// rolePermissions maps each role to its scoped permission set. The matrix
// is the product's access policy: coaches see tactical data, players see
// their own development data, analysts get league-wide statistical depth,
// scouts see opponent and league data, staff see team operations only.
var rolePermissions = map[datatypes.Role]permissionSpec{
	datatypes.RoleCoach: {
		scopes:           []datatypes.Scope{datatypes.ScopeTeam, datatypes.ScopePlayer, datatypes.ScopeGame, datatypes.ScopeStrategy},
		advancedMetrics:  true,
		opponentData:     true,
		tacticalAnalysis: true,
	},
	datatypes.RolePlayer: {
		scopes:          []datatypes.Scope{datatypes.ScopePersonal, datatypes.ScopeTeam, datatypes.ScopeGame},
		advancedMetrics: true,
	},
	datatypes.RoleAnalyst: {
		scopes:           []datatypes.Scope{datatypes.ScopeTeam, datatypes.ScopePlayer, datatypes.ScopeGame, datatypes.ScopeLeague},
		advancedMetrics:  true,
		opponentData:     true,
		tacticalAnalysis: true,
	},
	datatypes.RoleScout: {
		scopes:           []datatypes.Scope{datatypes.ScopePlayer, datatypes.ScopeOpponent, datatypes.ScopeLeague},
		advancedMetrics:  true,
		opponentData:     true,
		tacticalAnalysis: true,
	},
	datatypes.RoleStaff: {
		scopes: []datatypes.Scope{datatypes.ScopeTeam, datatypes.ScopeGame},
	},
}

type permissionSpec struct {
	scopes           []datatypes.Scope
	advancedMetrics  bool
	opponentData     bool
	tacticalAnalysis bool
}

// PermittedScopes returns the scope set for a role. Unknown roles get the
// most restrictive (staff) permissions.
func PermittedScopes(role datatypes.Role) datatypes.ScopeSet {
	spec, ok := rolePermissions[role]
	if !ok {
		spec = rolePermissions[datatypes.RoleStaff]
	}
	return datatypes.NewScopeSet(spec.scopes...)
}

// =============================================================================
// Sessions
// =============================================================================

// Session is one validated auth session handed over by the external auth
// service. The guard never sees passwords or raw tokens beyond the opaque
// session token used as the lookup key.
type Session struct {
	Token      string
	UserID     string
	Name       string
	Role       datatypes.Role
	TeamAccess []string
	IssuedAt   time.Time
}

// SessionProvider looks up a session by its opaque token. Implemented by
// the external auth collaborator; the in-memory Registry below is the
// local-deployment implementation.
type SessionProvider interface {
	Lookup(ctx context.Context, token string) (*Session, bool)
}

// Registry is an in-memory SessionProvider for local deployments and tests.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put registers or replaces a session.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Token] = s
}

// Lookup implements SessionProvider.
func (r *Registry) Lookup(_ context.Context, token string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[token]
	return s, ok
}

// =============================================================================
// Guard
// =============================================================================

// Guard resolves credentials into a UserContext and emits audit records.
//
// # Thread Safety
//
// Safe for concurrent use.
type Guard struct {
	provider       SessionProvider
	sessionTimeout time.Duration
	auditor        Auditor
	logger         *slog.Logger
	now            func() time.Time
}

// NewGuard creates a Guard backed by the given session provider.
//
// Inputs:
//
//	provider       - Session lookup. Must not be nil.
//	sessionTimeout - Maximum session age. Zero disables expiry checks.
//	auditor        - Audit sink. Nil selects the slog auditor.
//	logger         - Logger instance. Nil selects slog.Default.
func NewGuard(provider SessionProvider, sessionTimeout time.Duration, auditor Auditor, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = NewSlogAuditor(logger)
	}
	return &Guard{
		provider:       provider,
		sessionTimeout: sessionTimeout,
		auditor:        auditor,
		logger:         logger,
		now:            time.Now,
	}
}

// Resolve validates the opaque session token and expands the session's role
// into a scoped UserContext.
//
// Outputs:
//
//	datatypes.UserContext - The resolved caller identity.
//	error                 - PermissionDenied if the token is unknown or the
//	                        session has expired.
func (g *Guard) Resolve(ctx context.Context, token string) (datatypes.UserContext, error) {
	if token == "" {
		return datatypes.UserContext{}, datatypes.NewPermissionDenied("missing credentials")
	}

	session, ok := g.provider.Lookup(ctx, token)
	if !ok {
		return datatypes.UserContext{}, datatypes.NewPermissionDenied("unknown session")
	}
	if g.sessionTimeout > 0 && g.now().Sub(session.IssuedAt) > g.sessionTimeout {
		g.logger.Info("session expired",
			slog.String("user_id", session.UserID),
			slog.Time("issued_at", session.IssuedAt),
		)
		return datatypes.UserContext{}, datatypes.NewPermissionDenied("session expired")
	}

	spec, ok := rolePermissions[session.Role]
	if !ok {
		spec = rolePermissions[datatypes.RoleStaff]
	}
	return datatypes.UserContext{
		UserID:           session.UserID,
		Role:             session.Role,
		Name:             session.Name,
		Scopes:           datatypes.NewScopeSet(spec.scopes...),
		TeamAccess:       session.TeamAccess,
		SessionID:        session.Token,
		AdvancedMetrics:  spec.advancedMetrics,
		OpponentData:     spec.opponentData,
		TacticalAnalysis: spec.tacticalAnalysis,
	}, nil
}

// Audit emits the per-query audit record. Called once per query after the
// executor finishes, with the scopes actually read by completed tools.
func (g *Guard) Audit(ctx context.Context, rec AuditRecord) {
	g.auditor.Record(ctx, rec)
}

// =============================================================================
// Audit
// =============================================================================

// AuditRecord names who asked what and which scopes were actually touched.
type AuditRecord struct {
	QueryID    string
	UserID     string
	Role       datatypes.Role
	ScopesUsed []datatypes.Scope
	Status     datatypes.ResponseStatus
}

// Auditor receives one record per query.
type Auditor interface {
	Record(ctx context.Context, rec AuditRecord)
}

// SlogAuditor writes audit records to the structured log. Production
// deployments replace it with a durable sink.
type SlogAuditor struct {
	logger *slog.Logger
}

// NewSlogAuditor creates a SlogAuditor.
func NewSlogAuditor(logger *slog.Logger) *SlogAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditor{logger: logger}
}

// Record implements Auditor.
func (a *SlogAuditor) Record(ctx context.Context, rec AuditRecord) {
	scopes := make([]string, len(rec.ScopesUsed))
	for i, s := range rec.ScopesUsed {
		scopes[i] = string(s)
	}
	a.logger.LogAttrs(ctx, slog.LevelInfo, "query audit",
		slog.String("query_id", rec.QueryID),
		slog.String("user_id", rec.UserID),
		slog.String("role", string(rec.Role)),
		slog.Any("scopes_used", scopes),
		slog.String("status", string(rec.Status)),
	)
}
