// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

// sessionEntry is one record of the sessions file.
type sessionEntry struct {
	Token      string   `yaml:"token"`
	UserID     string   `yaml:"user_id"`
	Name       string   `yaml:"name"`
	Role       string   `yaml:"role"`
	TeamAccess []string `yaml:"team_access"`
}

// LoadSessionsFile populates a Registry from a YAML sessions file. This is
// the local-deployment stand-in for the external auth service: a static
// token list with roles and team access.
//
// File format:
//
//	sessions:
//	  - token: tok-coach
//	    user_id: coach_martin
//	    role: coach
//	    team_access: [MTL]
//
// Outputs:
//
//	*Registry - Registry holding every listed session.
//	error     - Non-nil on read, parse, or unknown-role failure.
func LoadSessionsFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sessions file: %w", err)
	}

	var doc struct {
		Sessions []sessionEntry `yaml:"sessions"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse sessions file %s: %w", path, err)
	}

	registry := NewRegistry()
	now := time.Now()
	for i, e := range doc.Sessions {
		if e.Token == "" || e.UserID == "" {
			return nil, fmt.Errorf("sessions[%d]: token and user_id are required", i)
		}
		role, err := datatypes.ParseRole(e.Role)
		if err != nil {
			return nil, fmt.Errorf("sessions[%d]: %w", i, err)
		}
		registry.Put(&Session{
			Token:      e.Token,
			UserID:     e.UserID,
			Name:       e.Name,
			Role:       role,
			TeamAccess: e.TeamAccess,
			IssuedAt:   now,
		})
	}
	return registry, nil
}
