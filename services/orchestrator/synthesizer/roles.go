// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synthesizer

import "github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"

// rolePolicy shapes how an answer reads for each role. The same evidence
// renders differently: a coach gets tactical framing, a player gets
// development framing, an analyst gets the numbers with minimal prose.
type rolePolicy struct {
	// framing opens the narrative.
	framing string

	// maxKnowledge caps prose evidence items rendered into the narrative.
	maxKnowledge int

	// showPerGame includes per-game rows in the narrative when present.
	showPerGame bool

	// plainLanguage favors spelled-out sentences over stat shorthand.
	plainLanguage bool
}

var rolePolicies = map[datatypes.Role]rolePolicy{
	datatypes.RoleCoach: {
		framing:      "Tactical picture",
		maxKnowledge: 3,
		showPerGame:  true,
	},
	datatypes.RolePlayer: {
		framing:       "Your numbers",
		maxKnowledge:  2,
		plainLanguage: true,
	},
	datatypes.RoleAnalyst: {
		framing:      "Statistical summary",
		maxKnowledge: 5,
		showPerGame:  true,
	},
	datatypes.RoleScout: {
		framing:      "Scouting readout",
		maxKnowledge: 3,
	},
	datatypes.RoleStaff: {
		framing:       "Operations summary",
		maxKnowledge:  1,
		plainLanguage: true,
	},
}

func policyFor(role datatypes.Role) rolePolicy {
	if p, ok := rolePolicies[role]; ok {
		return p
	}
	return rolePolicies[datatypes.RoleStaff]
}
