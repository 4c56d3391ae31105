// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

// The lexicon maps surface forms in query text to canonical entity values.
// It covers the current roster and the metric/concept vocabulary of the
// processed data set; unknown surface forms simply extract nothing and the
// confidence model handles the gap.

// knownPlayers maps lowercase surface forms to canonical player ids.
var knownPlayers = map[string]string{
	"suzuki":        "nick_suzuki",
	"nick suzuki":   "nick_suzuki",
	"caufield":      "cole_caufield",
	"cole caufield": "cole_caufield",
	"slafkovsky":    "juraj_slafkovsky",
	"hutson":        "lane_hutson",
	"guhle":         "kaiden_guhle",
	"matheson":      "mike_matheson",
	"dach":          "kirby_dach",
	"newhook":       "alex_newhook",
	"gallagher":     "brendan_gallagher",
	"anderson":      "josh_anderson",
	"montembeault":  "sam_montembeault",
	"primeau":       "cayden_primeau",
	"dvorak":        "christian_dvorak",
	"armia":         "joel_armia",
	"evans":         "jake_evans",
	"xhekaj":        "arber_xhekaj",
}

// knownTeams maps lowercase surface forms to canonical team codes.
var knownTeams = map[string]string{
	"canadiens":   "MTL",
	"montreal":    "MTL",
	"habs":        "MTL",
	"mtl":         "MTL",
	"toronto":     "TOR",
	"leafs":       "TOR",
	"maple leafs": "TOR",
	"boston":      "BOS",
	"bruins":      "BOS",
	"ottawa":      "OTT",
	"senators":    "OTT",
	"tampa":       "TBL",
	"lightning":   "TBL",
	"carolina":    "CAR",
	"hurricanes":  "CAR",
	"anaheim":     "ANA",
	"ducks":       "ANA",
}

// knownMetrics maps metric surface forms to canonical metric names matching
// the columns of the processed stats tables.
var knownMetrics = map[string]string{
	"points":              "points",
	"point total":         "points",
	"goals":               "goals",
	"assists":             "assists",
	"shots":               "shots_on_goal",
	"shots on goal":       "shots_on_goal",
	"zone entries":        "zone_entry_rate",
	"zone entry":          "zone_entry_rate",
	"zone entry rate":     "zone_entry_rate",
	"carry in":            "zone_entry_rate",
	"corsi":               "corsi_for_pct",
	"expected goals":      "xg",
	"xg":                  "xg",
	"save percentage":     "save_pct",
	"faceoff":             "faceoff_win_pct",
	"faceoffs":            "faceoff_win_pct",
	"hits":                "hits",
	"power play":          "powerplay_pct",
	"powerplay":           "powerplay_pct",
	"penalty kill":        "penalty_kill_pct",
	"ice time":            "toi_per_game",
	"time on ice":         "toi_per_game",
	"plus minus":          "plus_minus",
	"shooting percentage": "shooting_pct",
}

// knownConcepts maps tactical/explanatory surface forms to canonical concept
// names used as knowledge-search topics. A concept entity is what pulls the
// knowledge retriever into a plan.
var knownConcepts = map[string]string{
	"zone entries":           "zone_entries",
	"zone entry":             "zone_entries",
	"forecheck":              "forecheck",
	"forechecking":           "forecheck",
	"breakout":               "breakout",
	"breakouts":              "breakout",
	"neutral zone":           "neutral_zone_play",
	"power play structure":   "powerplay_structure",
	"penalty kill structure": "penalty_kill_structure",
	"cycle game":             "offensive_cycle",
	"defensive coverage":     "defensive_coverage",
	"line matching":          "line_matching",
	"goaltending style":      "goaltending_style",
}

// timeframePatterns maps phrase fragments to canonical timeframe tags. The
// order matters: longer, more specific phrases are listed first so "last 10
// games" never matches as "last game".
var timeframePatterns = []struct {
	phrase string
	tag    string
}{
	{"last 10 games", "last_10_games"},
	{"last 5 games", "last_5_games"},
	{"last five games", "last_5_games"},
	{"last ten games", "last_10_games"},
	{"last game", "last_game"},
	{"this season", "current_season"},
	{"this month", "current_month"},
	{"career", "career"},
}

// defaultTimeframe is assumed when the query names none.
const defaultTimeframe = "current_season"

// categoryKeywords holds the weighted keyword evidence for each intent
// category. Scores accumulate per hit; the top-scoring category wins and the
// margin over the runner-up feeds the confidence model.
var categoryKeywords = map[string][]weightedKeyword{
	"comparison": {
		{"compare", 3}, {"versus", 3}, {"vs", 3}, {" or ", 1},
		{"better", 2}, {"worse", 2}, {"against", 1}, {"matchup", 2},
		{"head to head", 3},
	},
	"trend": {
		{"trend", 3}, {"over time", 3}, {"improving", 2}, {"declining", 2},
		{"progress", 2}, {"recently", 1}, {"streak", 2}, {"since", 1},
		{"getting better", 2}, {"getting worse", 2},
	},
	"prediction": {
		{"predict", 3}, {"will ", 2}, {"likely", 2}, {"expect", 2},
		{"projection", 3}, {"forecast", 3}, {"next game", 2}, {"chances", 2},
	},
	"visualization": {
		{"chart", 3}, {"plot", 3}, {"graph", 3}, {"visualize", 3},
		{"visualization", 3}, {"heatmap", 3}, {"show me a", 1},
	},
	"lookup": {
		{"what", 1}, {"how many", 2}, {"how much", 2}, {"current", 1},
		{"show", 1}, {"total", 1}, {"stats", 1}, {"how is", 1},
		{"explain", 2}, {"why", 2}, {"tell me", 1},
	},
}

type weightedKeyword struct {
	keyword string
	weight  int
}

// unresolvedOpponentRefs are pronouns that refer to an opposing team. If no
// prior turn pins down the opponent, the query is ambiguous.
var unresolvedOpponentRefs = []string{"against them", "versus them", "vs them", "play them", "do against them"}

// recentOpponents seeds clarification candidates when an opponent reference
// cannot be resolved from conversation history.
var recentOpponents = []string{"TOR", "BOS", "CAR"}
