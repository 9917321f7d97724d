// Package retrieval implements the six query modes over a knowledge base:
// vector search, graph traversal, and their combinations, plus context
// assembly under token budgets and answer generation.
package retrieval

import (
	"time"

	apperrors "ragserve/internal/errors"
)

// Mode names one retrieval strategy.
type Mode string

const (
	ModeNaive  Mode = "naive"
	ModeLocal  Mode = "local"
	ModeGlobal Mode = "global"
	ModeHybrid Mode = "hybrid"
	ModeMix    Mode = "mix"
	ModeBypass Mode = "bypass"
)

// DefaultMode is applied when a request leaves the mode blank.
const DefaultMode = ModeHybrid

// ParseMode validates a wire-level mode string. Blank selects the default.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return DefaultMode, nil
	}
	switch Mode(s) {
	case ModeNaive, ModeLocal, ModeGlobal, ModeHybrid, ModeMix, ModeBypass:
		return Mode(s), nil
	}
	return "", apperrors.BadInput("unknown query mode %q; expected one of naive, local, global, hybrid, mix, bypass", s)
}

// PerformanceMode trades answer quality against latency.
type PerformanceMode string

const (
	PerfFast     PerformanceMode = "fast"
	PerfBalanced PerformanceMode = "balanced"
	PerfQuality  PerformanceMode = "quality"
)

// ParsePerformanceMode validates a wire-level performance mode. Blank
// selects balanced.
func ParsePerformanceMode(s string) (PerformanceMode, error) {
	if s == "" {
		return PerfBalanced, nil
	}
	switch PerformanceMode(s) {
	case PerfFast, PerfBalanced, PerfQuality:
		return PerformanceMode(s), nil
	}
	return "", apperrors.BadInput("unknown performance mode %q; expected fast, balanced, or quality", s)
}

// Tuning is the knob set one mode runs with.
type Tuning struct {
	TopK              int           `json:"top_k"`
	MaxEntityTokens   int           `json:"max_entity_tokens"`
	MaxRelationTokens int           `json:"max_relation_tokens"`
	EnableRerank      bool          `json:"enable_rerank"`
	Timeout           time.Duration `json:"-"`
}

// baseTuning is the balanced profile per mode.
var baseTuning = map[Mode]Tuning{
	ModeLocal:  {TopK: 10, MaxEntityTokens: 2000, MaxRelationTokens: 1000, EnableRerank: true, Timeout: 30 * time.Second},
	ModeGlobal: {TopK: 15, MaxEntityTokens: 3000, MaxRelationTokens: 2000, EnableRerank: true, Timeout: 45 * time.Second},
	ModeHybrid: {TopK: 20, MaxEntityTokens: 4000, MaxRelationTokens: 3000, EnableRerank: true, Timeout: 60 * time.Second},
	ModeNaive:  {TopK: 5, MaxEntityTokens: 1000, MaxRelationTokens: 500, EnableRerank: false, Timeout: 15 * time.Second},
	ModeMix:    {TopK: 25, MaxEntityTokens: 5000, MaxRelationTokens: 4000, EnableRerank: true, Timeout: 90 * time.Second},
	ModeBypass: {TopK: 1, MaxEntityTokens: 100, MaxRelationTokens: 50, EnableRerank: false, Timeout: 5 * time.Second},
}

// TuningFor returns the knobs for a mode under a performance profile.
func TuningFor(mode Mode, perf PerformanceMode) (Tuning, error) {
	base, ok := baseTuning[mode]
	if !ok {
		return Tuning{}, apperrors.BadInput("unknown query mode %q", string(mode))
	}
	switch perf {
	case "", PerfBalanced:
		return base, nil
	case PerfFast:
		t := base
		t.TopK = base.TopK / 2
		if t.TopK < 5 {
			t.TopK = 5
		}
		t.MaxEntityTokens = base.MaxEntityTokens / 2
		t.MaxRelationTokens = base.MaxRelationTokens / 2
		t.EnableRerank = false
		t.Timeout = base.Timeout / 2
		return t, nil
	case PerfQuality:
		t := base
		t.TopK = base.TopK * 2
		if t.TopK > 50 {
			t.TopK = 50
		}
		t.MaxEntityTokens = base.MaxEntityTokens * 2
		t.MaxRelationTokens = base.MaxRelationTokens * 2
		t.EnableRerank = true
		t.Timeout = base.Timeout * 2
		return t, nil
	}
	return Tuning{}, apperrors.BadInput("unknown performance mode %q", string(perf))
}

// ModeInfo describes one mode for the modes route.
type ModeInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	UsesVector  bool   `json:"uses_vector"`
	UsesGraph   bool   `json:"uses_graph"`
}

// Modes lists every mode in display order.
func Modes() []ModeInfo {
	return []ModeInfo{
		{Name: string(ModeNaive), Description: "Plain top-k vector search over chunks", UsesVector: true, UsesGraph: false},
		{Name: string(ModeLocal), Description: "Vector hits expanded by one-hop graph neighbors", UsesVector: true, UsesGraph: true},
		{Name: string(ModeGlobal), Description: "Entity and relation traversal over the knowledge graph", UsesVector: false, UsesGraph: true},
		{Name: string(ModeHybrid), Description: "Local and global results merged and re-ranked", UsesVector: true, UsesGraph: true},
		{Name: string(ModeMix), Description: "Keyword planning step followed by combined retrieval", UsesVector: true, UsesGraph: true},
		{Name: string(ModeBypass), Description: "Echoes the query without retrieval or generation, for debugging", UsesVector: false, UsesGraph: false},
	}
}
