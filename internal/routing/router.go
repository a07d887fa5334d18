// Package routing scores configured backend tiers against query features and
// system load and picks one deterministically.
package routing

import (
	"sync"
	"time"

	"github.com/nathanrice/mimir/internal/feature"
)

// Scoring weights and the load cutoff. These are inherited heuristics kept
// as named constants; see DESIGN.md.
const (
	// ComplexityBonus is added when the query meets a tier's minimum
	// complexity.
	ComplexityBonus = 1
	// AnomalyBonus is added when the anomaly score reaches a tier's
	// threshold.
	AnomalyBonus = 2
	// LoadPenalty is subtracted from resource-hungry tiers under load.
	LoadPenalty = 3
	// LoadCutoff is the resource_intensity × load product above which the
	// penalty applies.
	LoadCutoff = 0.8
)

// Tier is one backend class. The set is fixed at startup; declaration order
// is significant because it breaks scoring ties.
type Tier struct {
	Name              string
	Backend           string
	MinComplexity     int
	AnomalyThreshold  float64
	ResourceIntensity int
}

// Decision is the output of one routing call.
type Decision struct {
	Tier      string         `json:"tier"`
	Backend   string         `json:"backend"`
	Scores    map[string]int `json:"scores"`
	Timestamp time.Time      `json:"timestamp"`
}

// Stats summarizes the routing history for introspection.
type Stats struct {
	TotalDecisions   int                `json:"total_decisions"`
	TierDistribution map[string]float64 `json:"tier_distribution"`
	LastDecision     time.Time          `json:"last_decision,omitempty"`
}

// Router selects a tier per request and records every decision. Safe for
// concurrent use.
type Router struct {
	tiers       []Tier
	defaultTier Tier

	mu      sync.Mutex
	history []Decision
}

// New creates a router over tiers in their declared order. defaultTier is
// used only when no tiers are configured; validation that at least one of
// the two exists happens at config load, not here.
func New(tiers []Tier, defaultTier Tier) *Router {
	return &Router{tiers: tiers, defaultTier: defaultTier}
}

// Select scores every tier and returns the winner. load is optional; pass
// nil when no system-load estimate is available. The result is a pure
// function of the inputs and the configured tier order: the highest score
// wins and ties go to the tier declared first.
func (r *Router) Select(f feature.Features, load *float64) Decision {
	d := Decision{
		Scores:    make(map[string]int, len(r.tiers)),
		Timestamp: time.Now(),
	}

	if len(r.tiers) == 0 {
		d.Tier = r.defaultTier.Name
		d.Backend = r.defaultTier.Backend
		r.record(d)
		return d
	}

	best := 0
	for i, tier := range r.tiers {
		score := 0
		if f.WordCount >= tier.MinComplexity {
			score += ComplexityBonus
		}
		if f.AnomalyScore >= tier.AnomalyThreshold {
			score += AnomalyBonus
		}
		if load != nil && float64(tier.ResourceIntensity)**load > LoadCutoff {
			score -= LoadPenalty
		}
		d.Scores[tier.Name] = score
		if score > d.Scores[r.tiers[best].Name] {
			best = i
		}
	}
	d.Tier = r.tiers[best].Name
	d.Backend = r.tiers[best].Backend
	r.record(d)
	return d
}

func (r *Router) record(d Decision) {
	r.mu.Lock()
	r.history = append(r.history, d)
	r.mu.Unlock()
}

// History returns a copy of all recorded decisions. The history is unbounded
// by design; callers needing a bound must apply it themselves.
func (r *Router) History() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.history))
	copy(out, r.history)
	return out
}

// Stats computes the per-tier selection distribution.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		TotalDecisions:   len(r.history),
		TierDistribution: make(map[string]float64),
	}
	if len(r.history) == 0 {
		return s
	}
	counts := make(map[string]int)
	for _, d := range r.history {
		counts[d.Tier]++
	}
	for tier, n := range counts {
		s.TierDistribution[tier] = float64(n) / float64(len(r.history))
	}
	s.LastDecision = r.history[len(r.history)-1].Timestamp
	return s
}
