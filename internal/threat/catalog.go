package threat

import (
	"fmt"
	"sync"
	"time"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

const (
	initialPatternWeight     = 0.8
	initialPatternConfidence = 0.5
)

// Catalog is the table of known signatures and their learned state.
type Catalog struct {
	mu       sync.RWMutex
	order    []string
	profiles map[string]*schema.PatternProfile
}

// NewCatalog creates a catalog with one profile per known signature.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.Reset()
	return c
}

// Reset restores every profile to its startup state.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order = append([]string(nil), knownPatterns...)
	c.profiles = make(map[string]*schema.PatternProfile, len(knownPatterns))
	for _, name := range knownPatterns {
		c.profiles[name] = &schema.PatternProfile{
			Name:       name,
			Weight:     initialPatternWeight,
			Confidence: initialPatternConfidence,
			Evolution:  schema.EvolutionStable,
		}
	}
}

// Match runs every signature against ev and returns the single highest
// confidence match. Ties go to the earlier signature in catalog order.
func (c *Catalog) Match(ev schema.AttackEvent, h *History) schema.PatternMatch {
	c.mu.RLock()
	defer c.mu.RUnlock()

	best := schema.PatternMatch{
		Pattern:   PatternUnknown,
		Reasoning: "No pattern match",
		Evolution: schema.EvolutionStable,
	}
	for _, name := range c.order {
		conf := signatureConfidence(name, ev, h)
		if conf <= best.Confidence {
			continue
		}
		p := c.profiles[name]
		best = schema.PatternMatch{
			Pattern:    name,
			Confidence: conf,
			Reasoning:  fmt.Sprintf("Pattern %s detected with %.1f%% confidence. Evolution: %s", name, conf*100, p.Evolution),
			Evolution:  p.Evolution,
		}
	}
	return best
}

// Profile returns a copy of the named profile.
func (c *Catalog) Profile(name string) (schema.PatternProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.profiles[name]
	if !ok {
		return schema.PatternProfile{}, false
	}
	return *p, true
}

// Profiles returns copies of all profiles in catalog order.
func (c *Catalog) Profiles() []schema.PatternProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]schema.PatternProfile, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, *c.profiles[name])
	}
	return out
}

// Reinforce applies one learning step to a matched profile.
func (c *Catalog) Reinforce(name string, rate, confidence, successRate float64, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.profiles[name]
	if !ok {
		return false
	}
	p.Weight += rate * (1 - p.Weight)
	p.Occurrences++
	p.LastSeen = now
	p.Confidence = confidence
	p.SuccessRate = successRate
	switch {
	case successRate > 0.7:
		p.Evolution = schema.EvolutionIncreasing
	case successRate < 0.3:
		p.Evolution = schema.EvolutionDecreasing
	default:
		p.Evolution = schema.EvolutionStable
	}
	return true
}

// RescoreStale moves profiles not seen for staleAfter back toward their
// startup weight and marks them stable. It returns how many changed.
func (c *Catalog) RescoreStale(now time.Time, staleAfter time.Duration, rate float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := 0
	for _, p := range c.profiles {
		if p.LastSeen.IsZero() || now.Sub(p.LastSeen) < staleAfter {
			continue
		}
		if p.Evolution == schema.EvolutionStable && p.Weight == initialPatternWeight {
			continue
		}
		p.Weight += rate * (initialPatternWeight - p.Weight)
		p.Evolution = schema.EvolutionStable
		changed++
	}
	return changed
}
