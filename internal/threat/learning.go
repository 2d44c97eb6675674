package threat

import (
	"math"
	"sync"
	"time"
)

// Bounds for the runtime-tunable learning parameters.
const (
	MinLearningRate        = 0.01
	MaxLearningRate        = 0.5
	MinConfidenceThreshold = 0.1
	MaxConfidenceThreshold = 0.9

	successWindow        = 10
	initialThreatLevel   = 5.0
	threatLevelVariation = 5
)

// Learner updates pattern profiles and feature weights after every
// classification.
type Learner struct {
	mu           sync.Mutex
	rate         float64
	threshold    float64
	featureRate  float64
	iterations   int
	threatLevels map[string]float64

	catalog *Catalog
	weights *FeatureWeights
	history *History
}

func newLearner(cfg Config, catalog *Catalog, weights *FeatureWeights, history *History) *Learner {
	l := &Learner{
		rate:        clampRange(cfg.LearningRate, MinLearningRate, MaxLearningRate),
		threshold:   clampRange(cfg.ConfidenceThreshold, MinConfidenceThreshold, MaxConfidenceThreshold),
		featureRate: cfg.FeatureLearningRate,
		catalog:     catalog,
		weights:     weights,
		history:     history,
	}
	l.resetLevels()
	return l
}

func (l *Learner) resetLevels() {
	l.threatLevels = make(map[string]float64, len(knownPatterns))
	for i, name := range knownPatterns {
		l.threatLevels[name] = initialThreatLevel + float64(i%threatLevelVariation)
	}
	l.iterations = 0
}

// learn applies one learning step. The event being learned from must already
// be in the history.
func (l *Learner) learn(attackType, pattern string, confidence, combined float64, features FeatureVector, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.iterations++

	if confidence > l.threshold {
		l.catalog.Reinforce(pattern, l.rate, confidence, l.successRate(), now)
	}

	level, ok := l.threatLevels[attackType]
	if !ok {
		level = initialThreatLevel
	}
	l.threatLevels[attackType] = level + l.rate*(combined-level)

	l.weights.Adjust(features, combined, l.featureRate)
}

// successRate is the blocked share of the last ten recorded events.
func (l *Learner) successRate() float64 {
	recent := l.history.Last(successWindow)
	if len(recent) == 0 {
		return 0
	}
	blocked := 0
	for _, ev := range recent {
		if ev.Blocked {
			blocked++
		}
	}
	return float64(blocked) / float64(len(recent))
}

// SetLearningRate clamps rate into [0.01, 0.5].
func (l *Learner) SetLearningRate(rate float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = clampRange(rate, MinLearningRate, MaxLearningRate)
	return l.rate
}

// SetConfidenceThreshold clamps threshold into [0.1, 0.9].
func (l *Learner) SetConfidenceThreshold(threshold float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threshold = clampRange(threshold, MinConfidenceThreshold, MaxConfidenceThreshold)
	return l.threshold
}

// Rate returns the current pattern learning rate.
func (l *Learner) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

func (l *Learner) snapshot() (levels map[string]float64, iterations int, rate, threshold float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	levels = make(map[string]float64, len(l.threatLevels))
	for k, v := range l.threatLevels {
		levels[k] = v
	}
	return levels, l.iterations, l.rate, l.threshold
}

func (l *Learner) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLevels()
}

func clampRange(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
