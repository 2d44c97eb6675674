package threat

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// Combination weights for the four component scores.
const (
	weightThreat     = 0.4
	weightPattern    = 0.3
	weightAnomaly    = 0.2
	weightBehavioral = 0.1

	attributionConfidence = 0.7
)

// Config tunes a Classifier.
type Config struct {
	LearningRate        float64
	ConfidenceThreshold float64
	FeatureLearningRate float64
	AnomalyWindow       int
	AnomalyThreshold    float64
	HistoryWindow       time.Duration
	MaxHistory          int
	MaxSources          int
	KnownBadSources     []string
	Seed                int64
}

// DefaultConfig returns the stock classifier settings.
func DefaultConfig() Config {
	return Config{
		LearningRate:        0.1,
		ConfidenceThreshold: 0.7,
		FeatureLearningRate: 0.01,
		AnomalyWindow:       20,
		AnomalyThreshold:    2.5,
		HistoryWindow:       time.Hour,
		MaxHistory:          10000,
		MaxSources:          4096,
		KnownBadSources:     []string{"192.168.1.100", "10.0.0.50", "172.16.0.25"},
		Seed:                1,
	}
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// WithRand replaces the seeded random source used for maze layouts.
func WithRand(rng *rand.Rand) Option {
	return func(c *Classifier) { c.responder = NewResponder(rng) }
}

// Classifier scores AttackEvents and learns from every classification.
type Classifier struct {
	mu sync.Mutex

	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	history   *History
	catalog   *Catalog
	weights   *FeatureWeights
	extractor featureExtractor
	anomaly   *AnomalyDetector
	responder *Responder
	learner   *Learner

	scoreSum float64
	scored   int
}

// New creates a Classifier. A nil logger is replaced with a no-op logger.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		cfg:       cfg,
		logger:    logger.Named("threat"),
		now:       time.Now,
		history:   NewHistory(cfg.HistoryWindow, cfg.MaxHistory, cfg.MaxSources),
		catalog:   NewCatalog(),
		weights:   newFeatureWeights(),
		extractor: newFeatureExtractor(cfg.KnownBadSources),
		anomaly:   NewAnomalyDetector(cfg.AnomalyWindow, cfg.AnomalyThreshold),
		responder: NewResponder(rand.New(rand.NewSource(cfg.Seed))),
	}
	c.learner = newLearner(cfg, c.catalog, c.weights, c.history)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify scores ev, picks a response, records the event and runs one
// learning step. Calls are serialized.
func (c *Classifier) Classify(ctx context.Context, ev schema.AttackEvent) schema.ThreatAssessment {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	// Caller-supplied timestamps may not run ahead of the clock.
	if ev.Timestamp.IsZero() || ev.Timestamp.After(now) {
		ev.Timestamp = now
	}

	behavioral := behavioralScore(ev, c.history)
	features := c.extractor.extract(ev, c.history, behavioral)
	threatScore := c.weights.Score(features)
	match := c.catalog.Match(ev, c.history)
	anomaly := c.anomaly.Detect(threatScore)

	combined := clamp01(weightThreat*threatScore +
		weightPattern*match.Confidence +
		weightAnomaly*anomaly +
		weightBehavioral*behavioral)
	level := schema.LevelFor(combined)
	score := math.Max(0, math.Min(100, combined*100))

	response := c.responder.Respond(combined, match, now)

	attackType := c.attribute(ev, match)
	c.history.Add(ev, attackType, now)
	c.learner.learn(attackType, match.Pattern, match.Confidence, combined, features, now)

	c.scoreSum += score
	c.scored++

	assessment := schema.ThreatAssessment{
		EventID:            ev.ID,
		Level:              level,
		Score:              score,
		Confidence:         match.Confidence,
		Pattern:            match,
		AnomalyScore:       anomaly,
		BehavioralScore:    behavioral,
		Reasoning:          reasoning(score, match, anomaly, features[FeatureSourceReputation], behavioral),
		RecommendedActions: recommendedActions(level),
		Response:           response,
		Timestamp:          now,
	}

	c.logger.Debug("event classified",
		zap.String("event_id", ev.ID),
		zap.String("source", ev.SourceAddress),
		zap.String("pattern", match.Pattern),
		zap.String("level", string(level)),
		zap.Float64("score", score),
		zap.String("action", string(response.Action)),
	)
	return assessment
}

// attribute names the attack type recorded in history: the caller's hint when
// present, otherwise a confident pattern match.
func (c *Classifier) attribute(ev schema.AttackEvent, match schema.PatternMatch) string {
	if ev.AttackTypeHint != "" {
		return NormalizePattern(ev.AttackTypeHint)
	}
	if match.Confidence >= attributionConfidence {
		return match.Pattern
	}
	return PatternUnknown
}

func reasoning(score float64, match schema.PatternMatch, anomaly, reputation, behavioral float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Threat analysis (score %.1f/100):\n", score)
	fmt.Fprintf(&b, "- Pattern: %s (%.1f%% confidence)\n", match.Pattern, match.Confidence*100)
	fmt.Fprintf(&b, "- Anomaly score: %.1f%%\n", anomaly*100)
	fmt.Fprintf(&b, "- Source reputation: %.1f%%\n", reputation*100)
	fmt.Fprintf(&b, "- Behavioral score: %.1f%%", behavioral*100)
	return b.String()
}

// Intelligence returns a snapshot of the learning state.
func (c *Classifier) Intelligence() schema.Intelligence {
	c.mu.Lock()
	defer c.mu.Unlock()

	levels, iterations, rate, threshold := c.learner.snapshot()
	var avg float64
	if c.scored > 0 {
		avg = c.scoreSum / float64(c.scored)
	}
	return schema.Intelligence{
		Patterns:           c.catalog.Profiles(),
		FeatureWeights:     c.weights.Snapshot(),
		ThreatLevels:       levels,
		LearningIterations: iterations,
		TotalEvents:        c.history.Len(),
		AverageScore:       avg,
		LearningRate:       rate,
		ConfidenceThresh:   threshold,
	}
}

// Reset discards everything learned and every recorded event.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.catalog.Reset()
	c.weights.reset()
	c.history.Reset()
	c.anomaly.Reset()
	c.learner.reset()
	c.scoreSum, c.scored = 0, 0
	c.logger.Info("threat intelligence reset")
}

// Catalog exposes the pattern catalog.
func (c *Classifier) Catalog() *Catalog { return c.catalog }

// RescoreStale drifts patterns unseen for staleAfter back toward their
// initial weight.
func (c *Classifier) RescoreStale(staleAfter time.Duration) int {
	n := c.catalog.RescoreStale(c.now(), staleAfter, c.learner.Rate())
	if n > 0 {
		c.logger.Debug("stale patterns rescored", zap.Int("count", n))
	}
	return n
}

// SetLearningRate updates the pattern learning rate, clamped to its bounds.
func (c *Classifier) SetLearningRate(rate float64) float64 {
	return c.learner.SetLearningRate(rate)
}

// SetConfidenceThreshold updates the learning threshold, clamped to its bounds.
func (c *Classifier) SetConfidenceThreshold(threshold float64) float64 {
	return c.learner.SetConfidenceThreshold(threshold)
}
