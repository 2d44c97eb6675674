package threat

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

var noon = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestClassifier(t *testing.T) (*Classifier, *time.Time) {
	t.Helper()
	now := noon
	c := New(DefaultConfig(), zaptest.NewLogger(t),
		WithClock(func() time.Time { return now }),
		WithRand(rand.New(rand.NewSource(42))),
	)
	return c, &now
}

func TestClassifyScoreBoundsAndLevel(t *testing.T) {
	c, now := newTestClassifier(t)
	payloads := []string{"", "hello", "' OR 1=1 --", "<script>alert(1)</script>", string(make([]byte, 4000))}
	for i := 0; i < 50; i++ {
		*now = noon.Add(time.Duration(i) * time.Second)
		a := c.Classify(context.Background(), schema.AttackEvent{
			SourceAddress: fmt.Sprintf("203.0.113.%d", i%7),
			UserAgent:     "Mozilla/5.0 (X11; Linux x86_64)",
			Payload:       payloads[i%len(payloads)],
		})
		assert.GreaterOrEqual(t, a.Score, 0.0)
		assert.LessOrEqual(t, a.Score, 100.0)
		assert.Equal(t, schema.LevelFor(a.Score/100), a.Level)
		assert.NotEmpty(t, a.EventID)
		assert.NotEmpty(t, a.RecommendedActions)
	}
}

func TestLevelThresholds(t *testing.T) {
	cases := []struct {
		combined float64
		want     schema.ThreatLevel
	}{
		{0, schema.LevelLow},
		{0.39, schema.LevelLow},
		{0.4, schema.LevelMedium},
		{0.6, schema.LevelHigh},
		{0.79, schema.LevelHigh},
		{0.8, schema.LevelCritical},
		{1, schema.LevelCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, schema.LevelFor(tc.combined), "combined=%v", tc.combined)
	}
}

func TestClassifySQLInjection(t *testing.T) {
	c, _ := newTestClassifier(t)

	a := c.Classify(context.Background(), schema.AttackEvent{
		Timestamp:     noon,
		SourceAddress: "192.168.1.100",
		UserAgent:     "sqlmap/1.7",
		Payload:       "' OR 1=1 --",
	})

	assert.Equal(t, PatternSQLInjection, a.Pattern.Pattern)
	assert.GreaterOrEqual(t, a.Pattern.Confidence, 0.8)
	assert.Contains(t, []schema.ThreatLevel{schema.LevelMedium, schema.LevelHigh, schema.LevelCritical}, a.Level)
	assert.Contains(t, a.Reasoning, "sql-injection")
	assert.Zero(t, a.AnomalyScore)
}

func TestRepeatedBlockedEventsIncreaseEvolution(t *testing.T) {
	c, now := newTestClassifier(t)

	for i := 0; i < 10; i++ {
		*now = noon.Add(time.Duration(i) * time.Minute)
		c.Classify(context.Background(), schema.AttackEvent{
			Timestamp:     *now,
			SourceAddress: "198.51.100.7",
			UserAgent:     "Mozilla/5.0 (Windows NT 10.0)",
			Payload:       "1 UNION SELECT password FROM users --",
			Blocked:       true,
		})
	}

	p, ok := c.Catalog().Profile(PatternSQLInjection)
	require.True(t, ok)
	assert.Equal(t, schema.EvolutionIncreasing, p.Evolution)
	assert.Greater(t, p.SuccessRate, 0.7)
	assert.Equal(t, 10, p.Occurrences)
	assert.Greater(t, p.Weight, initialPatternWeight)
	assert.Equal(t, *now, p.LastSeen)
}

func TestBruteForceDetectedFromHints(t *testing.T) {
	c, now := newTestClassifier(t)
	var last schema.ThreatAssessment
	for i := 0; i < 7; i++ {
		*now = noon.Add(time.Duration(i) * time.Second)
		last = c.Classify(context.Background(), schema.AttackEvent{
			Timestamp:      *now,
			SourceAddress:  "198.51.100.9",
			UserAgent:      "Mozilla/5.0 (Macintosh)",
			AttackTypeHint: "BRUTE_FORCE",
			Target:         "/login",
		})
	}
	assert.Equal(t, PatternBruteForce, last.Pattern.Pattern)
	assert.Equal(t, 0.8, last.Pattern.Confidence)
}

func TestFutureDatedEventKeepsHistory(t *testing.T) {
	c, now := newTestClassifier(t)
	for i := 0; i < 7; i++ {
		*now = noon.Add(time.Duration(i) * time.Second)
		c.Classify(context.Background(), schema.AttackEvent{
			Timestamp:      *now,
			SourceAddress:  "198.51.100.9",
			AttackTypeHint: "brute_force",
		})
	}
	require.Equal(t, 7, c.Intelligence().TotalEvents)

	c.Classify(context.Background(), schema.AttackEvent{
		Timestamp:     now.Add(48 * time.Hour),
		SourceAddress: "203.0.113.77",
		Payload:       "hello",
	})
	assert.Equal(t, 8, c.Intelligence().TotalEvents)

	*now = now.Add(time.Second)
	a := c.Classify(context.Background(), schema.AttackEvent{
		Timestamp:      *now,
		SourceAddress:  "198.51.100.9",
		AttackTypeHint: "brute_force",
	})
	assert.Equal(t, PatternBruteForce, a.Pattern.Pattern)
}

func TestIntelligenceAndReset(t *testing.T) {
	c, _ := newTestClassifier(t)
	c.Classify(context.Background(), schema.AttackEvent{SourceAddress: "203.0.113.1", Payload: "<script>x</script>"})
	c.Classify(context.Background(), schema.AttackEvent{SourceAddress: "203.0.113.1", Payload: "hello"})

	intel := c.Intelligence()
	assert.Equal(t, 2, intel.LearningIterations)
	assert.Equal(t, 2, intel.TotalEvents)
	assert.Len(t, intel.Patterns, len(knownPatterns))
	assert.Len(t, intel.FeatureWeights, numFeatures)
	assert.Greater(t, intel.AverageScore, 0.0)
	assert.Contains(t, intel.ThreatLevels, PatternSQLInjection)

	c.Reset()
	intel = c.Intelligence()
	assert.Zero(t, intel.LearningIterations)
	assert.Zero(t, intel.TotalEvents)
	assert.Zero(t, intel.AverageScore)
	for _, w := range intel.FeatureWeights {
		assert.Equal(t, initialFeatureWeight, w)
	}
}

func TestTunablesAreClamped(t *testing.T) {
	c, _ := newTestClassifier(t)
	assert.Equal(t, MaxLearningRate, c.SetLearningRate(2))
	assert.Equal(t, MinLearningRate, c.SetLearningRate(0))
	assert.Equal(t, MaxConfidenceThreshold, c.SetConfidenceThreshold(1))
	assert.Equal(t, MinConfidenceThreshold, c.SetConfidenceThreshold(-1))
	assert.Equal(t, 0.3, c.SetConfidenceThreshold(0.3))
}

func TestRescoreStale(t *testing.T) {
	c, now := newTestClassifier(t)
	c.Classify(context.Background(), schema.AttackEvent{Timestamp: noon, SourceAddress: "203.0.113.5", Payload: "DROP TABLE users"})

	p, _ := c.Catalog().Profile(PatternSQLInjection)
	require.Greater(t, p.Weight, initialPatternWeight)

	*now = noon.Add(30 * time.Minute)
	assert.Zero(t, c.RescoreStale(time.Hour))

	*now = noon.Add(2 * time.Hour)
	assert.Equal(t, 1, c.RescoreStale(time.Hour))
	after, _ := c.Catalog().Profile(PatternSQLInjection)
	assert.Less(t, after.Weight, p.Weight)
	assert.Equal(t, schema.EvolutionStable, after.Evolution)
}
