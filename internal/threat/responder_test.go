package threat

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

func TestRespondBands(t *testing.T) {
	r := NewResponder(rand.New(rand.NewSource(7)))
	match := schema.PatternMatch{Pattern: PatternXSS, Confidence: 0.9}

	cases := []struct {
		combined   float64
		action     schema.Action
		confidence float64
	}{
		{0.95, schema.ActionBlock, 0.95},
		{0.8, schema.ActionBlock, 0.95},
		{0.7, schema.ActionHoneypot, 0.85},
		{0.45, schema.ActionSetTrap, 0.75},
		{0.25, schema.ActionMazeReconfigure, 0.65},
		{0.1, schema.ActionMonitor, 0.5},
	}
	for _, tc := range cases {
		resp := r.Respond(tc.combined, match, noon)
		assert.Equal(t, tc.action, resp.Action, "combined=%v", tc.combined)
		assert.Equal(t, tc.confidence, resp.Confidence)
		assert.NotEmpty(t, resp.Justification)
		if tc.action != schema.ActionMazeReconfigure {
			assert.Nil(t, resp.Maze)
		}
	}
}

func TestMazeConfigurationRanges(t *testing.T) {
	r := NewResponder(rand.New(rand.NewSource(99)))
	for i := 0; i < 100; i++ {
		resp := r.Respond(0.3, schema.PatternMatch{Pattern: PatternUnknown}, noon)
		require.NotNil(t, resp.Maze)
		assert.GreaterOrEqual(t, resp.Maze.LayerCount, 7)
		assert.LessOrEqual(t, resp.Maze.LayerCount, 9)
		assert.GreaterOrEqual(t, resp.Maze.ShiftInterval, 15*time.Second)
		assert.LessOrEqual(t, resp.Maze.ShiftInterval, 45*time.Second)
		assert.GreaterOrEqual(t, resp.Maze.Complexity, 8)
		assert.LessOrEqual(t, resp.Maze.Complexity, 10)
		assert.Equal(t, "adaptive", resp.Maze.Algorithm)
	}
}

func TestRecommendedActions(t *testing.T) {
	assert.Contains(t, recommendedActions(schema.LevelCritical), "block-source")
	assert.Contains(t, recommendedActions(schema.LevelHigh), "honeypot-redirect")
	assert.Contains(t, recommendedActions(schema.LevelMedium), "set-trap")
	assert.Equal(t, []string{"monitor", "log-activity"}, recommendedActions(schema.LevelLow))
}
