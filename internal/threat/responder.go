package threat

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// Responder maps a combined score and pattern match to an adaptive action.
type Responder struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewResponder creates a responder drawing maze layouts from rng.
func NewResponder(rng *rand.Rand) *Responder {
	return &Responder{rng: rng}
}

// Respond picks the action band for combined.
func (r *Responder) Respond(combined float64, match schema.PatternMatch, now time.Time) schema.Response {
	pct := combined * 100
	switch {
	case combined >= 0.8:
		return schema.Response{
			Action:        schema.ActionBlock,
			Confidence:    0.95,
			Justification: fmt.Sprintf("Critical threat detected (%.1f%%, pattern %s) - immediate block", pct, match.Pattern),
		}
	case combined >= 0.6:
		return schema.Response{
			Action:        schema.ActionHoneypot,
			Confidence:    0.85,
			Justification: fmt.Sprintf("High threat detected (%.1f%%, pattern %s) - redirecting to honeypot", pct, match.Pattern),
		}
	case combined >= 0.4:
		return schema.Response{
			Action:        schema.ActionSetTrap,
			Confidence:    0.75,
			Justification: fmt.Sprintf("Medium threat detected (%.1f%%, pattern %s) - setting trap", pct, match.Pattern),
		}
	case combined >= 0.2:
		return schema.Response{
			Action:        schema.ActionMazeReconfigure,
			Confidence:    0.65,
			Justification: fmt.Sprintf("Low-medium threat (%.1f%%, pattern %s) - shifting maze configuration", pct, match.Pattern),
			Maze:          r.newMaze(now),
		}
	default:
		return schema.Response{
			Action:        schema.ActionMonitor,
			Confidence:    0.5,
			Justification: fmt.Sprintf("Low threat (%.1f%%) - monitoring and redirecting", pct),
		}
	}
}

// newMaze draws 7-9 layers, a 15-45s shift interval and complexity 8-10.
func (r *Responder) newMaze(now time.Time) *schema.MazeConfiguration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &schema.MazeConfiguration{
		LayerCount:    7 + r.rng.Intn(3),
		ShiftInterval: 15*time.Second + time.Duration(r.rng.Int63n(int64(30*time.Second))),
		Complexity:    8 + r.rng.Intn(3),
		Algorithm:     "adaptive",
		RequestedAt:   now,
	}
}

// recommendedActions lists follow-up actions for a level.
func recommendedActions(level schema.ThreatLevel) []string {
	switch level {
	case schema.LevelCritical:
		return []string{"block-source", "alert-admin", "shift-maze", "create-decoy", "activate-all-traps", "isolate-user", "backup-logs"}
	case schema.LevelHigh:
		return []string{"honeypot-redirect", "increase-monitoring", "shift-maze", "create-decoy", "activate-traps", "rate-limit"}
	case schema.LevelMedium:
		return []string{"set-trap", "monitor-closely", "log-detailed", "rate-limit", "challenge-user"}
	default:
		return []string{"monitor", "log-activity"}
	}
}
