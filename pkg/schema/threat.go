package schema

import "time"

// AttackEvent is an immutable record of one inbound event.
type AttackEvent struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	SourceAddress  string    `json:"source_address"`
	UserAgent      string    `json:"user_agent"`
	AttackTypeHint string    `json:"attack_type_hint,omitempty"`
	Payload        string    `json:"payload,omitempty"`
	Target         string    `json:"target,omitempty"`
	Blocked        bool      `json:"blocked"`
}

// ThreatLevel is the discrete classification of a combined score.
type ThreatLevel string

const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

// LevelFor maps a combined score in [0,1] to its level.
func LevelFor(combined float64) ThreatLevel {
	switch {
	case combined >= 0.8:
		return LevelCritical
	case combined >= 0.6:
		return LevelHigh
	case combined >= 0.4:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Evolution is the learned trend of a signature.
type Evolution string

const (
	EvolutionIncreasing Evolution = "increasing"
	EvolutionDecreasing Evolution = "decreasing"
	EvolutionStable     Evolution = "stable"
)

// PatternProfile is the learned state of one known signature.
type PatternProfile struct {
	Name        string    `json:"name"`
	Weight      float64   `json:"weight"`
	Confidence  float64   `json:"confidence"`
	Occurrences int       `json:"occurrences"`
	SuccessRate float64   `json:"success_rate"`
	LastSeen    time.Time `json:"last_seen"`
	Evolution   Evolution `json:"evolution"`
}

// PatternMatch is the best signature found for an event.
type PatternMatch struct {
	Pattern    string    `json:"pattern"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Evolution  Evolution `json:"evolution"`
}

// Action is the adaptive response chosen for an event.
type Action string

const (
	ActionBlock           Action = "block"
	ActionHoneypot        Action = "honeypot-redirect"
	ActionSetTrap         Action = "set-trap"
	ActionMazeReconfigure Action = "maze-reconfigure"
	ActionMonitor         Action = "monitor-and-redirect"
)

// MazeConfiguration is a layout change requested from the deception layer.
type MazeConfiguration struct {
	LayerCount    int           `json:"layer_count"`
	ShiftInterval time.Duration `json:"shift_interval"`
	Complexity    int           `json:"complexity"`
	Algorithm     string        `json:"algorithm"`
	RequestedAt   time.Time     `json:"requested_at"`
}

// Response is the responder's decision for one event.
type Response struct {
	Action        Action             `json:"action"`
	Confidence    float64            `json:"confidence"`
	Justification string             `json:"justification"`
	Maze          *MazeConfiguration `json:"maze,omitempty"`
}

// ThreatAssessment is emitted once per AttackEvent and never mutated.
type ThreatAssessment struct {
	EventID            string       `json:"event_id"`
	Level              ThreatLevel  `json:"level"`
	Score              float64      `json:"score"`
	Confidence         float64      `json:"confidence"`
	Pattern            PatternMatch `json:"pattern"`
	AnomalyScore       float64      `json:"anomaly_score"`
	BehavioralScore    float64      `json:"behavioral_score"`
	Reasoning          string       `json:"reasoning"`
	RecommendedActions []string     `json:"recommended_actions"`
	Response           Response     `json:"response"`
	Timestamp          time.Time    `json:"timestamp"`
}

// Intelligence is a read-only snapshot of the learning state.
type Intelligence struct {
	Patterns           []PatternProfile   `json:"patterns"`
	FeatureWeights     map[string]float64 `json:"feature_weights"`
	ThreatLevels       map[string]float64 `json:"threat_levels"`
	LearningIterations int                `json:"learning_iterations"`
	TotalEvents        int                `json:"total_events"`
	AverageScore       float64            `json:"average_score"`
	LearningRate       float64            `json:"learning_rate"`
	ConfidenceThresh   float64            `json:"confidence_threshold"`
}
