// Package schema defines the data structures shared by the Agies Guard engine,
// its HTTP/TCP surfaces and the SDK.
package schema

import "time"

// Severity grades a SecurityEvent for the audit log.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Security event types emitted by the engine.
const (
	EventExitViolation    = "exit_violation"
	EventDataExport       = "data_export"
	EventUnauthorizedExit = "unauthorized_exit"
	EventExitRateLimit    = "exit_rate_limit"
	EventThreatCritical   = "threat_critical"
	EventAttemptFailed    = "exit_attempt_failed"
	EventKeyRotationDue   = "key_rotation_due"
)

// SecurityEvent is an append-only audit entry.
type SecurityEvent struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Type          string         `json:"type"`
	Severity      Severity       `json:"severity"`
	Description   string         `json:"description"`
	UserID        string         `json:"user_id,omitempty"`
	SourceAddress string         `json:"source_address,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
