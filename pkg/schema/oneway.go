package schema

import "time"

// EntrySource identifies where inbound data comes from. Its verification
// level grows with distance from the user.
type EntrySource string

const (
	SourceUserInput EntrySource = "user-input"
	SourceImport    EntrySource = "import"
	SourceSync      EntrySource = "sync"
	SourceAPI       EntrySource = "api"
)

// DataType is the kind of vault data an entry carries or an exit requests.
type DataType string

const (
	DataPassword   DataType = "password"
	DataNote       DataType = "note"
	DataCreditCard DataType = "credit-card"
	DataBulk       DataType = "bulk"
	DataAll        DataType = "all"
	DataUnknown    DataType = "unknown"
)

// EntryRecord is one line of a user's entry log.
type EntryRecord struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	Timestamp         time.Time   `json:"timestamp"`
	Source            EntrySource `json:"source"`
	DataType          DataType    `json:"data_type"`
	Size              int         `json:"size"`
	VerificationLevel int         `json:"verification_level"`
	Status            string      `json:"status"`
	Reason            string      `json:"reason,omitempty"`
}

// Admission is the result of an entry request.
type Admission struct {
	Allowed           bool     `json:"allowed"`
	EntryID           string   `json:"entry_id"`
	VerificationLevel int      `json:"verification_level"`
	DataType          DataType `json:"data_type"`
	Code              Code     `json:"code,omitempty"`
	Reason            string   `json:"reason,omitempty"`
}

// ExitStatus is the state of an exit attempt. Transitions only move forward.
type ExitStatus string

const (
	ExitPending   ExitStatus = "pending"
	ExitVerified  ExitStatus = "verified"
	ExitCompleted ExitStatus = "completed"
	ExitFailed    ExitStatus = "failed"
)

// Step is one discrete verification check required before an exit.
type Step string

const (
	StepAuthenticate      Step = "authenticate"
	StepDevice            Step = "device"
	StepTimeWindow        Step = "time-window"
	StepBiometric         Step = "biometric"
	StepHardwareKey       Step = "hardware-key"
	StepSecurityQuestions Step = "security-questions"
	StepTwoFactor         Step = "two-factor"
	StepSession           Step = "session"
)

// ExitAttempt tracks one request to remove data from the store.
type ExitAttempt struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Timestamp      time.Time  `json:"timestamp"`
	DataType       DataType   `json:"data_type"`
	DataID         string     `json:"data_id,omitempty"`
	Status         ExitStatus `json:"status"`
	RequiredSteps  []Step     `json:"required_steps"`
	CompletedSteps []Step     `json:"completed_steps"`
	TokenID        string     `json:"token_id"`
	StepFailures   int        `json:"step_failures"`
}

// InitiateResult is returned when an exit attempt is requested.
type InitiateResult struct {
	Allowed       bool      `json:"allowed"`
	ExitID        string    `json:"exit_id"`
	Token         string    `json:"token,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	RequiredSteps []Step    `json:"required_steps"`
	Code          Code      `json:"code,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// StepResult is returned for each submitted verification step.
type StepResult struct {
	Success           bool       `json:"success"`
	Status            ExitStatus `json:"status,omitempty"`
	NextStep          Step       `json:"next_step,omitempty"`
	AllStepsCompleted bool       `json:"all_steps_completed"`
	Code              Code       `json:"code,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

// ExportRecord is written only when an exit attempt completes.
type ExportRecord struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	ExitID            string    `json:"exit_id"`
	DataType          DataType  `json:"data_type"`
	DataID            string    `json:"data_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	VerificationLevel int       `json:"verification_level"`
	Method            string    `json:"method"`
}

// ExportPayload is the decrypted data handed out by a completed exit.
type ExportPayload struct {
	ExportID   string            `json:"export_id"`
	DataType   DataType          `json:"data_type"`
	Items      map[string]string `json:"items"`
	ExportedAt time.Time         `json:"exported_at"`
}

// ExecuteResult is returned by a final exit execution.
type ExecuteResult struct {
	Success bool           `json:"success"`
	Export  *ExportRecord  `json:"export,omitempty"`
	Payload *ExportPayload `json:"payload,omitempty"`
	Code    Code           `json:"code,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// Violation classes reported by the violation detector.
const (
	ViolationNone             = "none"
	ViolationUnauthorizedExit = "unauthorized_exit"
	ViolationExitRateLimit    = "exit_rate_limit"
)

// Violation is the outcome of checking an action against the exit rules.
type Violation struct {
	IsViolation bool     `json:"is_violation"`
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
}

// Statistics aggregates exit activity, optionally for a single user.
type Statistics struct {
	TotalExitAttempts int            `json:"total_exit_attempts"`
	SuccessfulExits   int            `json:"successful_exits"`
	FailedExits       int            `json:"failed_exits"`
	ActiveTokens      int            `json:"active_tokens"`
	RecentExports     []ExportRecord `json:"recent_exports"`
}

// Deposit is the result of storing an item through the entry gate.
type Deposit struct {
	Admission Admission `json:"admission"`
	DataType  DataType  `json:"data_type"`
	ItemID    string    `json:"item_id,omitempty"`
}
