package oneway

import (
	"context"
	"errors"
	"regexp"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

var baseSteps = []schema.Step{
	schema.StepAuthenticate,
	schema.StepDevice,
	schema.StepTimeWindow,
}

var allSteps = []schema.Step{
	schema.StepAuthenticate,
	schema.StepDevice,
	schema.StepTimeWindow,
	schema.StepBiometric,
	schema.StepHardwareKey,
	schema.StepSecurityQuestions,
	schema.StepTwoFactor,
	schema.StepSession,
}

func knownStep(s schema.Step) bool {
	for _, k := range allSteps {
		if k == s {
			return true
		}
	}
	return false
}

// exportableTypes are the data types an exit may request.
var exportableTypes = map[schema.DataType]bool{
	schema.DataPassword:   true,
	schema.DataNote:       true,
	schema.DataCreditCard: true,
	schema.DataAll:        true,
}

// requiredSteps returns the verification plan for dataType. Plans configured
// at runtime take precedence over the built-in ones.
func requiredSteps(cfg Config, dataType schema.DataType) []schema.Step {
	if plan, ok := cfg.StepPlans[dataType]; ok {
		return append([]schema.Step(nil), plan...)
	}
	steps := append([]schema.Step(nil), baseSteps...)
	switch dataType {
	case schema.DataPassword:
		steps = append(steps, schema.StepTwoFactor)
	case schema.DataNote:
		steps = append(steps, schema.StepBiometric)
	case schema.DataCreditCard:
		steps = append(steps, schema.StepHardwareKey, schema.StepTwoFactor)
	case schema.DataAll:
		steps = append(steps,
			schema.StepBiometric,
			schema.StepHardwareKey,
			schema.StepSecurityQuestions,
			schema.StepTwoFactor,
			schema.StepSession,
		)
	}
	return steps
}

// StepVerifier checks the evidence submitted for one verification step.
type StepVerifier interface {
	Verify(ctx context.Context, attempt schema.ExitAttempt, data map[string]string) error
}

// StepVerifierFunc adapts a function to StepVerifier.
type StepVerifierFunc func(ctx context.Context, attempt schema.ExitAttempt, data map[string]string) error

func (f StepVerifierFunc) Verify(ctx context.Context, attempt schema.ExitAttempt, data map[string]string) error {
	return f(ctx, attempt, data)
}

// Evidence keys read by the default verifiers.
const (
	EvidenceToken     = "token"
	EvidenceDeviceID  = "device_id"
	EvidenceBiometric = "biometric"
	EvidenceAssertion = "assertion"
	EvidenceAnswers   = "answers"
	EvidenceCode      = "code"
	EvidenceSessionID = "session_id"
)

var otpCode = regexp.MustCompile(`^\d{6}$`)

// requireEvidence passes when data carries a non-empty value for key.
func requireEvidence(key string) StepVerifier {
	return StepVerifierFunc(func(_ context.Context, _ schema.ExitAttempt, data map[string]string) error {
		if data[key] == "" {
			return errors.New("missing " + key)
		}
		return nil
	})
}

// defaultVerifiers stand in until real collaborators are plugged in. The
// caller's identity is established upstream, so authenticate always passes.
func defaultVerifiers() map[schema.Step]StepVerifier {
	return map[schema.Step]StepVerifier{
		schema.StepAuthenticate: StepVerifierFunc(func(context.Context, schema.ExitAttempt, map[string]string) error {
			return nil
		}),
		schema.StepDevice:            requireEvidence(EvidenceDeviceID),
		schema.StepBiometric:         requireEvidence(EvidenceBiometric),
		schema.StepHardwareKey:       requireEvidence(EvidenceAssertion),
		schema.StepSecurityQuestions: requireEvidence(EvidenceAnswers),
		schema.StepSession:           requireEvidence(EvidenceSessionID),
		schema.StepTwoFactor: StepVerifierFunc(func(_ context.Context, _ schema.ExitAttempt, data map[string]string) error {
			if !otpCode.MatchString(data[EvidenceCode]) {
				return errors.New("invalid one-time code")
			}
			return nil
		}),
	}
}

// standInSteps returns the verifier-backed steps missing from plugged. The
// time window is checked against the token ledger and never listed.
func standInSteps(plugged map[schema.Step]bool) []schema.Step {
	var out []schema.Step
	for _, s := range allSteps {
		if s != schema.StepTimeWindow && !plugged[s] {
			out = append(out, s)
		}
	}
	return out
}

// stepRequired reports whether step must pass its verifier. Optional steps
// pass unconditionally.
func stepRequired(cfg Config, step schema.Step) bool {
	switch step {
	case schema.StepBiometric:
		return cfg.BiometricRequired
	case schema.StepHardwareKey:
		return cfg.HardwareKeyRequired
	default:
		return true
	}
}
