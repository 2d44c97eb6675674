package oneway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// VerificationToken authorizes exactly one exit execution before ExpiresAt.
type VerificationToken struct {
	ID        string
	Secret    string
	UserID    string
	ExitID    string
	ExpiresAt time.Time
	Used      bool
}

func (t *VerificationToken) live(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// TokenLedger owns every issued token. Consumption is a check-and-set under
// the ledger lock, so a sweep and an execution can never both win.
type TokenLedger struct {
	mu     sync.Mutex
	tokens map[string]*VerificationToken
	now    func() time.Time
}

// NewTokenLedger creates an empty ledger.
func NewTokenLedger(now func() time.Time) *TokenLedger {
	if now == nil {
		now = time.Now
	}
	return &TokenLedger{
		tokens: make(map[string]*VerificationToken),
		now:    now,
	}
}

// Issue creates a token for exitID valid for ttl.
func (l *TokenLedger) Issue(userID, exitID string, ttl time.Duration) (VerificationToken, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return VerificationToken{}, fmt.Errorf("generate token secret: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t := &VerificationToken{
		ID:        uuid.NewString(),
		Secret:    hex.EncodeToString(secret),
		UserID:    userID,
		ExitID:    exitID,
		ExpiresAt: l.now().Add(ttl),
	}
	l.tokens[t.ID] = t
	return *t, nil
}

// Live reports whether the token exists, is unused and has not expired.
func (l *TokenLedger) Live(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[id]
	return ok && t.live(l.now())
}

// Check verifies that the token is live and that secret matches it.
func (l *TokenLedger) Check(id, secret string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tokens[id]
	if !ok || !t.live(l.now()) {
		return schema.NewError(schema.CodeTokenExpiredOrUsed, "verification token expired or used")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(t.Secret)) != 1 {
		return schema.NewError(schema.CodeVerificationFailed, "verification token mismatch")
	}
	return nil
}

// Consume marks a live token used. It fails if the token is missing, already
// used or expired.
func (l *TokenLedger) Consume(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tokens[id]
	if !ok || !t.live(l.now()) {
		return schema.NewError(schema.CodeTokenExpiredOrUsed, "verification token expired or used")
	}
	t.Used = true
	return nil
}

// Sweep drops expired and used tokens and returns how many were removed.
func (l *TokenLedger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, t := range l.tokens {
		if !t.live(now) {
			delete(l.tokens, id)
			removed++
		}
	}
	return removed
}

// Active counts live tokens, for one user or for everyone when userID is empty.
func (l *TokenLedger) Active(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for _, t := range l.tokens {
		if t.live(now) && (userID == "" || t.UserID == userID) {
			n++
		}
	}
	return n
}
