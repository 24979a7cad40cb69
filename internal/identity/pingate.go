package identity

import (
	"context"
	"fmt"
	"sync"

	"clinikey.org/internal/audit"
	"clinikey.org/internal/obs"
	"clinikey.org/internal/vault"
)

// DefaultMaxPINAttempts is the number of wrong PINs before lockout.
const DefaultMaxPINAttempts = 3

// PINGate verifies a PIN locally before handing off to LoginWithPIN and
// locks out after repeated failures. A locked gate stays locked; the user
// has to sign in with their password.
type PINGate struct {
	session *Session
	userID  string
	email   string
	max     int

	mu       sync.Mutex
	failures int
}

// PINGate returns a gate for one PIN entry flow.
func (s *Session) PINGate(userID, email string) *PINGate {
	return &PINGate{session: s, userID: userID, email: email, max: DefaultMaxPINAttempts}
}

// Remaining returns the attempts left before lockout.
func (g *PINGate) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.max - g.failures; n > 0 {
		return n
	}
	return 0
}

// Submit checks pin and, when it matches, performs the quick login.
func (g *PINGate) Submit(ctx context.Context, pin string) (Identity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failures >= g.max {
		return Identity{}, ErrLockedOut
	}
	s := g.session
	if !s.secrets.HasSecret(ctx, vault.KindPIN, g.userID) {
		return Identity{}, fmt.Errorf("%w: no pin set on this device", ErrRequiresFullLogin)
	}
	ok, err := s.secrets.VerifySecret(ctx, vault.KindPIN, g.userID, pin)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: verify pin: %v", ErrStorageFailure, err)
	}
	if !ok {
		g.failures++
		s.metrics.ObserveLogin("pin", "wrong_pin")
		if g.failures >= g.max {
			obs.Warn("identity.pin.locked", map[string]any{"user_id": g.userID, "attempts": g.failures})
			s.recordAudit(ctx, audit.EventUnauthorizedAccess, Identity{ID: g.userID, Email: g.email})
			return Identity{}, ErrLockedOut
		}
		return Identity{}, fmt.Errorf("%w: wrong pin, %d attempts left", ErrInvalidCredentials, g.max-g.failures)
	}
	g.failures = 0
	return s.LoginWithPIN(ctx, g.userID, g.email)
}
