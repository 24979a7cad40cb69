// Package vault stores small per-user secrets: quick-login PINs and refresh
// tokens. PINs are kept only as bcrypt hashes; refresh tokens are kept as-is
// inside an encrypted backend because they must be presented to the server.
package vault

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"clinikey.org/internal/obs"
)

// Kind names the type of secret.
type Kind string

const (
	KindPIN          Kind = "pin"
	KindRefreshToken Kind = "refresh_token"
)

// Kinds lists every secret kind a user can own.
var Kinds = []Kind{KindPIN, KindRefreshToken}

var (
	ErrNotFound       = errors.New("vault: secret not found")
	ErrInvalidPIN     = errors.New("vault: PIN must be 4 to 8 digits")
	ErrInvalidInput   = errors.New("vault: invalid input")
	ErrNotRetrievable = errors.New("vault: secret kind cannot be read back")
)

// Backend persists opaque values in protected storage.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when nothing is stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error
}

// Vault stores at most one secret per (kind, user).
type Vault struct {
	backend Backend
	cost    int
}

// Option configures Vault.
type Option func(*Vault)

// WithBcryptCost overrides the PIN hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(v *Vault) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			v.cost = cost
		}
	}
}

// New returns a Vault over backend.
func New(backend Backend, opts ...Option) *Vault {
	v := &Vault{backend: backend, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidatePIN reports whether pin is 4 to 8 ASCII digits.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 8 {
		return ErrInvalidPIN
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return ErrInvalidPIN
		}
	}
	return nil
}

func secretKey(kind Kind, userID string) string {
	return string(kind) + ":" + userID
}

func checkArgs(kind Kind, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	switch kind {
	case KindPIN, KindRefreshToken:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
}

// SetSecret replaces the secret for (kind, userID). The previous value is
// deleted before the new one is written, so a failed write leaves no secret
// rather than a stale one.
func (v *Vault) SetSecret(ctx context.Context, kind Kind, userID, value string) error {
	if err := checkArgs(kind, userID); err != nil {
		return err
	}
	stored := []byte(value)
	if kind == KindPIN {
		if err := ValidatePIN(value); err != nil {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(value), v.cost)
		if err != nil {
			return fmt.Errorf("vault: hash pin: %w", err)
		}
		stored = hash
	} else if value == "" {
		return fmt.Errorf("%w: empty secret", ErrInvalidInput)
	}
	defer wipe(stored)

	key := secretKey(kind, userID)
	if err := v.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("vault: delete %s: %w", kind, err)
	}
	if err := v.backend.Put(ctx, key, stored); err != nil {
		obs.Error("vault.write.failed", map[string]any{"kind": string(kind), "error": err.Error()})
		return fmt.Errorf("vault: write %s: %w", kind, err)
	}
	return nil
}

// VerifySecret compares candidate against the stored secret. A missing secret
// verifies as false without error.
func (v *Vault) VerifySecret(ctx context.Context, kind Kind, userID, candidate string) (bool, error) {
	if err := checkArgs(kind, userID); err != nil {
		return false, err
	}
	stored, err := v.backend.Get(ctx, secretKey(kind, userID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vault: read %s: %w", kind, err)
	}
	defer wipe(stored)

	if kind == KindPIN {
		return bcrypt.CompareHashAndPassword(stored, []byte(candidate)) == nil, nil
	}
	return subtle.ConstantTimeCompare(stored, []byte(candidate)) == 1, nil
}

// HasSecret reports whether a secret exists. Read failures are logged and
// reported as absent, which sends the caller down the full-login path.
func (v *Vault) HasSecret(ctx context.Context, kind Kind, userID string) bool {
	if checkArgs(kind, userID) != nil {
		return false
	}
	stored, err := v.backend.Get(ctx, secretKey(kind, userID))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.Warn("vault.read.failed", map[string]any{"kind": string(kind), "error": err.Error()})
		}
		return false
	}
	wipe(stored)
	return true
}

// Secret returns a retrievable secret such as a refresh token. PINs are
// hashed and cannot be read back.
func (v *Vault) Secret(ctx context.Context, kind Kind, userID string) (string, error) {
	if err := checkArgs(kind, userID); err != nil {
		return "", err
	}
	if kind == KindPIN {
		return "", ErrNotRetrievable
	}
	stored, err := v.backend.Get(ctx, secretKey(kind, userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("vault: read %s: %w", kind, err)
	}
	defer wipe(stored)
	return string(stored), nil
}

// DeleteSecret removes the secret for (kind, userID).
func (v *Vault) DeleteSecret(ctx context.Context, kind Kind, userID string) error {
	if err := checkArgs(kind, userID); err != nil {
		return err
	}
	if err := v.backend.Delete(ctx, secretKey(kind, userID)); err != nil {
		return fmt.Errorf("vault: delete %s: %w", kind, err)
	}
	return nil
}

// DeleteUser removes every secret kind for userID. All deletes are attempted.
func (v *Vault) DeleteUser(ctx context.Context, userID string) error {
	var errs []error
	for _, kind := range Kinds {
		if err := v.DeleteSecret(ctx, kind, userID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
