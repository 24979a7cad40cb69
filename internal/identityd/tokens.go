package identityd

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"clinikey.org/internal/identity"
	"clinikey.org/internal/ids"
)

const (
	issuer            = "clinikey-identityd"
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 14 * 24 * time.Hour
)

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("identityd: invalid token")
	ErrMissingKey   = errors.New("identityd: token secret is not configured")
)

// Claims are the access token claims.
type Claims struct {
	Provider identity.Provider `json:"provider,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs HS256 access tokens and mints opaque refresh tokens.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer returns an Issuer signing with secret.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, now func() time.Time) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingKey
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL, now: now}, nil
}

// SignAccess signs an access token for userID.
func (i *Issuer) SignAccess(userID string, provider identity.Provider) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("userID is required")
	}
	now := i.now().UTC()
	exp := now.Add(i.accessTTL)
	claims := Claims{
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.Random(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the signature and the required claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(i.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type refreshRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
}

// newRefresh returns the client-facing "id.secret" token and the record to
// store. Only a hash of the secret is kept.
func (i *Issuer) newRefresh(userID string) (string, refreshRecord, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", refreshRecord{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	rec := refreshRecord{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hashSecret(secret),
		ExpiresAt: i.now().UTC().Add(i.refreshTTL),
	}
	return rec.ID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
