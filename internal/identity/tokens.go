package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"clinikey.org/internal/kv"
)

const (
	// sessionKey holds the identity and its access token as one record so a
	// login commit is a single atomic write.
	sessionKey = "session/current"
	guestIDKey = "session/guest_id"
)

type cachedSession struct {
	Identity Identity    `json:"identity"`
	Token    cachedToken `json:"token"`
}

type cachedToken struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c cachedToken) valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// TokenClaims reads the subject and expiry of an access token without
// checking its signature; the remote service verifies it on every call.
func TokenClaims(raw string) (string, time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(raw), claims); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: malformed access token: %v", ErrServer, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: access token has no subject", ErrServer)
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return subject, exp, nil
}

func (s *Session) loadSession(ctx context.Context) (cachedSession, bool, error) {
	var rec cachedSession
	err := kv.GetJSON(ctx, s.store, sessionKey, &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return cachedSession{}, false, nil
	}
	if err != nil {
		return cachedSession{}, false, err
	}
	return rec, true, nil
}

func (s *Session) loadToken(ctx context.Context) (cachedToken, bool, error) {
	rec, ok, err := s.loadSession(ctx)
	if err != nil || !ok {
		return cachedToken{}, false, err
	}
	return rec.Token, rec.Token.Token != "", nil
}

func (s *Session) loadIdentity(ctx context.Context) (Identity, bool, error) {
	rec, ok, err := s.loadSession(ctx)
	if err != nil || !ok {
		return Identity{}, false, err
	}
	return rec.Identity, rec.Identity.ID != "", nil
}

// snapshotSession returns the raw session record, nil when there is none.
func (s *Session) snapshotSession(ctx context.Context) ([]byte, error) {
	raw, err := s.store.Get(ctx, sessionKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	return raw, err
}

// restoreSession puts back a record taken by snapshotSession.
func (s *Session) restoreSession(ctx context.Context, raw []byte) error {
	if raw == nil {
		return s.store.Delete(ctx, sessionKey)
	}
	return s.store.Set(ctx, sessionKey, raw)
}

func (s *Session) cacheSession(ctx context.Context, id Identity, tok cachedToken) error {
	return kv.SetJSON(ctx, s.store, sessionKey, cachedSession{Identity: id, Token: tok})
}

// cacheIdentity replaces the cached identity and keeps its token.
func (s *Session) cacheIdentity(ctx context.Context, id Identity) error {
	rec, _, err := s.loadSession(ctx)
	if err != nil {
		return err
	}
	rec.Identity = id
	return kv.SetJSON(ctx, s.store, sessionKey, rec)
}

func (s *Session) clearSession(ctx context.Context) error {
	return s.store.Delete(ctx, sessionKey)
}
