// Package identity manages who is signed in on this device: guest, password
// and federated logins, PIN quick-login for returning users, and the cached
// tokens that back them. All mutating operations pass through one
// single-writer guard so that at most one authentication is in flight.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"clinikey.org/internal/audit"
	"clinikey.org/internal/devices"
	"clinikey.org/internal/ids"
	"clinikey.org/internal/kv"
	"clinikey.org/internal/obs"
	"clinikey.org/internal/vault"
)

// SecretStore is the subset of the vault used by sessions.
type SecretStore interface {
	SetSecret(ctx context.Context, kind vault.Kind, userID, value string) error
	VerifySecret(ctx context.Context, kind vault.Kind, userID, candidate string) (bool, error)
	HasSecret(ctx context.Context, kind vault.Kind, userID string) bool
	Secret(ctx context.Context, kind vault.Kind, userID string) (string, error)
	DeleteSecret(ctx context.Context, kind vault.Kind, userID string) error
}

// ProfileRecorder remembers accounts that signed in on this device.
type ProfileRecorder interface {
	Upsert(ctx context.Context, p devices.Profile) error
}

// Auditor receives security events.
type Auditor interface {
	Record(ctx context.Context, eventType audit.EventType, userID, userEmail string, opts ...audit.RecordOption) (audit.Event, error)
}

// Session is the process-wide authentication state.
type Session struct {
	remote   Remote
	store    kv.Store
	secrets  SecretStore
	profiles ProfileRecorder
	auditor  Auditor
	metrics  *obs.Metrics
	now      func() time.Time

	// op is the single-writer guard for every state transition.
	op sync.Mutex

	mu    sync.RWMutex
	state State
	subs  map[chan State]struct{}
}

// Option configures Session.
type Option func(*Session)

// WithProfiles records successful logins as device profiles.
func WithProfiles(p ProfileRecorder) Option {
	return func(s *Session) {
		s.profiles = p
	}
}

// WithAuditor records login, logout and related events.
func WithAuditor(a Auditor) Option {
	return func(s *Session) {
		s.auditor = a
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *obs.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Session) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSession returns a signed-out session.
func NewSession(remote Remote, store kv.Store, secrets SecretStore, opts ...Option) *Session {
	s := &Session{
		remote:  remote,
		store:   store,
		secrets: secrets,
		now:     time.Now,
		subs:    make(map[chan State]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Current returns the current identity and whether one is set.
func (s *Session) Current() (Identity, bool) {
	st := s.State()
	return st.Identity, st.Status != StatusSignedOut
}

// Subscribe returns a channel that receives the current state and every
// later change. A slow reader only sees the latest snapshot. The returned
// func unsubscribes and closes the channel.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.mu.Lock()
	ch <- s.state
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	for ch := range s.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Session) begin() (func(), error) {
	if !s.op.TryLock() {
		return nil, ErrBusy
	}
	return s.op.Unlock, nil
}

// HasPIN reports whether userID can use PIN quick-login on this device.
func (s *Session) HasPIN(ctx context.Context, userID string) bool {
	return s.secrets.HasSecret(ctx, vault.KindPIN, userID)
}

// Restore re-establishes the cached session after a restart without
// contacting the remote service.
func (s *Session) Restore(ctx context.Context) (State, error) {
	s.op.Lock()
	defer s.op.Unlock()

	id, ok, err := s.loadIdentity(ctx)
	if err != nil {
		return s.State(), fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if !ok || id.IsGuest() {
		return s.State(), nil
	}
	tok, hasTok, err := s.loadToken(ctx)
	if err != nil {
		return s.State(), fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if !hasTok || tok.Subject != id.ID {
		return s.State(), nil
	}
	st := State{Status: StatusAuthenticated, Identity: id, Onboarding: s.onboarding(ctx, id)}
	s.setState(st)
	obs.Info("identity.restored", map[string]any{"user_id": id.ID})
	return st, nil
}

// LoginAsGuest switches to the device's guest identity, creating it on first
// use. It waits for any operation in flight and cannot fail.
func (s *Session) LoginAsGuest(ctx context.Context) Identity {
	s.op.Lock()
	defer s.op.Unlock()

	prev := s.State()
	if prev.SignedIn() {
		if err := s.clearSession(ctx); err != nil {
			obs.Warn("identity.guest.clear_failed", map[string]any{"error": err.Error()})
		}
		s.recordAudit(ctx, audit.EventLogout, prev.Identity)
	}

	id := Identity{ID: s.guestID(ctx), DisplayName: "Guest", Provider: ProviderGuest}
	s.setState(State{Status: StatusGuest, Identity: id})
	s.metrics.ObserveLogin(string(ProviderGuest), "ok")
	obs.Info("identity.guest", map[string]any{"user_id": id.ID})
	return id
}

func (s *Session) guestID(ctx context.Context) string {
	var id string
	if err := kv.GetJSON(ctx, s.store, guestIDKey, &id); err == nil && id != "" {
		return id
	}
	id = "guest-" + ids.Random()
	if err := kv.SetJSON(ctx, s.store, guestIDKey, id); err != nil {
		obs.Warn("identity.guest.persist_failed", map[string]any{"error": err.Error()})
	}
	return id
}

// Login authenticates with a password or federated credential.
func (s *Session) Login(ctx context.Context, cred Credential) (Identity, error) {
	unlock, err := s.begin()
	if err != nil {
		return Identity{}, err
	}
	defer unlock()

	st, err := s.authenticate(ctx, cred, false)
	s.observeLogin(string(cred.Provider), cred.Email, err)
	if err != nil {
		return Identity{}, err
	}
	return st.Identity, nil
}

// CreateAccount registers a new account and signs it in. Federated
// credentials sign in to an existing account when one matches.
func (s *Session) CreateAccount(ctx context.Context, cred Credential) (Identity, Onboarding, error) {
	unlock, err := s.begin()
	if err != nil {
		return Identity{}, Onboarding{}, err
	}
	defer unlock()

	st, err := s.authenticate(ctx, cred, true)
	s.observeLogin(string(cred.Provider), cred.Email, err)
	if err != nil {
		return Identity{}, Onboarding{}, err
	}
	return st.Identity, st.Onboarding, nil
}

func (s *Session) authenticate(ctx context.Context, cred Credential, create bool) (State, error) {
	var (
		res AuthResult
		err error
	)
	switch cred.Provider {
	case ProviderPassword:
		if cred.Email == "" || cred.Password == "" {
			return State{}, fmt.Errorf("%w: email and password required", ErrInvalidCredentials)
		}
		if create {
			res, err = s.remote.CreateUser(ctx, cred.Email, cred.Password)
		} else {
			res, err = s.remote.Login(ctx, cred.Email, cred.Password)
		}
	case ProviderFederated:
		if cred.ProviderUserID == "" {
			return State{}, fmt.Errorf("%w: provider user id required", ErrInvalidCredentials)
		}
		res, err = s.remote.CreateOrLoginFederated(ctx, cred.ProviderUserID, cred.Email, cred.DisplayName)
	default:
		return State{}, fmt.Errorf("%w: unsupported provider %q", ErrInvalidCredentials, cred.Provider)
	}
	if err != nil {
		return State{}, classify(ctx, err)
	}
	return s.commitLogin(ctx, res, cred.Provider)
}

// commitLogin makes res the current session. Once it starts writing it no
// longer observes cancellation. The identity and access token land in one
// record; the refresh secret follows, and if that write fails the previous
// record is put back so a login is either fully applied or not at all.
func (s *Session) commitLogin(ctx context.Context, res AuthResult, provider Provider) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, classify(ctx, err)
	}
	id := res.Identity
	id.ID = strings.TrimSpace(id.ID)
	if id.ID == "" {
		return State{}, fmt.Errorf("%w: empty user id", ErrServer)
	}
	if id.Provider == "" {
		id.Provider = provider
	}
	subject, exp, err := TokenClaims(res.Tokens.AccessToken)
	if err != nil {
		return State{}, err
	}
	if subject != id.ID {
		return State{}, fmt.Errorf("%w: token issued for another user", ErrIdentityMismatch)
	}
	if !res.Tokens.ExpiresAt.IsZero() {
		exp = res.Tokens.ExpiresAt
	}

	ctx = context.WithoutCancel(ctx)
	prev, err := s.snapshotSession(ctx)
	if err != nil {
		return State{}, fmt.Errorf("%w: read session: %v", ErrStorageFailure, err)
	}
	if err := s.cacheSession(ctx, id, cachedToken{Token: res.Tokens.AccessToken, Subject: subject, ExpiresAt: exp}); err != nil {
		return State{}, fmt.Errorf("%w: cache session: %v", ErrStorageFailure, err)
	}
	if res.Tokens.RefreshToken != "" {
		if err := s.secrets.SetSecret(ctx, vault.KindRefreshToken, id.ID, res.Tokens.RefreshToken); err != nil {
			if rerr := s.restoreSession(ctx, prev); rerr != nil {
				obs.Error("identity.session.rollback_failed", map[string]any{"error": rerr.Error()})
			}
			return State{}, fmt.Errorf("%w: store refresh token: %v", ErrStorageFailure, err)
		}
	}
	s.rememberProfile(ctx, id)

	st := State{Status: StatusAuthenticated, Identity: id, Onboarding: s.onboarding(ctx, id)}
	s.setState(st)
	s.recordAudit(ctx, audit.EventLogin, id)
	return st, nil
}

func (s *Session) rememberProfile(ctx context.Context, id Identity) {
	if s.profiles == nil {
		return
	}
	err := s.profiles.Upsert(ctx, devices.Profile{
		UserID:      id.ID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		LastLoginAt: s.now().UTC(),
	})
	if err != nil {
		obs.Warn("identity.profile.persist_failed", map[string]any{"user_id": id.ID, "error": err.Error()})
	}
}

func (s *Session) onboarding(ctx context.Context, id Identity) Onboarding {
	if id.IsGuest() {
		return Onboarding{}
	}
	return Onboarding{
		NeedsPIN:     !s.secrets.HasSecret(ctx, vault.KindPIN, id.ID),
		NeedsProfile: strings.TrimSpace(id.DisplayName) == "",
		NeedsCompany: strings.TrimSpace(id.CompanyID) == "",
	}
}

// LoginWithPIN signs a returning user back in after the caller verified
// their PIN locally, see PINGate. It never uses another user's cached
// session: a token cached for a different subject fails with
// ErrIdentityMismatch, a missing refresh secret with ErrRequiresFullLogin,
// and a refreshed token for another subject with ErrIdentityMismatch.
func (s *Session) LoginWithPIN(ctx context.Context, userID, email string) (Identity, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: user id required", ErrRequiresFullLogin)
	}
	unlock, err := s.begin()
	if err != nil {
		return Identity{}, err
	}
	defer unlock()

	st, err := s.quickLogin(ctx, userID, email)
	s.observeLogin("pin", email, err)
	if err != nil {
		if errors.Is(err, ErrIdentityMismatch) {
			s.recordAudit(ctx, audit.EventUnauthorizedAccess, Identity{ID: userID, Email: email})
		}
		return Identity{}, err
	}
	return st.Identity, nil
}

func (s *Session) quickLogin(ctx context.Context, userID, email string) (State, error) {
	if cur := s.State(); cur.SignedIn() && cur.Identity.ID != userID {
		return State{}, fmt.Errorf("%w: another user is signed in", ErrIdentityMismatch)
	}
	cached, hasCached, err := s.loadToken(ctx)
	if err != nil {
		return State{}, fmt.Errorf("%w: load cached token: %v", ErrStorageFailure, err)
	}
	if hasCached && cached.Subject != userID {
		return State{}, fmt.Errorf("%w: cached token belongs to another user", ErrIdentityMismatch)
	}
	if hasCached && cached.valid(s.now()) {
		id := s.cachedIdentity(ctx, userID, email)
		return s.commitLogin(ctx, AuthResult{
			Identity: id,
			Tokens:   Tokens{AccessToken: cached.Token, ExpiresAt: cached.ExpiresAt},
		}, id.Provider)
	}

	refresh, err := s.secrets.Secret(ctx, vault.KindRefreshToken, userID)
	if err != nil {
		return State{}, fmt.Errorf("%w: no refresh secret: %v", ErrRequiresFullLogin, err)
	}
	tokens, err := s.remote.RefreshAccessToken(ctx, refresh)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrNotAuthorized) {
			return State{}, fmt.Errorf("%w: refresh rejected: %v", ErrRequiresFullLogin, err)
		}
		return State{}, classify(ctx, err)
	}
	subject, _, err := TokenClaims(tokens.AccessToken)
	if err != nil {
		return State{}, err
	}
	if subject != userID {
		return State{}, fmt.Errorf("%w: refreshed token belongs to another user", ErrIdentityMismatch)
	}
	id, err := s.remote.FetchUser(ContextWithAccessToken(ctx, tokens.AccessToken), userID)
	if err != nil {
		return State{}, classify(ctx, err)
	}
	if id.ID != userID {
		return State{}, fmt.Errorf("%w: server returned another user", ErrIdentityMismatch)
	}
	return s.commitLogin(ctx, AuthResult{Identity: id, Tokens: tokens}, ProviderPassword)
}

func (s *Session) cachedIdentity(ctx context.Context, userID, email string) Identity {
	if id, ok, err := s.loadIdentity(ctx); err == nil && ok && id.ID == userID {
		return id
	}
	return Identity{ID: userID, Email: email, Provider: ProviderPassword}
}

// Logout clears the current identity and every cached token. It waits for
// any operation in flight.
func (s *Session) Logout(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.logoutLocked(ctx)
}

func (s *Session) logoutLocked(ctx context.Context) error {
	prev := s.State()
	if prev.Status == StatusSignedOut {
		return nil
	}
	err := s.clearSession(context.WithoutCancel(ctx))
	s.setState(State{Status: StatusSignedOut})
	if prev.SignedIn() {
		s.recordAudit(ctx, audit.EventLogout, prev.Identity)
	}
	obs.Info("identity.logout", map[string]any{"user_id": prev.Identity.ID})
	if err != nil {
		return fmt.Errorf("%w: clear session: %v", ErrStorageFailure, err)
	}
	return nil
}

// ExpireSession signs out userID after inactivity. It is a no-op when
// another identity became current in the meantime.
func (s *Session) ExpireSession(ctx context.Context, userID string) (bool, error) {
	s.op.Lock()
	defer s.op.Unlock()

	cur := s.State()
	if cur.Status == StatusSignedOut || cur.Identity.ID != userID {
		return false, nil
	}
	s.recordAudit(ctx, audit.EventSessionTimeout, cur.Identity)
	s.metrics.SessionExpired()
	return true, s.logoutLocked(ctx)
}

// DeleteAccount deletes the current account remotely, forgets its secrets
// on this device and signs out.
func (s *Session) DeleteAccount(ctx context.Context) error {
	unlock, err := s.begin()
	if err != nil {
		return err
	}
	defer unlock()

	cur := s.State()
	if !cur.SignedIn() {
		return fmt.Errorf("%w: no signed-in account", ErrNotAuthorized)
	}
	if err := s.remote.DeleteUser(s.authorized(ctx), cur.Identity.ID); err != nil {
		return classify(ctx, err)
	}
	ctx = context.WithoutCancel(ctx)
	for _, kind := range vault.Kinds {
		if err := s.secrets.DeleteSecret(ctx, kind, cur.Identity.ID); err != nil {
			obs.Warn("identity.delete.secret_failed", map[string]any{"user_id": cur.Identity.ID, "kind": string(kind), "error": err.Error()})
		}
	}
	obs.Info("identity.account.deleted", map[string]any{"user_id": cur.Identity.ID})
	return s.logoutLocked(ctx)
}

// SetPIN stores a quick-login PIN for the current account.
func (s *Session) SetPIN(ctx context.Context, pin string) error {
	unlock, err := s.begin()
	if err != nil {
		return err
	}
	defer unlock()

	cur := s.State()
	if !cur.SignedIn() {
		return fmt.Errorf("%w: sign in before setting a PIN", ErrNotAuthorized)
	}
	if err := s.secrets.SetSecret(ctx, vault.KindPIN, cur.Identity.ID, pin); err != nil {
		if errors.Is(err, vault.ErrInvalidPIN) {
			return err
		}
		return fmt.Errorf("%w: store pin: %v", ErrStorageFailure, err)
	}
	cur.Onboarding.NeedsPIN = false
	s.setState(cur)
	s.recordAudit(ctx, audit.EventPasswordChanged, cur.Identity)
	return nil
}

// ProfileUpdate holds the editable profile fields. Empty fields are left
// unchanged.
type ProfileUpdate struct {
	DisplayName string
	CompanyID   string
}

// UpdateProfile saves profile changes remotely and applies the server's
// answer.
func (s *Session) UpdateProfile(ctx context.Context, upd ProfileUpdate) (Identity, error) {
	unlock, err := s.begin()
	if err != nil {
		return Identity{}, err
	}
	defer unlock()

	cur := s.State()
	if !cur.SignedIn() {
		return Identity{}, fmt.Errorf("%w: no signed-in account", ErrNotAuthorized)
	}
	next := cur.Identity
	if v := strings.TrimSpace(upd.DisplayName); v != "" {
		next.DisplayName = v
	}
	if v := strings.TrimSpace(upd.CompanyID); v != "" {
		next.CompanyID = v
	}
	saved, err := s.remote.UpdateUserProfile(s.authorized(ctx), next)
	if err != nil {
		return Identity{}, classify(ctx, err)
	}
	return s.applyProfile(ctx, cur, saved)
}

// RefreshProfile reloads the current account from the remote service.
func (s *Session) RefreshProfile(ctx context.Context) (Identity, error) {
	unlock, err := s.begin()
	if err != nil {
		return Identity{}, err
	}
	defer unlock()

	cur := s.State()
	if !cur.SignedIn() {
		return Identity{}, fmt.Errorf("%w: no signed-in account", ErrNotAuthorized)
	}
	fetched, err := s.remote.FetchUser(s.authorized(ctx), cur.Identity.ID)
	if err != nil {
		return Identity{}, classify(ctx, err)
	}
	return s.applyProfile(ctx, cur, fetched)
}

func (s *Session) applyProfile(ctx context.Context, cur State, id Identity) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, classify(ctx, err)
	}
	if id.ID != cur.Identity.ID {
		return Identity{}, fmt.Errorf("%w: server returned another user", ErrIdentityMismatch)
	}
	if id.Provider == "" {
		id.Provider = cur.Identity.Provider
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.cacheIdentity(ctx, id); err != nil {
		return Identity{}, fmt.Errorf("%w: cache identity: %v", ErrStorageFailure, err)
	}
	s.rememberProfile(ctx, id)
	s.setState(State{Status: StatusAuthenticated, Identity: id, Onboarding: s.onboarding(ctx, id)})
	return id, nil
}

// Authorized returns ctx carrying the signed-in user's access token for
// remote reads made on their behalf.
func (s *Session) Authorized(ctx context.Context) (context.Context, Identity, error) {
	st := s.State()
	if !st.SignedIn() {
		return ctx, Identity{}, fmt.Errorf("%w: sign in required", ErrNotAuthorized)
	}
	return s.authorized(ctx), st.Identity, nil
}

// authorized attaches the cached access token for remote calls.
func (s *Session) authorized(ctx context.Context) context.Context {
	tok, ok, err := s.loadToken(ctx)
	if err != nil || !ok {
		return ctx
	}
	return ContextWithAccessToken(ctx, tok.Token)
}

func (s *Session) recordAudit(ctx context.Context, eventType audit.EventType, id Identity) {
	if s.auditor == nil {
		return
	}
	// The trail logs its own failures; auditing never fails the operation.
	_, _ = s.auditor.Record(context.WithoutCancel(ctx), eventType, id.ID, id.Email)
}

func (s *Session) observeLogin(provider, email string, err error) {
	s.metrics.ObserveLogin(provider, outcome(err))
	fields := map[string]any{"provider": provider, "email": obs.MaskEmail(email)}
	if err != nil {
		fields["error"] = err.Error()
		obs.Warn("identity.login.failed", fields)
		return
	}
	obs.Info("identity.login", fields)
}
