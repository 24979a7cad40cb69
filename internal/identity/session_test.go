package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"clinikey.org/internal/audit"
	"clinikey.org/internal/devices"
	"clinikey.org/internal/kv"
	"clinikey.org/internal/vault"
)

type fixture struct {
	remote  *fakeRemote
	store   *kv.MemStore
	vault   *vault.Vault
	devices *devices.Store
	trail   *audit.Trail
	session *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		remote: newFakeRemote(),
		store:  kv.NewMemStore(),
		vault:  vault.New(vault.NewMemBackend(), vault.WithBcryptCost(bcrypt.MinCost)),
	}
	f.devices = devices.New(f.store, f.vault)
	f.trail = audit.New(f.store, nil, audit.WithDeviceInfo("test"))
	f.remote.addUser("user-a", "a@clinic.test", "alpha-pass", "Dr A")
	f.remote.addUser("user-b", "b@clinic.test", "bravo-pass", "Dr B")
	f.session = f.reopen()
	return f
}

// reopen builds a fresh session over the same device state, as after a restart.
func (f *fixture) reopen() *Session {
	return NewSession(f.remote, f.store, f.vault, WithProfiles(f.devices), WithAuditor(f.trail))
}

func (f *fixture) eventTypes(t *testing.T) []audit.EventType {
	t.Helper()
	events, err := f.trail.Events(context.Background())
	require.NoError(t, err)
	out := make([]audit.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestLoginCommitsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	assert.Equal(t, "user-a", id.ID)

	st := f.session.State()
	assert.Equal(t, StatusAuthenticated, st.Status)
	assert.True(t, st.Onboarding.NeedsPIN)
	assert.True(t, f.vault.HasSecret(ctx, vault.KindRefreshToken, "user-a"))

	p, ok, err := f.devices.Get(ctx, "user-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Dr A", p.DisplayName)

	assert.Equal(t, []audit.EventType{audit.EventLogin}, f.eventTypes(t))
}

func TestFailedLoginLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	before := f.session.State()

	_, err = f.session.Login(ctx, PasswordCredential("b@clinic.test", "wrong"))
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, before, f.session.State())
	assert.False(t, f.vault.HasSecret(ctx, vault.KindRefreshToken, "user-b"))
}

func TestLoginRejectsUnsupportedProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.Login(context.Background(), Credential{Provider: ProviderGuest})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestConcurrentLoginIsBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.entered = make(chan struct{}, 1)
	f.remote.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
		done <- err
	}()
	<-f.remote.entered

	_, err := f.session.Login(ctx, PasswordCredential("b@clinic.test", "bravo-pass"))
	require.ErrorIs(t, err, ErrBusy)
	_, err = f.session.LoginWithPIN(ctx, "user-b", "b@clinic.test")
	require.ErrorIs(t, err, ErrBusy)

	close(f.remote.release)
	require.NoError(t, <-done)
	assert.Equal(t, "user-a", f.session.State().Identity.ID)
}

func TestCanceledLoginWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t)
	f.remote.onLogin = cancel

	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.ErrorIs(t, err, ErrCanceled)

	bg := context.Background()
	assert.Equal(t, StatusSignedOut, f.session.State().Status)
	assert.False(t, f.vault.HasSecret(bg, vault.KindRefreshToken, "user-a"))
	profiles, err := f.devices.List(bg)
	require.NoError(t, err)
	assert.Empty(t, profiles)
	_, err = f.store.Get(bg, sessionKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

// faultyStore fails writes to one key.
type faultyStore struct {
	kv.Store
	key string
}

func (s faultyStore) Set(ctx context.Context, key string, value []byte) error {
	if key == s.key {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, key, value)
}

// faultySecrets fails every refresh token write.
type faultySecrets struct {
	*vault.Vault
}

func (s faultySecrets) SetSecret(ctx context.Context, kind vault.Kind, userID, value string) error {
	if kind == vault.KindRefreshToken {
		return errors.New("keychain locked")
	}
	return s.Vault.SetSecret(ctx, kind, userID, value)
}

func TestLoginSessionWriteFailureKeepsPreviousUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)

	s := NewSession(f.remote, faultyStore{Store: f.store, key: sessionKey}, f.vault, WithProfiles(f.devices), WithAuditor(f.trail))
	before, err := s.Restore(ctx)
	require.NoError(t, err)
	_, err = s.Login(ctx, PasswordCredential("b@clinic.test", "bravo-pass"))
	require.ErrorIs(t, err, ErrStorageFailure)

	assert.Equal(t, before, s.State())
	assert.False(t, f.vault.HasSecret(ctx, vault.KindRefreshToken, "user-b"))
	st, err := f.reopen().Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, st.Status)
	assert.Equal(t, "user-a", st.Identity.ID)
}

func TestLoginRefreshWriteFailureRollsBackSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)

	s := NewSession(f.remote, f.store, faultySecrets{f.vault}, WithProfiles(f.devices), WithAuditor(f.trail))
	_, err = s.Restore(ctx)
	require.NoError(t, err)
	_, err = s.Login(ctx, PasswordCredential("b@clinic.test", "bravo-pass"))
	require.ErrorIs(t, err, ErrStorageFailure)

	assert.Equal(t, "user-a", s.State().Identity.ID)
	st, err := f.reopen().Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, st.Status)
	assert.Equal(t, "user-a", st.Identity.ID)
	assert.Equal(t, []audit.EventType{audit.EventLogin}, f.eventTypes(t))
}

func TestFirstLoginRefreshWriteFailureLeavesNoSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := NewSession(f.remote, f.store, faultySecrets{f.vault}, WithAuditor(f.trail))

	_, err := s.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.ErrorIs(t, err, ErrStorageFailure)

	assert.Equal(t, StatusSignedOut, s.State().Status)
	_, err = f.store.Get(ctx, sessionKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestGuestIDIsStablePerDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.session.LoginAsGuest(ctx)
	assert.True(t, first.IsGuest())
	assert.Equal(t, StatusGuest, f.session.State().Status)

	again := f.reopen().LoginAsGuest(ctx)
	assert.Equal(t, first.ID, again.ID)
}

func TestCreateAccountReportsOnboarding(t *testing.T) {
	f := newFixture(t)
	id, ob, err := f.session.CreateAccount(context.Background(), PasswordCredential("new@clinic.test", "fresh-pass"))
	require.NoError(t, err)
	assert.NotEmpty(t, id.ID)
	assert.Equal(t, Onboarding{NeedsPIN: true, NeedsProfile: true, NeedsCompany: true}, ob)
}

func TestFederatedLoginCreatesThenReuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cred := FederatedCredential("apple-123", "fed@clinic.test", "Dr Fed")
	first, _, err := f.session.CreateAccount(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, ProviderFederated, first.Provider)

	second, err := f.session.Login(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestPINLoginAfterOtherUserIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	require.NoError(t, f.session.SetPIN(ctx, "1234"))
	require.NoError(t, f.session.Logout(ctx))

	_, err = f.session.Login(ctx, PasswordCredential("b@clinic.test", "bravo-pass"))
	require.NoError(t, err)

	_, err = f.session.PINGate("user-a", "a@clinic.test").Submit(ctx, "1234")
	require.True(t, errors.Is(err, ErrIdentityMismatch) || errors.Is(err, ErrRequiresFullLogin), "got %v", err)
	assert.Equal(t, "user-b", f.session.State().Identity.ID)
	assert.Contains(t, f.eventTypes(t), audit.EventUnauthorizedAccess)
}

func TestPINLoginRejectsForeignCachedToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("b@clinic.test", "bravo-pass"))
	require.NoError(t, err)

	// After a restart nobody is signed in, but B's token is still cached.
	restarted := f.reopen()
	_, err = restarted.LoginWithPIN(ctx, "user-a", "a@clinic.test")
	require.ErrorIs(t, err, ErrIdentityMismatch)
	assert.Equal(t, StatusSignedOut, restarted.State().Status)
}

func TestPINLoginWithoutRefreshSecretNeedsFullLogin(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.LoginWithPIN(context.Background(), "user-a", "a@clinic.test")
	require.ErrorIs(t, err, ErrRequiresFullLogin)
	assert.Equal(t, 0, f.remote.refreshCalls)
}

func TestPINLoginRejectsRefreshForAnotherSubject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	require.NoError(t, f.session.Logout(ctx))

	f.remote.refreshSubject = "user-b"
	_, err = f.session.LoginWithPIN(ctx, "user-a", "a@clinic.test")
	require.ErrorIs(t, err, ErrIdentityMismatch)
	assert.Equal(t, StatusSignedOut, f.session.State().Status)
}

func TestPINLoginReusesValidCachedToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)

	restarted := f.reopen()
	id, err := restarted.LoginWithPIN(ctx, "user-a", "a@clinic.test")
	require.NoError(t, err)
	assert.Equal(t, "user-a", id.ID)
	assert.Equal(t, 0, f.remote.refreshCalls)
}

func TestPINLoginRefreshesAndRotates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	oldRefresh, err := f.vault.Secret(ctx, vault.KindRefreshToken, "user-a")
	require.NoError(t, err)
	require.NoError(t, f.session.Logout(ctx))

	id, err := f.session.LoginWithPIN(ctx, "user-a", "a@clinic.test")
	require.NoError(t, err)
	assert.Equal(t, "Dr A", id.DisplayName)
	assert.Equal(t, 1, f.remote.refreshCalls)

	newRefresh, err := f.vault.Secret(ctx, vault.KindRefreshToken, "user-a")
	require.NoError(t, err)
	assert.NotEqual(t, oldRefresh, newRefresh)
}

func TestPINLoginWithRevokedRefreshNeedsFullLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	require.NoError(t, f.session.Logout(ctx))
	require.NoError(t, f.vault.SetSecret(ctx, vault.KindRefreshToken, "user-a", "revoked"))

	_, err = f.session.LoginWithPIN(ctx, "user-a", "a@clinic.test")
	require.ErrorIs(t, err, ErrRequiresFullLogin)
}

func TestPINGateLocksOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	require.NoError(t, f.session.SetPIN(ctx, "2468"))
	require.NoError(t, f.session.Logout(ctx))

	gate := f.session.PINGate("user-a", "a@clinic.test")
	for i := 0; i < DefaultMaxPINAttempts-1; i++ {
		_, err := gate.Submit(ctx, "0000")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = gate.Submit(ctx, "0000")
	require.ErrorIs(t, err, ErrLockedOut)
	_, err = gate.Submit(ctx, "2468")
	require.ErrorIs(t, err, ErrLockedOut)
	assert.Equal(t, 0, gate.Remaining())
	assert.Equal(t, StatusSignedOut, f.session.State().Status)
	assert.Contains(t, f.eventTypes(t), audit.EventUnauthorizedAccess)
}

func TestPINGateSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	require.NoError(t, f.session.SetPIN(ctx, "2468"))
	require.NoError(t, f.session.Logout(ctx))

	gate := f.session.PINGate("user-a", "a@clinic.test")
	_, err = gate.Submit(ctx, "1111")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	id, err := gate.Submit(ctx, "2468")
	require.NoError(t, err)
	assert.Equal(t, "user-a", id.ID)
	assert.Equal(t, DefaultMaxPINAttempts, gate.Remaining())
	assert.False(t, f.session.State().Onboarding.NeedsPIN)
}

func TestPINGateWithoutPIN(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.PINGate("user-a", "a@clinic.test").Submit(context.Background(), "1234")
	require.ErrorIs(t, err, ErrRequiresFullLogin)
}

func TestSetPIN(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.ErrorIs(t, f.session.SetPIN(ctx, "1234"), ErrNotAuthorized)

	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	require.ErrorIs(t, f.session.SetPIN(ctx, "12"), vault.ErrInvalidPIN)
	require.True(t, f.session.State().Onboarding.NeedsPIN)

	require.NoError(t, f.session.SetPIN(ctx, "123456"))
	assert.False(t, f.session.State().Onboarding.NeedsPIN)
	assert.True(t, f.session.HasPIN(ctx, "user-a"))
	assert.Contains(t, f.eventTypes(t), audit.EventPasswordChanged)
}

func TestLogoutClearsTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	require.NoError(t, f.session.Logout(ctx))

	assert.Equal(t, StatusSignedOut, f.session.State().Status)
	_, err = f.store.Get(ctx, sessionKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
	assert.Equal(t, []audit.EventType{audit.EventLogin, audit.EventLogout}, f.eventTypes(t))

	require.NoError(t, f.session.Logout(ctx))
}

func TestDeleteAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.ErrorIs(t, f.session.DeleteAccount(ctx), ErrNotAuthorized)

	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	require.NoError(t, f.session.SetPIN(ctx, "1234"))
	require.NoError(t, f.session.DeleteAccount(ctx))

	assert.Equal(t, []string{"user-a"}, f.remote.deleted)
	assert.Equal(t, StatusSignedOut, f.session.State().Status)
	assert.False(t, f.vault.HasSecret(ctx, vault.KindPIN, "user-a"))
	assert.False(t, f.vault.HasSecret(ctx, vault.KindRefreshToken, "user-a"))
}

func TestExpireSessionOnlyAffectsExpiredUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)

	expired, err := f.session.ExpireSession(ctx, "user-b")
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, StatusAuthenticated, f.session.State().Status)

	expired, err = f.session.ExpireSession(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, StatusSignedOut, f.session.State().Status)
	assert.Equal(t, []audit.EventType{audit.EventLogin, audit.EventSessionTimeout, audit.EventLogout}, f.eventTypes(t))
}

func TestUpdateAndRefreshProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.UpdateProfile(ctx, ProfileUpdate{DisplayName: "x"})
	require.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	id, err := f.session.UpdateProfile(ctx, ProfileUpdate{DisplayName: "Dr Alpha", CompanyID: "clinic-1"})
	require.NoError(t, err)
	assert.Equal(t, "Dr Alpha", id.DisplayName)
	assert.False(t, f.session.State().Onboarding.NeedsCompany)

	p, _, err := f.devices.Get(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, "Dr Alpha", p.DisplayName)

	refreshed, err := f.session.RefreshProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "clinic-1", refreshed.CompanyID)
}

func TestRestoreCachedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)

	restarted := f.reopen()
	st, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, st.Status)
	assert.Equal(t, "user-a", st.Identity.ID)
}

func TestSubscribeSeesTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, cancel := f.session.Subscribe()
	defer cancel()

	assert.Equal(t, StatusSignedOut, (<-ch).Status)
	_, err := f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)

	select {
	case st := <-ch:
		assert.Equal(t, StatusAuthenticated, st.Status)
	case <-time.After(time.Second):
		t.Fatal("no state delivered")
	}

	// A reader that falls behind only sees the latest snapshot.
	f.session.LoginAsGuest(ctx)
	require.NoError(t, f.session.Logout(ctx))
	assert.Equal(t, StatusSignedOut, (<-ch).Status)

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestUserMessageHidesMismatch(t *testing.T) {
	assert.Equal(t, UserMessage(ErrIdentityMismatch), UserMessage(ErrRequiresFullLogin))
	assert.Equal(t, "", UserMessage(nil))
	assert.NotEqual(t, UserMessage(ErrNetwork), UserMessage(ErrServer))
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(fmt.Errorf("wrapped: %w", ErrLockedOut)))
	assert.False(t, Known(errors.New("boom")))
	assert.False(t, Known(nil))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, classify(ctx, errors.New("boom")), ErrServer)
	assert.ErrorIs(t, classify(ctx, context.DeadlineExceeded), ErrNetwork)
	assert.ErrorIs(t, classify(ctx, ErrNetwork), ErrNetwork)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, classify(canceled, ErrNetwork), ErrCanceled)
}

func TestTokenClaims(t *testing.T) {
	r := newFakeRemote()
	tok := r.issue("u1", "u1")
	sub, exp, err := TokenClaims(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)
	assert.WithinDuration(t, tok.ExpiresAt, exp, time.Second)

	_, _, err = TokenClaims("not-a-jwt")
	assert.ErrorIs(t, err, ErrServer)
}

func TestAuthorizedRequiresSignIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.session.Authorized(ctx)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	f.session.LoginAsGuest(ctx)
	_, _, err = f.session.Authorized(ctx)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.session.Login(ctx, PasswordCredential("a@clinic.test", "alpha-pass"))
	require.NoError(t, err)
	actx, id, err := f.session.Authorized(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-a", id.ID)
	tok, ok := AccessTokenFromContext(actx)
	require.True(t, ok)
	sub, _, err := TokenClaims(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-a", sub)
}

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]audit.Event
}

func (r *batchRecorder) UploadAuditBatch(_ context.Context, events []audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]audit.Event(nil), events...))
	return nil
}

func TestGuestClientRecordsAtCapacity(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	up := &batchRecorder{}
	trail := audit.New(store, up, audit.WithDeviceInfo("test"))
	secrets := vault.New(vault.NewMemBackend(), vault.WithBcryptCost(bcrypt.MinCost))
	s := NewSession(nil, store, secrets, WithAuditor(trail))

	guest := s.LoginAsGuest(ctx)
	require.True(t, guest.IsGuest())
	record := func(from, to int) {
		for i := from; i <= to; i++ {
			_, err := trail.Record(ctx, audit.EventRecordCreated, guest.ID, guest.Email, audit.WithResource("client", fmt.Sprintf("client-%d", i)))
			require.NoError(t, err)
		}
	}

	record(1, 600)
	require.NoError(t, trail.Sync(ctx))
	cursor, err := trail.Cursor(ctx)
	require.NoError(t, err)
	record(601, 1200)

	events, err := trail.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, audit.DefaultCapacity)
	assert.Equal(t, "client-201", events[0].ResourceID)
	assert.Equal(t, "client-1200", events[len(events)-1].ResourceID)
	for i := 1; i < len(events); i++ {
		require.Less(t, events[i-1].ID, events[i].ID)
	}
	for _, e := range events {
		assert.Equal(t, guest.ID, e.UserID)
	}

	require.NoError(t, trail.Sync(ctx))
	require.Len(t, up.batches, 2)
	second := up.batches[1]
	require.Len(t, second, 600)
	assert.Greater(t, second[0].ID, cursor)
	assert.Equal(t, "client-601", second[0].ResourceID)
	assert.Equal(t, "client-1200", second[len(second)-1].ResourceID)
	pending, err := trail.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
