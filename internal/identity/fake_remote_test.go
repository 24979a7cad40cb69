package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeAccount struct {
	identity Identity
	password string
}

// fakeRemote is an in-memory identity backend issuing real HS256 tokens.
type fakeRemote struct {
	mu       sync.Mutex
	secret   []byte
	accounts map[string]*fakeAccount // by user id
	byEmail  map[string]string
	refresh  map[string]string // refresh token -> user id
	seq      int

	// refreshSubject, when set, is put in refreshed tokens instead of the owner.
	refreshSubject string
	refreshCalls   int
	deleted        []string

	onLogin func()
	entered chan struct{}
	release chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		secret:   []byte("test-secret"),
		accounts: make(map[string]*fakeAccount),
		byEmail:  make(map[string]string),
		refresh:  make(map[string]string),
	}
}

func (f *fakeRemote) addUser(id, email, password, displayName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id] = &fakeAccount{
		identity: Identity{ID: id, Email: email, DisplayName: displayName, Provider: ProviderPassword},
		password: password,
	}
	f.byEmail[email] = id
}

func (f *fakeRemote) issue(userID, subject string) Tokens {
	exp := time.Now().Add(15 * time.Minute)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString(f.secret)
	if err != nil {
		panic(err)
	}
	f.seq++
	rt := fmt.Sprintf("rt-%s-%d", userID, f.seq)
	f.refresh[rt] = userID
	return Tokens{AccessToken: signed, RefreshToken: rt, ExpiresAt: exp}
}

func (f *fakeRemote) Login(ctx context.Context, email, password string) (AuthResult, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.onLogin != nil {
		f.onLogin()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[f.byEmail[email]]
	if !ok || acc.password != password {
		return AuthResult{}, ErrInvalidCredentials
	}
	return AuthResult{Identity: acc.identity, Tokens: f.issue(acc.identity.ID, acc.identity.ID)}, nil
}

func (f *fakeRemote) CreateUser(ctx context.Context, email, password string) (AuthResult, error) {
	f.mu.Lock()
	if _, exists := f.byEmail[email]; exists {
		f.mu.Unlock()
		return AuthResult{}, fmt.Errorf("%w: email taken", ErrServer)
	}
	id := fmt.Sprintf("u-%d", len(f.accounts)+1)
	f.mu.Unlock()
	f.addUser(id, email, password, "")
	f.mu.Lock()
	defer f.mu.Unlock()
	return AuthResult{Identity: f.accounts[id].identity, Tokens: f.issue(id, id)}, nil
}

func (f *fakeRemote) CreateOrLoginFederated(ctx context.Context, providerUserID, email, displayName string) (AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "fed-" + providerUserID
	acc, ok := f.accounts[id]
	if !ok {
		acc = &fakeAccount{identity: Identity{ID: id, Email: email, DisplayName: displayName, Provider: ProviderFederated}}
		f.accounts[id] = acc
	}
	return AuthResult{Identity: acc.identity, Tokens: f.issue(id, id)}, nil
}

func (f *fakeRemote) RefreshAccessToken(ctx context.Context, refreshToken string) (Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	userID, ok := f.refresh[refreshToken]
	if !ok {
		return Tokens{}, ErrInvalidCredentials
	}
	delete(f.refresh, refreshToken)
	subject := userID
	if f.refreshSubject != "" {
		subject = f.refreshSubject
	}
	return f.issue(userID, subject), nil
}

func (f *fakeRemote) FetchUser(ctx context.Context, userID string) (Identity, error) {
	if _, ok := AccessTokenFromContext(ctx); !ok {
		return Identity{}, ErrNotAuthorized
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[userID]
	if !ok {
		return Identity{}, fmt.Errorf("%w: not found", ErrServer)
	}
	return acc.identity, nil
}

func (f *fakeRemote) UpdateUserProfile(ctx context.Context, id Identity) (Identity, error) {
	if _, ok := AccessTokenFromContext(ctx); !ok {
		return Identity{}, ErrNotAuthorized
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[id.ID]
	if !ok {
		return Identity{}, fmt.Errorf("%w: not found", ErrServer)
	}
	acc.identity.DisplayName = id.DisplayName
	acc.identity.CompanyID = id.CompanyID
	return acc.identity, nil
}

func (f *fakeRemote) DeleteUser(ctx context.Context, userID string) error {
	if _, ok := AccessTokenFromContext(ctx); !ok {
		return ErrNotAuthorized
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, userID)
	f.deleted = append(f.deleted, userID)
	return nil
}
