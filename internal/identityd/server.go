// Package identityd implements the identity service consumed by
// internal/remote: accounts with bcrypt passwords and federated links,
// HS256 access tokens with rotating refresh tokens, audit batch intake
// deduplicated by event id, and the per-user records offered for export.
// State lives in a kv.Store so the daemon can run on SQLite or Postgres.
package identityd

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"clinikey.org/internal/audit"
	"clinikey.org/internal/identity"
	"clinikey.org/internal/ids"
	"clinikey.org/internal/kv"
	"clinikey.org/internal/obs"
	"clinikey.org/internal/remote"
)

const (
	usersPrefix     = "users/"
	emailsPrefix    = "emails/"
	federatedPrefix = "federated/"
	refreshPrefix   = "refresh/"
	auditPrefix     = "audit/"
	recordsPrefix   = "records/"

	deviceAuditOwner = "_device"
)

// Record categories served for export.
const (
	CategoryClients  = "clients"
	CategoryAnalyses = "analyses"
)

var _ remote.Server = (*Server)(nil)

type userRecord struct {
	Identity       identity.Identity `json:"identity"`
	PasswordHash   string            `json:"password_hash,omitempty"`
	ProviderUserID string            `json:"provider_user_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Server implements remote.Server.
type Server struct {
	store  kv.Store
	issuer *Issuer
	cost   int
	now    func() time.Time

	// mu serializes read-modify-write sequences on the store.
	mu sync.Mutex
}

// Option configures Server.
type Option func(*options)

type options struct {
	accessTTL  time.Duration
	refreshTTL time.Duration
	cost       int
	now        func() time.Time
}

// WithAccessTTL overrides DefaultAccessTTL.
func WithAccessTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides DefaultRefreshTTL.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.refreshTTL = ttl
		}
	}
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(o *options) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			o.cost = cost
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

// NewServer returns a Server persisting to store and signing with secret.
func NewServer(store kv.Store, secret string, opts ...Option) (*Server, error) {
	o := options{cost: bcrypt.DefaultCost, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	iss, err := NewIssuer(secret, o.accessTTL, o.refreshTTL, o.now)
	if err != nil {
		return nil, err
	}
	return &Server{store: store, issuer: iss, cost: o.cost, now: o.now}, nil
}

// Issuer exposes the token issuer for interceptors.
func (s *Server) Issuer() *Issuer { return s.issuer }

func (s *Server) Login(ctx context.Context, in *remote.LoginRequest) (*identity.AuthResult, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, status.Error(codes.Unauthenticated, "invalid credentials")
	}
	rec, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		return nil, internal(err)
	}
	if err := VerifyPassword(rec.PasswordHash, in.Password); err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid credentials")
	}
	return s.mint(ctx, rec.Identity)
}

func (s *Server) CreateUser(ctx context.Context, in *remote.LoginRequest) (*identity.AuthResult, error) {
	email := normalizeEmail(in.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, status.Error(codes.InvalidArgument, "invalid email")
	}
	if len(in.Password) < MinPasswordLength {
		return nil, status.Errorf(codes.InvalidArgument, "password must be at least %d characters", MinPasswordLength)
	}
	hash, err := HashPassword(in.Password, s.cost)
	if err != nil {
		return nil, internal(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.store.Get(ctx, emailsPrefix+email); err == nil {
		return nil, status.Error(codes.AlreadyExists, "email already registered")
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, internal(err)
	}
	rec := userRecord{
		Identity:     identity.Identity{ID: ids.New(), Email: email, Provider: identity.ProviderPassword},
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.putUser(ctx, rec); err != nil {
		return nil, internal(err)
	}
	if err := kv.SetJSON(ctx, s.store, emailsPrefix+email, rec.Identity.ID); err != nil {
		return nil, internal(err)
	}
	obs.Info("identityd.user.created", map[string]any{"user_id": rec.Identity.ID, "email": obs.MaskEmail(email)})
	return s.mintLocked(ctx, rec.Identity)
}

func (s *Server) CreateOrLoginFederated(ctx context.Context, in *remote.FederatedRequest) (*identity.AuthResult, error) {
	pid := strings.TrimSpace(in.ProviderUserID)
	if pid == "" {
		return nil, status.Error(codes.Unauthenticated, "provider user id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var userID string
	err := kv.GetJSON(ctx, s.store, federatedPrefix+pid, &userID)
	switch {
	case err == nil:
		rec, err := s.user(ctx, userID)
		if err != nil {
			return nil, internal(err)
		}
		return s.mintLocked(ctx, rec.Identity)
	case !errors.Is(err, kv.ErrNotFound):
		return nil, internal(err)
	}

	rec := userRecord{
		Identity: identity.Identity{
			ID:          ids.New(),
			Email:       normalizeEmail(in.Email),
			DisplayName: strings.TrimSpace(in.DisplayName),
			Provider:    identity.ProviderFederated,
		},
		ProviderUserID: pid,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.putUser(ctx, rec); err != nil {
		return nil, internal(err)
	}
	if err := kv.SetJSON(ctx, s.store, federatedPrefix+pid, rec.Identity.ID); err != nil {
		return nil, internal(err)
	}
	obs.Info("identityd.user.federated", map[string]any{"user_id": rec.Identity.ID})
	return s.mintLocked(ctx, rec.Identity)
}

// RefreshAccessToken rotates the refresh token: the presented one is revoked
// and a new pair is issued.
func (s *Server) RefreshAccessToken(ctx context.Context, in *remote.RefreshRequest) (*identity.Tokens, error) {
	tokenID, secret, err := splitRefreshToken(in.RefreshToken)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var rec refreshRecord
	if err := kv.GetJSON(ctx, s.store, refreshPrefix+tokenID, &rec); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, status.Error(codes.Unauthenticated, "invalid refresh token")
		}
		return nil, internal(err)
	}
	if s.now().After(rec.ExpiresAt) || !secureCompareHash(rec.TokenHash, secret) {
		_ = s.store.Delete(ctx, refreshPrefix+tokenID)
		return nil, status.Error(codes.Unauthenticated, "invalid refresh token")
	}
	user, err := s.user(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, status.Error(codes.Unauthenticated, "account no longer exists")
		}
		return nil, internal(err)
	}
	if err := s.store.Delete(ctx, refreshPrefix+tokenID); err != nil {
		return nil, internal(err)
	}
	res, err := s.mintLocked(ctx, user.Identity)
	if err != nil {
		return nil, err
	}
	return &res.Tokens, nil
}

func (s *Server) FetchUser(ctx context.Context, in *remote.UserRequest) (*identity.Identity, error) {
	if err := requireSubject(ctx, in.UserID); err != nil {
		return nil, err
	}
	rec, err := s.user(ctx, in.UserID)
	if err != nil {
		return nil, notFoundOr(err, "user")
	}
	return &rec.Identity, nil
}

// UpdateUserProfile changes the display name and company. The first user
// to claim a company becomes its admin.
func (s *Server) UpdateUserProfile(ctx context.Context, in *identity.Identity) (*identity.Identity, error) {
	if err := requireSubject(ctx, in.ID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.user(ctx, in.ID)
	if err != nil {
		return nil, notFoundOr(err, "user")
	}
	rec.Identity.DisplayName = strings.TrimSpace(in.DisplayName)
	company := strings.TrimSpace(in.CompanyID)
	if company != rec.Identity.CompanyID {
		claimed, err := s.companyClaimed(ctx, company)
		if err != nil {
			return nil, internal(err)
		}
		rec.Identity.CompanyID = company
		rec.Identity.IsCompanyAdmin = company != "" && !claimed
	}
	if err := s.putUser(ctx, rec); err != nil {
		return nil, internal(err)
	}
	return &rec.Identity, nil
}

func (s *Server) DeleteUser(ctx context.Context, in *remote.UserRequest) (*remote.Empty, error) {
	if err := requireSubject(ctx, in.UserID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.user(ctx, in.UserID)
	if err != nil {
		return nil, notFoundOr(err, "user")
	}
	keys := []string{usersPrefix + in.UserID}
	if rec.Identity.Email != "" && rec.PasswordHash != "" {
		keys = append(keys, emailsPrefix+rec.Identity.Email)
	}
	if rec.ProviderUserID != "" {
		keys = append(keys, federatedPrefix+rec.ProviderUserID)
	}
	refresh, err := s.refreshKeysFor(ctx, in.UserID)
	if err != nil {
		return nil, internal(err)
	}
	keys = append(keys, refresh...)
	for _, k := range keys {
		if err := s.store.Delete(ctx, k); err != nil {
			return nil, internal(err)
		}
	}
	obs.Info("identityd.user.deleted", map[string]any{"user_id": in.UserID, "revoked": len(refresh)})
	return &remote.Empty{}, nil
}

// UploadAuditBatch stores events keyed by owner and id; resent events are
// counted as duplicates and left untouched.
func (s *Server) UploadAuditBatch(ctx context.Context, in *remote.AuditBatchRequest) (*remote.AuditBatchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out remote.AuditBatchResponse
	for _, ev := range in.Events {
		if ev.ID == "" || !ev.Type.Valid() {
			return nil, status.Errorf(codes.InvalidArgument, "invalid audit event %q", ev.ID)
		}
		owner := ev.UserID
		if owner == "" {
			owner = deviceAuditOwner
		}
		key := auditPrefix + owner + "/" + ev.ID
		if _, err := s.store.Get(ctx, key); err == nil {
			out.Duplicates++
			continue
		} else if !errors.Is(err, kv.ErrNotFound) {
			return nil, internal(err)
		}
		if err := kv.SetJSON(ctx, s.store, key, ev); err != nil {
			return nil, internal(err)
		}
		out.Accepted++
	}
	return &out, nil
}

func (s *Server) FetchAuditEvents(ctx context.Context, in *remote.UserRequest) (*remote.AuditEventsResponse, error) {
	if err := requireSubject(ctx, in.UserID); err != nil {
		return nil, err
	}
	keys, err := s.store.Keys(ctx, auditPrefix+in.UserID+"/")
	if err != nil {
		return nil, internal(err)
	}
	events := make([]audit.Event, 0, len(keys))
	for _, k := range keys {
		var ev audit.Event
		if err := kv.GetJSON(ctx, s.store, k, &ev); err != nil {
			return nil, internal(err)
		}
		events = append(events, ev)
	}
	return &remote.AuditEventsResponse{Events: events}, nil
}

func (s *Server) FetchClients(ctx context.Context, in *remote.UserRequest) (*remote.RecordsResponse, error) {
	return s.records(ctx, in.UserID, CategoryClients)
}

func (s *Server) FetchAnalyses(ctx context.Context, in *remote.UserRequest) (*remote.RecordsResponse, error) {
	return s.records(ctx, in.UserID, CategoryAnalyses)
}

// PutRecord stores an exportable record owned by userID.
func (s *Server) PutRecord(ctx context.Context, userID, category, recordID string, fields audit.Fields) error {
	if userID == "" || recordID == "" {
		return errors.New("identityd: user and record id required")
	}
	switch category {
	case CategoryClients, CategoryAnalyses:
	default:
		return fmt.Errorf("identityd: unknown category %q", category)
	}
	out := audit.Fields{"id": recordID}
	for k, v := range fields {
		out[k] = v
	}
	return kv.SetJSON(ctx, s.store, recordsPrefix+userID+"/"+category+"/"+recordID, out)
}

func (s *Server) records(ctx context.Context, userID, category string) (*remote.RecordsResponse, error) {
	if err := requireSubject(ctx, userID); err != nil {
		return nil, err
	}
	keys, err := s.store.Keys(ctx, recordsPrefix+userID+"/"+category+"/")
	if err != nil {
		return nil, internal(err)
	}
	records := make([]audit.Fields, 0, len(keys))
	for _, k := range keys {
		var f audit.Fields
		if err := kv.GetJSON(ctx, s.store, k, &f); err != nil {
			return nil, internal(err)
		}
		records = append(records, f)
	}
	return &remote.RecordsResponse{Records: records}, nil
}

func (s *Server) mint(ctx context.Context, id identity.Identity) (*identity.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintLocked(ctx, id)
}

func (s *Server) mintLocked(ctx context.Context, id identity.Identity) (*identity.AuthResult, error) {
	access, exp, err := s.issuer.SignAccess(id.ID, id.Provider)
	if err != nil {
		return nil, internal(err)
	}
	refresh, rec, err := s.issuer.newRefresh(id.ID)
	if err != nil {
		return nil, internal(err)
	}
	if err := kv.SetJSON(ctx, s.store, refreshPrefix+rec.ID, rec); err != nil {
		return nil, internal(err)
	}
	return &identity.AuthResult{
		Identity: id,
		Tokens:   identity.Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp},
	}, nil
}

func (s *Server) user(ctx context.Context, userID string) (userRecord, error) {
	var rec userRecord
	if strings.TrimSpace(userID) == "" {
		return rec, kv.ErrNotFound
	}
	err := kv.GetJSON(ctx, s.store, usersPrefix+userID, &rec)
	return rec, err
}

func (s *Server) userByEmail(ctx context.Context, email string) (userRecord, error) {
	var userID string
	if err := kv.GetJSON(ctx, s.store, emailsPrefix+email, &userID); err != nil {
		return userRecord{}, err
	}
	return s.user(ctx, userID)
}

func (s *Server) putUser(ctx context.Context, rec userRecord) error {
	return kv.SetJSON(ctx, s.store, usersPrefix+rec.Identity.ID, rec)
}

func (s *Server) companyClaimed(ctx context.Context, company string) (bool, error) {
	if company == "" {
		return false, nil
	}
	keys, err := s.store.Keys(ctx, usersPrefix)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		var rec userRecord
		if err := kv.GetJSON(ctx, s.store, k, &rec); err != nil {
			return false, err
		}
		if rec.Identity.CompanyID == company {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) refreshKeysFor(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.store.Keys(ctx, refreshPrefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		var rec refreshRecord
		if err := kv.GetJSON(ctx, s.store, k, &rec); err != nil {
			return nil, err
		}
		if rec.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func requireSubject(ctx context.Context, userID string) error {
	caller, ok := identity.IdentityFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "access token required")
	}
	if caller.ID != strings.TrimSpace(userID) {
		return status.Error(codes.PermissionDenied, "not allowed for this user")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, kv.ErrNotFound) {
		return status.Errorf(codes.NotFound, "%s not found", what)
	}
	return internal(err)
}

func internal(err error) error {
	obs.Error("identityd.internal", map[string]any{"error": err.Error()})
	return status.Error(codes.Internal, "internal error")
}
