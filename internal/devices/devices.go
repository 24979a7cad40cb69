// Package devices keeps the most-recently-used list of users who have signed
// in on this device, independent of which account is currently active.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"clinikey.org/internal/kv"
)

// DefaultMaxProfiles is the number of profiles kept per device.
const DefaultMaxProfiles = 5

const profilesKey = "devices/profiles"

// ErrInvalidProfile is returned when a profile has no user id.
var ErrInvalidProfile = errors.New("devices: profile requires a user id")

// Profile records a user who has authenticated on this device.
type Profile struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// SecretEraser deletes every vault secret owned by a user.
type SecretEraser interface {
	DeleteUser(ctx context.Context, userID string) error
}

// Store persists profiles in the local key-value store.
type Store struct {
	kv      kv.Store
	secrets SecretEraser
	max     int

	mu sync.Mutex
}

// Option configures Store.
type Option func(*Store)

// WithMaxProfiles overrides DefaultMaxProfiles.
func WithMaxProfiles(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.max = n
		}
	}
}

// New returns a Store. secrets may be nil when no vault is attached.
func New(store kv.Store, secrets SecretEraser, opts ...Option) *Store {
	s := &Store{kv: store, secrets: secrets, max: DefaultMaxProfiles}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns profiles, most recent login first.
func (s *Store) List(ctx context.Context) ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Get returns the profile for userID.
func (s *Store) Get(ctx context.Context, userID string) (Profile, bool, error) {
	profiles, err := s.List(ctx)
	if err != nil {
		return Profile{}, false, err
	}
	for _, p := range profiles {
		if p.UserID == userID {
			return p, true, nil
		}
	}
	return Profile{}, false, nil
}

// Upsert inserts p or refreshes the existing entry for p.UserID, then trims
// the list to the configured maximum by evicting the oldest logins. Empty
// display fields on p keep the stored values.
func (s *Store) Upsert(ctx context.Context, p Profile) error {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return ErrInvalidProfile
	}
	if p.LastLoginAt.IsZero() {
		p.LastLoginAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.load(ctx)
	if err != nil {
		return err
	}
	merged := make([]Profile, 0, len(profiles)+1)
	for _, existing := range profiles {
		if existing.UserID != p.UserID {
			merged = append(merged, existing)
			continue
		}
		if p.Email == "" {
			p.Email = existing.Email
		}
		if p.DisplayName == "" {
			p.DisplayName = existing.DisplayName
		}
		if p.AvatarURL == "" {
			p.AvatarURL = existing.AvatarURL
		}
	}
	merged = append(merged, p)
	sortByRecency(merged)
	if len(merged) > s.max {
		merged = merged[:s.max]
	}
	return s.save(ctx, merged)
}

// Remove deletes the profile for userID and all of that user's vault secrets.
func (s *Store) Remove(ctx context.Context, userID string) error {
	s.mu.Lock()
	profiles, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	kept := profiles[:0]
	for _, p := range profiles {
		if p.UserID != userID {
			kept = append(kept, p)
		}
	}
	err = s.save(ctx, kept)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.secrets == nil {
		return nil
	}
	if err := s.secrets.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("devices: remove secrets: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) ([]Profile, error) {
	var profiles []Profile
	err := kv.GetJSON(ctx, s.kv, profilesKey, &profiles)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("devices: load: %w", err)
	}
	sortByRecency(profiles)
	return profiles, nil
}

func (s *Store) save(ctx context.Context, profiles []Profile) error {
	if err := kv.SetJSON(ctx, s.kv, profilesKey, profiles); err != nil {
		return fmt.Errorf("devices: save: %w", err)
	}
	return nil
}

func sortByRecency(profiles []Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].LastLoginAt.After(profiles[j].LastLoginAt)
	})
}
