// Package sessiontimer expires idle sessions. One ticker drives every
// transition; activity only moves the last-activity timestamp.
package sessiontimer

import (
	"context"
	"errors"
	"sync"
	"time"

	"clinikey.org/internal/identity"
	"clinikey.org/internal/kv"
	"clinikey.org/internal/obs"
)

const (
	DefaultTimeout       = 15 * time.Minute
	DefaultWarningBefore = 2 * time.Minute
	// MaxCheckInterval keeps expiry detection within a minute of the deadline.
	MaxCheckInterval     = time.Minute
	DefaultCheckInterval = 30 * time.Second
	// PersistInterval bounds how often Touch writes last activity to the store.
	PersistInterval = 15 * time.Second

	lastActivityKey = "session/last_activity_at"
)

type activity struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// State of the tracked session.
type State int

const (
	StateIdle State = iota
	StateActive
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Expirer signs out a user whose session timed out. It must go through the
// same guard as explicit logins and ignore users that are no longer current.
type Expirer interface {
	ExpireSession(ctx context.Context, userID string) (bool, error)
}

// Timer tracks inactivity for at most one session.
type Timer struct {
	expirer    Expirer
	timeout    time.Duration
	warnBefore time.Duration
	interval   time.Duration
	now        func() time.Time
	onWarning  func(userID string, remaining time.Duration)
	onExpired  func(userID string)
	store      kv.Store

	mu           sync.Mutex
	persistedAt  time.Time
	userID       string
	state        State
	lastActivity time.Time
	warned       bool
}

// Option configures Timer.
type Option func(*Timer)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithCheckInterval sets the ticker period, capped at MaxCheckInterval.
func WithCheckInterval(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.interval = min(d, MaxCheckInterval)
		}
	}
}

// WithWarning calls fn once per idle stretch when less than before remains.
func WithWarning(before time.Duration, fn func(userID string, remaining time.Duration)) Option {
	return func(t *Timer) {
		t.warnBefore = before
		t.onWarning = fn
	}
}

// OnExpired calls fn after an expired session was handed to the Expirer.
func OnExpired(fn func(userID string)) Option {
	return func(t *Timer) {
		t.onExpired = fn
	}
}

// WithStore persists last activity so Resume can continue the idle clock
// after a restart.
func WithStore(s kv.Store) Option {
	return func(t *Timer) {
		t.store = s
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(t *Timer) {
		if fn != nil {
			t.now = fn
		}
	}
}

// New returns an idle Timer.
func New(expirer Expirer, opts ...Option) *Timer {
	t := &Timer{
		expirer:    expirer,
		timeout:    DefaultTimeout,
		warnBefore: DefaultWarningBefore,
		interval:   DefaultCheckInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins tracking a freshly authenticated session.
func (t *Timer) Start(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = userID
	t.state = StateActive
	t.lastActivity = t.now()
	t.warned = false
	t.persistLocked()
	obs.Info("session.timer.start", map[string]any{"user_id": userID, "timeout": t.timeout.String()})
}

// Resume tracks a session restored from disk. The idle clock continues from
// the persisted last activity of userID, so a session that sat idle past the
// timeout while the process was down expires here. Without a persisted
// record Resume behaves like Start.
func (t *Timer) Resume(ctx context.Context, userID string) State {
	last, ok := t.loadActivity(ctx, userID)
	if !ok {
		t.Start(userID)
		return StateActive
	}
	t.mu.Lock()
	t.userID = userID
	t.state = StateActive
	t.lastActivity = last
	t.persistedAt = last
	t.warned = false
	t.mu.Unlock()
	obs.Info("session.timer.resume", map[string]any{"user_id": userID, "last_activity": last.UTC().Format(time.RFC3339)})
	return t.Check(ctx)
}

// Stop forgets the tracked session, for example after an explicit logout.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = ""
	t.state = StateIdle
	t.warned = false
	if t.store != nil {
		if err := t.store.Delete(context.Background(), lastActivityKey); err != nil {
			obs.Warn("session.timer.clear_failed", map[string]any{"error": err.Error()})
		}
	}
}

// Touch records user activity. It has no effect unless the session is
// Active; an expired session only comes back through Start.
func (t *Timer) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return
	}
	t.lastActivity = t.now()
	t.warned = false
	if t.lastActivity.Sub(t.persistedAt) >= PersistInterval {
		t.persistLocked()
	}
}

func (t *Timer) persistLocked() {
	if t.store == nil {
		return
	}
	rec := activity{UserID: t.userID, At: t.lastActivity.UTC()}
	if err := kv.SetJSON(context.Background(), t.store, lastActivityKey, rec); err != nil {
		obs.Warn("session.timer.persist_failed", map[string]any{"user_id": t.userID, "error": err.Error()})
		return
	}
	t.persistedAt = t.lastActivity
}

func (t *Timer) loadActivity(ctx context.Context, userID string) (time.Time, bool) {
	if t.store == nil {
		return time.Time{}, false
	}
	var rec activity
	err := kv.GetJSON(ctx, t.store, lastActivityKey, &rec)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			obs.Warn("session.timer.load_failed", map[string]any{"error": err.Error()})
		}
		return time.Time{}, false
	}
	if rec.UserID != userID || rec.At.IsZero() {
		return time.Time{}, false
	}
	return rec.At, true
}

// State returns the current state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Remaining returns the time left before expiry, or 0 when not Active.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return 0
	}
	if left := t.timeout - t.now().Sub(t.lastActivity); left > 0 {
		return left
	}
	return 0
}

// Check evaluates the deadline once. Run calls it on every tick.
func (t *Timer) Check(ctx context.Context) State {
	t.mu.Lock()
	if t.state != StateActive {
		st := t.state
		t.mu.Unlock()
		return st
	}
	idle := t.now().Sub(t.lastActivity)
	userID := t.userID
	if idle >= t.timeout {
		t.state = StateExpired
		t.mu.Unlock()
		t.expire(ctx, userID, idle)
		return StateExpired
	}
	var warn func(string, time.Duration)
	remaining := t.timeout - idle
	if t.onWarning != nil && !t.warned && remaining <= t.warnBefore {
		t.warned = true
		warn = t.onWarning
	}
	t.mu.Unlock()

	if warn != nil {
		obs.Info("session.timer.warning", map[string]any{"user_id": userID, "remaining": remaining.String()})
		warn(userID, remaining)
	}
	return StateActive
}

func (t *Timer) expire(ctx context.Context, userID string, idle time.Duration) {
	obs.Info("session.timer.expired", map[string]any{"user_id": userID, "idle": idle.String()})
	if t.expirer != nil {
		expired, err := t.expirer.ExpireSession(ctx, userID)
		if err != nil {
			obs.Error("session.timer.logout_failed", map[string]any{"user_id": userID, "error": err.Error()})
		} else if !expired {
			obs.Info("session.timer.superseded", map[string]any{"user_id": userID})
		}
	}
	if t.onExpired != nil {
		t.onExpired(userID)
	}
}

// Run checks the deadline on every tick until ctx is done.
func (t *Timer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Check(ctx)
		}
	}
}

// Follow applies Track to every session change until ctx is done.
func (t *Timer) Follow(ctx context.Context, states <-chan identity.State) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				return nil
			}
			t.Track(st)
		}
	}
}

// Track keeps the timer in step with a session snapshot. A newly current
// identity starts a fresh Active period and signing out stops tracking. A
// snapshot of the user already tracked is not activity and changes nothing.
func (t *Timer) Track(st identity.State) {
	if st.Status == identity.StatusSignedOut {
		if t.State() != StateIdle {
			t.Stop()
		}
		return
	}
	t.mu.Lock()
	same := t.state == StateActive && t.userID == st.Identity.ID
	t.mu.Unlock()
	if same {
		return
	}
	t.Start(st.Identity.ID)
}
