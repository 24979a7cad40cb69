package sessiontimer

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"clinikey.org/internal/audit"
	"clinikey.org/internal/identity"
	"clinikey.org/internal/kv"
	"clinikey.org/internal/vault"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExpirer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeExpirer) ExpireSession(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	return true, nil
}

func (f *fakeExpirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func TestExpiresExactlyAtTimeout(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	exp := &fakeExpirer{}
	tm := New(exp, WithClock(clock.Now))
	tm.Start("u1")

	clock.Advance(DefaultTimeout - time.Second)
	if st := tm.Check(ctx); st != StateActive {
		t.Fatalf("state=%s before timeout", st)
	}
	clock.Advance(time.Second)
	if st := tm.Check(ctx); st != StateExpired {
		t.Fatalf("state=%s at timeout", st)
	}
	if exp.count() != 1 || exp.calls[0] != "u1" {
		t.Fatalf("expirer calls=%v", exp.calls)
	}
	tm.Check(ctx)
	if exp.count() != 1 {
		t.Fatal("expired session handed off twice")
	}
}

func TestTouchPostponesExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	exp := &fakeExpirer{}
	tm := New(exp, WithClock(clock.Now))
	tm.Start("u1")

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Minute)
		tm.Touch()
		if st := tm.Check(ctx); st != StateActive {
			t.Fatalf("round %d: state=%s", i, st)
		}
	}
	if got := tm.Remaining(); got != DefaultTimeout {
		t.Fatalf("remaining=%s, want %s", got, DefaultTimeout)
	}
	if exp.count() != 0 {
		t.Fatal("expired despite activity")
	}
}

func TestTouchDoesNotReviveExpired(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tm := New(&fakeExpirer{}, WithClock(clock.Now))
	tm.Start("u1")
	clock.Advance(DefaultTimeout)
	tm.Check(ctx)

	tm.Touch()
	if st := tm.State(); st != StateExpired {
		t.Fatalf("state=%s after touch", st)
	}
	if tm.Remaining() != 0 {
		t.Fatal("expired session reports remaining time")
	}
	tm.Start("u1")
	if st := tm.State(); st != StateActive {
		t.Fatalf("state=%s after start", st)
	}
}

func TestWarningFiresOncePerIdleStretch(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	var warnings []time.Duration
	tm := New(&fakeExpirer{}, WithClock(clock.Now), WithWarning(2*time.Minute, func(_ string, left time.Duration) {
		warnings = append(warnings, left)
	}))
	tm.Start("u1")

	clock.Advance(13 * time.Minute)
	tm.Check(ctx)
	clock.Advance(30 * time.Second)
	tm.Check(ctx)
	if len(warnings) != 1 || warnings[0] != 2*time.Minute {
		t.Fatalf("warnings=%v", warnings)
	}

	tm.Touch()
	clock.Advance(14 * time.Minute)
	tm.Check(ctx)
	if len(warnings) != 2 {
		t.Fatalf("warning not re-armed by activity: %v", warnings)
	}
}

func TestIdleTimerDoesNothing(t *testing.T) {
	exp := &fakeExpirer{}
	tm := New(exp)
	if st := tm.Check(context.Background()); st != StateIdle {
		t.Fatalf("state=%s", st)
	}
	if exp.count() != 0 {
		t.Fatal("idle timer expired a session")
	}
}

func TestCheckIntervalIsCapped(t *testing.T) {
	tm := New(nil, WithCheckInterval(10*time.Minute))
	if tm.interval != MaxCheckInterval {
		t.Fatalf("interval=%s", tm.interval)
	}
}

func TestFollowTracksSessionChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm := New(&fakeExpirer{})
	states := make(chan identity.State)
	done := make(chan error, 1)
	go func() { done <- tm.Follow(ctx, states) }()

	states <- identity.State{Status: identity.StatusAuthenticated, Identity: identity.Identity{ID: "u1"}}
	states <- identity.State{Status: identity.StatusSignedOut}
	close(states)
	if err := <-done; err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if st := tm.State(); st != StateIdle {
		t.Fatalf("state=%s after sign out", st)
	}
}

func TestExpiryLogsOutThroughSession(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	secrets := vault.New(vault.NewMemBackend(), vault.WithBcryptCost(bcrypt.MinCost))
	trail := audit.New(store, nil)
	sess := identity.NewSession(nil, store, secrets, identity.WithAuditor(trail))
	guest := sess.LoginAsGuest(ctx)

	clock := newClock()
	expiredFor := ""
	tm := New(sess, WithClock(clock.Now), OnExpired(func(id string) { expiredFor = id }))
	tm.Start(guest.ID)
	clock.Advance(DefaultTimeout)
	tm.Check(ctx)

	if st := sess.State(); st.Status != identity.StatusSignedOut {
		t.Fatalf("session status=%s", st.Status)
	}
	if expiredFor != guest.ID {
		t.Fatalf("OnExpired got %q", expiredFor)
	}
	events, err := trail.Events(ctx)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Type != audit.EventSessionTimeout {
		t.Fatalf("events=%+v", events)
	}
}

func TestExpiryIgnoresNewerLogin(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	secrets := vault.New(vault.NewMemBackend(), vault.WithBcryptCost(bcrypt.MinCost))
	sess := identity.NewSession(nil, store, secrets)
	guest := sess.LoginAsGuest(ctx)

	clock := newClock()
	tm := New(sess, WithClock(clock.Now))
	tm.Start("someone-else")
	clock.Advance(DefaultTimeout)
	tm.Check(ctx)

	if cur, _ := sess.Current(); cur.ID != guest.ID {
		t.Fatalf("timer signed out the wrong identity, current=%q", cur.ID)
	}
}

func TestResumeExpiresSessionIdleAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	clock := newClock()
	New(&fakeExpirer{}, WithStore(store), WithClock(clock.Now)).Start("u1")

	clock.Advance(DefaultTimeout + time.Minute)
	exp := &fakeExpirer{}
	expiredFor := ""
	tm := New(exp, WithStore(store), WithClock(clock.Now), OnExpired(func(id string) { expiredFor = id }))
	if st := tm.Resume(ctx, "u1"); st != StateExpired {
		t.Fatalf("state=%s, want EXPIRED", st)
	}
	if exp.count() != 1 || expiredFor != "u1" {
		t.Fatalf("expirer calls=%d expiredFor=%q", exp.count(), expiredFor)
	}
}

func TestResumeContinuesIdleClock(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	clock := newClock()
	first := New(&fakeExpirer{}, WithStore(store), WithClock(clock.Now))
	first.Start("u1")
	clock.Advance(PersistInterval)
	first.Touch()

	clock.Advance(10 * time.Minute)
	tm := New(&fakeExpirer{}, WithStore(store), WithClock(clock.Now))
	if st := tm.Resume(ctx, "u1"); st != StateActive {
		t.Fatalf("state=%s", st)
	}
	if got := tm.Remaining(); got != 5*time.Minute {
		t.Fatalf("remaining=%s, want 5m", got)
	}
}

func TestResumeIgnoresAnotherUsersActivity(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	clock := newClock()
	New(nil, WithStore(store), WithClock(clock.Now)).Start("u1")

	clock.Advance(time.Hour)
	exp := &fakeExpirer{}
	tm := New(exp, WithStore(store), WithClock(clock.Now))
	if st := tm.Resume(ctx, "u2"); st != StateActive {
		t.Fatalf("state=%s", st)
	}
	if got := tm.Remaining(); got != DefaultTimeout {
		t.Fatalf("remaining=%s", got)
	}
	if exp.count() != 0 {
		t.Fatal("expired a user that was never idle")
	}
}

func TestTouchPersistsAtMostEveryInterval(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	clock := newClock()
	start := clock.Now()
	tm := New(nil, WithStore(store), WithClock(clock.Now))
	tm.Start("u1")

	stored := func() time.Time {
		t.Helper()
		var rec activity
		if err := kv.GetJSON(ctx, store, lastActivityKey, &rec); err != nil {
			t.Fatalf("GetJSON: %v", err)
		}
		return rec.At
	}
	clock.Advance(PersistInterval / 3)
	tm.Touch()
	if got := stored(); !got.Equal(start) {
		t.Fatalf("stored=%s, want %s", got, start)
	}
	clock.Advance(PersistInterval)
	tm.Touch()
	if got := stored(); !got.Equal(clock.Now()) {
		t.Fatalf("stored=%s, want %s", got, clock.Now())
	}

	tm.Stop()
	if _, err := store.Get(ctx, lastActivityKey); err != kv.ErrNotFound {
		t.Fatalf("Get after Stop err=%v", err)
	}
}

func TestTrackIgnoresSnapshotOfTrackedUser(t *testing.T) {
	clock := newClock()
	tm := New(nil, WithClock(clock.Now))
	u1 := identity.State{Status: identity.StatusAuthenticated, Identity: identity.Identity{ID: "u1"}}
	tm.Track(u1)
	clock.Advance(5 * time.Minute)
	tm.Track(u1)
	if got := tm.Remaining(); got != DefaultTimeout-5*time.Minute {
		t.Fatalf("remaining=%s", got)
	}
}
