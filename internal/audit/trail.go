// Package audit implements the append-only, incrementally synced trail of
// security events. Events are kept in a bounded local log and uploaded in
// batches after a persisted cursor; delivery is at-least-once and the
// remote side deduplicates on event id.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"clinikey.org/internal/ids"
	"clinikey.org/internal/kv"
	"clinikey.org/internal/obs"
)

const (
	// DefaultCapacity bounds the local log; older events are dropped first.
	DefaultCapacity     = 1000
	DefaultSyncInterval = 5 * time.Minute

	eventsKey = "audit/events"
	cursorKey = "audit/cursor"
)

var (
	ErrInvalidEvent = errors.New("audit: invalid event")
	ErrNoUploader   = errors.New("audit: no uploader configured")
)

// Uploader delivers a batch of events to the remote service. It must be
// idempotent on Event.ID.
type Uploader interface {
	UploadAuditBatch(ctx context.Context, events []Event) error
}

// Trail records events and syncs them.
type Trail struct {
	store      kv.Store
	uploader   Uploader
	capacity   int
	interval   time.Duration
	deviceInfo string
	now        func() time.Time
	metrics    *obs.Metrics
	limiter    *rate.Limiter

	// mu serializes appends and guards the cached log and cursor.
	mu     sync.Mutex
	loaded bool
	events []Event
	cursor string
	lastTS time.Time

	// syncMu admits one upload at a time; Sync skips when it is held.
	syncMu sync.Mutex

	nudge chan struct{}
	wake  chan struct{}
}

// Option configures Trail.
type Option func(*Trail)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(t *Trail) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithSyncInterval sets the period of the Run loop.
func WithSyncInterval(d time.Duration) Option {
	return func(t *Trail) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithSyncRate limits how often Record-triggered syncs run inside Run.
func WithSyncRate(perMinute int) Option {
	return func(t *Trail) {
		if perMinute > 0 {
			t.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		}
	}
}

// WithDeviceInfo overrides the device description stamped on events.
func WithDeviceInfo(info string) Option {
	return func(t *Trail) {
		t.deviceInfo = info
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *obs.Metrics) Option {
	return func(t *Trail) {
		t.metrics = m
	}
}

// New returns a Trail persisting to store and uploading through uploader.
// uploader may be nil for hosts that only record locally.
func New(store kv.Store, uploader Uploader, opts ...Option) *Trail {
	t := &Trail{
		store:      store,
		uploader:   uploader,
		capacity:   DefaultCapacity,
		interval:   DefaultSyncInterval,
		deviceInfo: DeviceInfo(),
		now:        time.Now,
		limiter:    rate.NewLimiter(rate.Every(10*time.Second), 1),
		nudge:      make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends an event and schedules a sync. It never performs network
// I/O; the returned error only reports invalid input or a local store failure.
func (t *Trail) Record(ctx context.Context, eventType EventType, userID, userEmail string, opts ...RecordOption) (Event, error) {
	if !eventType.Valid() {
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, eventType)
	}
	now := t.now().UTC()
	ev := Event{
		UserID:     strings.TrimSpace(userID),
		UserEmail:  strings.TrimSpace(userEmail),
		Type:       eventType,
		Timestamp:  now,
		DeviceInfo: t.deviceInfo,
	}
	for _, opt := range opts {
		opt(&ev)
	}

	t.mu.Lock()
	if err := t.ensureLoadedLocked(ctx); err != nil {
		t.mu.Unlock()
		obs.Error("audit.record.failed", map[string]any{"type": string(eventType), "error": err.Error()})
		return Event{}, err
	}
	// Ids must sort in append order even if the wall clock steps back.
	idTime := now
	if idTime.Before(t.lastTS) {
		idTime = t.lastTS
	}
	ev.ID = ids.NewAt(idTime)
	if n := len(t.events); n > 0 && ev.ID <= t.events[n-1].ID {
		// Same millisecond as an id from an earlier process.
		idTime = idTime.Add(time.Millisecond)
		ev.ID = ids.NewAt(idTime)
	}
	t.lastTS = idTime

	t.events = append(t.events, ev)
	evicted := t.trimLocked()
	err := kv.SetJSON(ctx, t.store, eventsKey, t.events)
	pending := t.pendingLocked()
	t.mu.Unlock()

	if err != nil {
		obs.Error("audit.persist.failed", map[string]any{"type": string(eventType), "error": err.Error()})
		return ev, fmt.Errorf("audit: persist: %w", err)
	}
	if evicted > 0 {
		obs.Warn("audit.evicted.unsynced", map[string]any{"count": evicted})
		t.metrics.AuditEvictedUnsynced(evicted)
	}
	t.metrics.AuditRecorded(string(eventType))
	t.metrics.AuditPending(pending)

	select {
	case t.nudge <- struct{}{}:
	default:
	}
	return ev, nil
}

// Events returns a copy of the local log in append order.
func (t *Trail) Events(ctx context.Context) ([]Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out, nil
}

// Pending returns the number of events after the sync cursor.
func (t *Trail) Pending(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(ctx); err != nil {
		return 0, err
	}
	return t.pendingLocked(), nil
}

// Cursor returns the id of the last acknowledged event, or "".
func (t *Trail) Cursor(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(ctx); err != nil {
		return "", err
	}
	return t.cursor, nil
}

// Sync uploads every event after the cursor and advances the cursor on
// success. A call made while another sync is in flight returns immediately.
func (t *Trail) Sync(ctx context.Context) error {
	if !t.syncMu.TryLock() {
		return nil
	}
	defer t.syncMu.Unlock()
	return t.syncLocked(ctx)
}

// ForceSync forgets the cursor and uploads the whole local log. It waits for
// an in-flight sync instead of coalescing with it.
func (t *Trail) ForceSync(ctx context.Context) error {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()

	t.mu.Lock()
	if err := t.ensureLoadedLocked(ctx); err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.store.Delete(ctx, cursorKey); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("audit: clear cursor: %w", err)
	}
	t.cursor = ""
	t.mu.Unlock()

	obs.Info("audit.cursor.cleared", nil)
	return t.syncLocked(ctx)
}

func (t *Trail) syncLocked(ctx context.Context) error {
	t.mu.Lock()
	if err := t.ensureLoadedLocked(ctx); err != nil {
		t.mu.Unlock()
		return err
	}
	batch := t.unsyncedLocked()
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if t.uploader == nil {
		return ErrNoUploader
	}
	if err := t.uploader.UploadAuditBatch(ctx, batch); err != nil {
		obs.Warn("audit.sync.failed", map[string]any{"batch": len(batch), "error": err.Error()})
		t.metrics.AuditSynced("failed", len(batch))
		return fmt.Errorf("audit: upload: %w", err)
	}

	last := batch[len(batch)-1].ID
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := kv.SetJSON(ctx, t.store, cursorKey, last); err != nil {
		obs.Error("audit.cursor.persist.failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("audit: persist cursor: %w", err)
	}
	t.cursor = last
	pending := t.pendingLocked()
	t.metrics.AuditSynced("ok", pending)
	obs.Info("audit.sync.ok", map[string]any{"batch": len(batch), "pending": pending})
	return nil
}

// Notify requests a sync from the Run loop, for example on a foreground or
// background transition. It never blocks.
func (t *Trail) Notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run syncs every sync interval, on Notify and, subject to the sync rate
// limit, after Record. It returns when ctx is done.
func (t *Trail) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.syncQuietly(ctx)
		case <-t.wake:
			t.syncQuietly(ctx)
		case <-t.nudge:
			if t.limiter.Allow() {
				t.syncQuietly(ctx)
			}
		}
	}
}

// Failures are already logged by Sync and retried on the next trigger.
func (t *Trail) syncQuietly(ctx context.Context) {
	_ = t.Sync(ctx)
}

func (t *Trail) ensureLoadedLocked(ctx context.Context) error {
	if t.loaded {
		return nil
	}
	var events []Event
	if err := kv.GetJSON(ctx, t.store, eventsKey, &events); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("audit: load events: %w", err)
	}
	var cursor string
	if err := kv.GetJSON(ctx, t.store, cursorKey, &cursor); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("audit: load cursor: %w", err)
	}
	t.events = events
	t.cursor = cursor
	if n := len(events); n > 0 {
		t.lastTS = events[n-1].Timestamp
		if idTime, err := ids.Time(events[n-1].ID); err == nil && idTime.After(t.lastTS) {
			t.lastTS = idTime
		}
	}
	t.loaded = true
	t.trimLocked()
	return nil
}

// trimLocked drops the oldest events beyond capacity and returns how many of
// them had not been synced yet.
func (t *Trail) trimLocked() int {
	over := len(t.events) - t.capacity
	if over <= 0 {
		return 0
	}
	synced := t.cursorIndexLocked() + 1
	unsynced := over - synced
	if unsynced < 0 {
		unsynced = 0
	}
	kept := make([]Event, t.capacity)
	copy(kept, t.events[over:])
	t.events = kept
	return unsynced
}

func (t *Trail) cursorIndexLocked() int {
	if t.cursor == "" {
		return -1
	}
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].ID == t.cursor {
			return i
		}
	}
	return -1
}

// unsyncedLocked returns the events strictly after the cursor. A cursor that
// is no longer in the log (evicted or from a reset store) resends everything.
func (t *Trail) unsyncedLocked() []Event {
	start := t.cursorIndexLocked() + 1
	out := make([]Event, len(t.events)-start)
	copy(out, t.events[start:])
	return out
}

func (t *Trail) pendingLocked() int {
	return len(t.events) - (t.cursorIndexLocked() + 1)
}
