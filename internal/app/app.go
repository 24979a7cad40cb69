// Package app wires the local authentication and audit subsystem from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"clinikey.org/internal/audit"
	"clinikey.org/internal/config"
	"clinikey.org/internal/devices"
	"clinikey.org/internal/identity"
	"clinikey.org/internal/kv"
	"clinikey.org/internal/obs"
	"clinikey.org/internal/remote"
	"clinikey.org/internal/sessiontimer"
	"clinikey.org/internal/vault"
)

// App holds the components of one device.
type App struct {
	Config   config.Config
	Metrics  *obs.Metrics
	Registry *prometheus.Registry

	Store    kv.Store
	Vault    *vault.Vault
	Devices  *devices.Store
	Remote   *remote.Client
	Audit    *audit.Trail
	Session  *identity.Session
	Timer    *sessiontimer.Timer
	Exporter *audit.Exporter

	closers []func() error
}

// Option configures Open.
type Option func(*options)

type options struct {
	dial      []grpc.DialOption
	warn      func(userID string, remaining time.Duration)
	expired   func(userID string)
	vaultOpts []vault.Option
}

// WithDialOptions replaces the default insecure transport used to reach the
// remote service.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dial = opts }
}

// WithWarning is called once per idle period before the session expires.
func WithWarning(fn func(userID string, remaining time.Duration)) Option {
	return func(o *options) { o.warn = fn }
}

// WithExpired is called after an inactive session was signed out.
func WithExpired(fn func(userID string)) Option {
	return func(o *options) { o.expired = fn }
}

// WithVaultOptions passes options to the secret vault.
func WithVaultOptions(opts ...vault.Option) Option {
	return func(o *options) { o.vaultOpts = opts }
}

// Open builds every component and restores the cached session.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	m, err := obs.NewMetrics(a.Registry)
	if err != nil {
		return nil, err
	}
	a.Metrics = m

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	backend, err := openVault(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Vault = vault.New(backend, o.vaultOpts...)
	a.Devices = devices.New(store, a.Vault, devices.WithMaxProfiles(cfg.Devices.MaxProfiles))

	client, err := remote.Dial(cfg.Remote.Target, o.dial, remote.WithTimeout(cfg.Remote.Timeout), remote.WithMetrics(m))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Remote = client
	a.closers = append(a.closers, client.Close)

	a.Audit = audit.New(store, client,
		audit.WithCapacity(cfg.Audit.Capacity),
		audit.WithSyncInterval(cfg.Audit.SyncInterval),
		audit.WithSyncRate(cfg.Audit.SyncPerMinute),
		audit.WithMetrics(m),
	)
	a.Session = identity.NewSession(client, store, a.Vault,
		identity.WithProfiles(a.Devices),
		identity.WithAuditor(a.Audit),
		identity.WithMetrics(m),
	)

	timerOpts := []sessiontimer.Option{
		sessiontimer.WithTimeout(cfg.Session.Timeout),
		sessiontimer.WithCheckInterval(cfg.Session.CheckInterval),
		sessiontimer.WithStore(store),
	}
	if o.warn != nil && cfg.Session.WarningBefore > 0 {
		timerOpts = append(timerOpts, sessiontimer.WithWarning(cfg.Session.WarningBefore, o.warn))
	}
	if o.expired != nil {
		timerOpts = append(timerOpts, sessiontimer.OnExpired(o.expired))
	}
	a.Timer = sessiontimer.New(a.Session, timerOpts...)
	a.Exporter = audit.NewExporter(client)

	st, err := a.Session.Restore(ctx)
	if err != nil {
		obs.Warn("app.restore_failed", map[string]any{"error": err.Error()})
	}
	if st.Status != identity.StatusSignedOut {
		a.Timer.Resume(ctx, st.Identity.ID)
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (kv.Store, error) {
	if cfg.Store.Driver == "memory" {
		return kv.NewMemStore(), nil
	}
	if cfg.Store.Driver == "sqlite" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("app: create data dir: %w", err)
		}
	}
	return kv.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
}

func openVault(cfg config.Config) (vault.Backend, error) {
	if cfg.Vault.Backend == "memory" {
		return vault.NewMemBackend(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Vault.Path), 0o700); err != nil {
		return nil, fmt.Errorf("app: create vault dir: %w", err)
	}
	return vault.NewFileBackend(cfg.Vault.Path, cfg.Vault.KeyPath), nil
}

// Run drives the audit sync loop and the inactivity timer until ctx is done.
func (a *App) Run(ctx context.Context) error {
	states, unsubscribe := a.Session.Subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Audit.Run(ctx) })
	g.Go(func() error { return a.Timer.Run(ctx) })
	g.Go(func() error { return a.Timer.Follow(ctx, states) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Touch records user activity for the inactivity timer, first bringing the
// timer in line with the current session.
func (a *App) Touch() {
	a.Timer.Track(a.Session.State())
	a.Timer.Touch()
}

// Export renders the signed-in user's data and records the export.
func (a *App) Export(ctx context.Context, opts audit.ExportOptions) (string, error) {
	actx, id, err := a.Session.Authorized(ctx)
	if err != nil {
		return "", err
	}
	out, err := a.Exporter.ExportAsText(actx, id.ID, opts)
	if err != nil {
		return "", err
	}
	if _, err := a.Audit.Record(ctx, audit.EventDataExported, id.ID, id.Email, audit.WithResource("export", "")); err != nil {
		obs.Warn("app.export.audit_failed", map[string]any{"error": err.Error()})
	}
	a.Touch()
	return out, nil
}

// Close releases the remote connection and the store. Unsynced audit events
// stay in the store for the next run.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
