package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"clinikey.org/internal/config"
	"clinikey.org/internal/identityd"
	"clinikey.org/internal/kv"
	"clinikey.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log.SetFlags(0)
	configPath := flag.String("config", os.Getenv("CLINIKEY_CONFIG"), "Path to TOML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Server.TokenSecret == "" {
		log.Fatal("missing token secret: set server.token_secret or CLINIKEY_SERVER_TOKEN_SECRET")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := obs.RegisterBuildInfo(reg, version, commit); err != nil {
		log.Fatalf("register build info: %v", err)
	}
	m, err := obs.NewMetrics(reg)
	if err != nil {
		log.Fatalf("register metrics: %v", err)
	}

	var (
		store kv.Store
		ready identityd.ReadyProbe
	)
	switch cfg.Store.Driver {
	case "memory":
		store = kv.NewMemStore()
	default:
		if cfg.Store.Driver == "sqlite" {
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				log.Fatalf("create data dir: %v", err)
			}
		}
		sqlStore, err := kv.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer sqlStore.Close()
		store = sqlStore
		ready = func(ctx context.Context) error { return sqlStore.DB().PingContext(ctx) }
	}

	srv, err := identityd.NewServer(store, cfg.Server.TokenSecret,
		identityd.WithAccessTTL(cfg.Server.AccessTTL),
		identityd.WithRefreshTTL(cfg.Server.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("identity server: %v", err)
	}
	limiter := identityd.NewPeerLimiter(cfg.Server.LoginPerSec, cfg.Server.LoginBurst)
	go limiter.Run(ctx)

	gs, hs := identityd.NewGRPCServer(srv, limiter, m)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatalf("listen %s: %v", cfg.Server.GRPCAddr, err)
	}
	go func() {
		if err := gs.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	ops := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           identityd.OpsHandler(ready, reg, version),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ops listen: %v", err)
		}
	}()

	obs.Info("identityd.start", map[string]any{
		"version": version,
		"grpc":    cfg.Server.GRPCAddr,
		"http":    cfg.Server.HTTPAddr,
		"store":   cfg.Store.Driver,
	})

	<-ctx.Done()
	obs.Info("identityd.shutdown", nil)
	hs.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ops.Shutdown(shutdownCtx)

	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		gs.Stop()
	}
	obs.Info("identityd.stopped", nil)
}
