package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"clinikey.org/internal/config"
	"clinikey.org/internal/kv"
)

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", os.Getenv("CLINIKEY_CONFIG"), "Path to TOML config")
		driver     = flag.String("driver", "", "Store driver (sqlite or pgx); overrides config")
		dsn        = flag.String("dsn", "", "Store DSN; overrides config")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	if cfg.Store.Driver == "memory" {
		log.Fatal("the memory store has no schema")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-driver sqlite|pgx] [-dsn DSN] [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr, err := kv.NewMigrator(db, cfg.Store.Driver)
	if err != nil {
		log.Fatalf("migrator: %v", err)
	}

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
