package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"tempora.app/internal/audit"
	"tempora.app/internal/config"
	"tempora.app/internal/device"
	"tempora.app/internal/httpapi"
	"tempora.app/internal/mfa"
	"tempora.app/internal/obs"
	"tempora.app/internal/session"
	"tempora.app/internal/vault"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	crypto, err := vault.New(vault.NewPGKeyStore(db), cfg.MasterKey, cfg.IndexKey)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	auditor := audit.NewLogger(audit.NewPGStore(db))

	var deviceOpts []device.Option
	if len(cfg.DeviceSecretPrevious) > 0 {
		deviceOpts = append(deviceOpts, device.WithPreviousSecret(cfg.DeviceSecretPrevious))
	}
	ledger, err := device.NewLedger(device.NewPGStore(db), auditor, cfg.DeviceSecret, deviceOpts...)
	if err != nil {
		log.Fatalf("device ledger: %v", err)
	}

	store := mfa.NewPGStore(db)
	var limiter mfa.Limiter = mfa.NewPGLimiter(db)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = mfa.NewRedisLimiter(rdb)
		log.Printf("verification limiter backed by redis at %s", cfg.RedisAddr)
	}

	svc := mfa.NewService(store, store, store, limiter, crypto, ledger, auditor)

	sessions, err := session.NewVerifier(cfg.SessionSecret)
	if err != nil {
		log.Fatalf("session verifier: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Ready:    httpapi.ReadyProbe{DB: db},
		Sessions: sessions,
		MFA:      svc,
		Resolver: mfa.NewResolver(store, ledger),
		Devices:  ledger,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tempora-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if rdb != nil {
		_ = rdb.Close()
	}
	_ = db.Close()
	log.Println("Stopped")
}
