package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tempora.app/internal/config"
	"tempora.app/internal/vault"
)

// rotate-keys rewraps every workspace DEK from the previous master key to the
// current one. Run offline with both TEMPORA_MASTER_KEY and
// TEMPORA_MASTER_KEY_PREVIOUS set; field ciphertext is untouched, only the
// wrapped DEK rows change.
func main() {
	log.SetFlags(0)
	timeout := flag.Duration("timeout", 10*time.Minute, "overall batch timeout")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if len(cfg.MasterKeyPrevious) == 0 {
		log.Fatal("TEMPORA_MASTER_KEY_PREVIOUS is required for rotation")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	rotator, err := vault.NewRotator(vault.NewPGKeyStore(db), cfg.MasterKey, cfg.MasterKeyPrevious)
	if err != nil {
		log.Fatalf("rotator: %v", err)
	}

	report, err := rotator.Run(ctx)
	if err != nil {
		log.Fatalf("rotation: %v", err)
	}

	fmt.Printf("rotated: %d\n", report.Rotated)
	fmt.Printf("skipped: %d (already under current key)\n", report.Skipped)
	if len(report.Failed) > 0 {
		fmt.Printf("failed: %d\n", len(report.Failed))
		for workspaceID, ferr := range report.Failed {
			fmt.Printf("  %s: %v\n", workspaceID, ferr)
		}
		os.Exit(1)
	}
}
