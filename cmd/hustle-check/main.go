package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/hustlexp/backend/internal/config"
	"github.com/hustlexp/backend/internal/database"
)

// Pre-flight diagnostic: verifies every collaborator the kernel needs
// before traffic is allowed in. Run it after deploys and before lifting
// the money kill switch.

type check struct {
	Name string
	Test func(ctx context.Context, cfg *config.Config) error
}

func main() {
	fmt.Println("HustleXP Kernel Pre-Flight Diagnostic")
	fmt.Println("-------------------------------------")

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checks := []check{
		{"Postgres (schema + triggers)", checkPostgres},
		{"Redis (lock service)", checkRedis},
		{"Payment provider API", checkProvider},
		{"Outbox backlog", checkOutbox},
		{"Money kill switch", checkKillSwitch},
	}

	failed := 0
	for _, c := range checks {
		fmt.Printf("Checking %-30s ", c.Name+"...")
		if err := c.Test(ctx, cfg); err != nil {
			failed++
			fmt.Println("[FAIL]")
			fmt.Printf("  >> %v\n", err)
		} else {
			fmt.Println("[OK]")
		}
	}

	fmt.Println("-------------------------------------")
	if failed > 0 {
		fmt.Printf("%d check(s) failed. Do not route traffic.\n", failed)
		os.Exit(1)
	}
	fmt.Println("All checks passed. System ready.")
}

func checkPostgres(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// The invariant triggers are the load-bearing part of the schema;
	// their absence means migrations never ran here.
	var n int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pg_trigger
		WHERE tgname IN ('money_guard', 'xp_append_only', 'trust_append_only',
			'money_audit_append_only', 'state_log_append_only')`).Scan(&n)
	if err != nil {
		return err
	}
	if n < 5 {
		return fmt.Errorf("only %d of 5 invariant triggers installed", n)
	}
	return nil
}

func checkRedis(ctx context.Context, cfg *config.Config) error {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	return rdb.Ping(ctx).Err()
}

func checkProvider(ctx context.Context, cfg *config.Config) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.PaymentProviderURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.PaymentProviderKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	return nil
}

func checkOutbox(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var dead int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE status = 'dead'`).Scan(&dead); err != nil {
		return err
	}
	if dead > 0 {
		return fmt.Errorf("%d dead-lettered events need replay or burial", dead)
	}
	return nil
}

func checkKillSwitch(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var value string
	err = db.QueryRowContext(ctx,
		`SELECT value FROM system_flags WHERE name = 'money_paused'`).Scan(&value)
	if err != nil {
		// No row means the switch was never thrown.
		return nil
	}
	if value == "on" {
		return fmt.Errorf("money movement is paused; run the unpause check before lifting")
	}
	return nil
}
