package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/hustlexp/backend/internal/circuitbreaker"
	"github.com/hustlexp/backend/internal/config"
	"github.com/hustlexp/backend/internal/correction"
	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/flags"
	"github.com/hustlexp/backend/internal/locks"
	"github.com/hustlexp/backend/internal/metrics"
	"github.com/hustlexp/backend/internal/money"
	"github.com/hustlexp/backend/internal/notify"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/provider"
	"github.com/hustlexp/backend/internal/reaper"
	"github.com/hustlexp/backend/internal/task"
	"github.com/hustlexp/backend/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "optional YAML overlay for tuning knobs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	rt := database.NewRuntime(db, database.RuntimeOptions{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBase,
		MaxDelay:    cfg.RetryMax,
	})

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	lk := locks.NewServiceWithClient(rdb)

	m := metrics.New()
	fl := flags.NewStore(db)
	ob := outbox.NewStore(outbox.StoreOptions{MaxAttempts: cfg.OutboxMaxAttempts})

	pc := provider.NewGuarded(
		provider.NewHTTPClient(cfg.PaymentProviderURL, cfg.PaymentProviderKey),
		circuitbreaker.New(circuitbreaker.DefaultConfig("payment-provider")),
	)

	taskStore := task.NewStore()
	moneyStore := money.NewStore()
	taskMachine := task.NewMachine(rt, taskStore, ob, cfg.ProofDeadline)
	moneyMachine := money.NewMachine(rt, moneyStore, ob, lk, pc, fl)

	pool := worker.NewPool(rt, ob, m, cfg.OutboxWorkerCount)
	pool.Register(worker.NewXPAward(rt, moneyStore))
	pool.Register(worker.NewPayoutDispatch(rt, moneyStore, pc))
	pool.Register(worker.NewTrustReevaluate(rt))
	pool.Register(worker.NewNotifications(rt, notify.NewService(
		notify.NewGatewaySender(cfg.PushGatewayURL, cfg.PushGatewayKey), rdb)))

	engine := correction.NewEngine(rt, fl)
	pool.RegisterPeriodic(worker.NewProofExpiry(rt, taskStore, taskMachine, engine, cfg.ProofDeadline, time.Minute))
	pool.RegisterPeriodic(worker.NewCorrectionOutcomes(engine, time.Minute))

	go pool.Run(ctx)

	rp := reaper.New(rt, moneyStore, moneyMachine, ob, pc, fl, m, cfg.ReaperInterval)
	rp.Run(ctx)

	log.Println("worker shutting down")
}
