package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/hustlexp/backend/internal/api"
	"github.com/hustlexp/backend/internal/circuitbreaker"
	"github.com/hustlexp/backend/internal/config"
	"github.com/hustlexp/backend/internal/correction"
	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/events"
	"github.com/hustlexp/backend/internal/flags"
	"github.com/hustlexp/backend/internal/ledger"
	"github.com/hustlexp/backend/internal/locks"
	"github.com/hustlexp/backend/internal/metrics"
	"github.com/hustlexp/backend/internal/money"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/provider"
	"github.com/hustlexp/backend/internal/realtime"
	"github.com/hustlexp/backend/internal/reaper"
	"github.com/hustlexp/backend/internal/service"
	"github.com/hustlexp/backend/internal/storage"
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

	lk, err := locks.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer lk.Close()

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
	signer := storage.NewSigner(cfg.StorageBaseURL, []byte(cfg.StorageSigningSecret))

	hub := realtime.NewHub()

	// The realtime fanout queue drains in this process because the
	// sockets live here; every other queue belongs to cmd/worker.
	var bus events.Emitter
	if cfg.PubSubProject != "" {
		psb, err := events.NewPubSubBus(cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			log.Fatalf("pubsub: %v", err)
		}
		defer psb.Close()
		bus = psb
	}
	fanout := worker.NewPool(rt, ob, m, 1)
	fanout.Register(worker.NewRealtimeFanout(hub, bus))
	go fanout.Run(ctx)

	srv := api.NewServer(api.ServerOptions{
		Runtime:       rt,
		Tasks:         service.NewTaskService(rt, taskMachine, taskStore, moneyMachine, signer),
		Admin:         service.NewAdminService(rt, taskMachine, taskStore, moneyMachine),
		Money:         moneyMachine,
		Audit:         ledger.NewMoneyAuditStore(),
		Corrections:   correction.NewEngine(rt, fl),
		Reaper:        reaper.New(rt, moneyStore, moneyMachine, ob, pc, fl, m, cfg.ReaperInterval),
		Flags:         fl,
		Outbox:        ob,
		Hub:           hub,
		WebhookSecret: cfg.WebhookSecret,
	})
	if err := srv.Start(cfg.Port); err != nil {
		log.Fatalf("server: %v", err)
	}
}
