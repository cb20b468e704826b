package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchasing/internal/app"
	"github.com/vladislavdragonenkov/purchasing/internal/service/purchase"
	"github.com/vladislavdragonenkov/purchasing/internal/service/reconcile"
)

// options cmd/reconcile: разовый прогон по умолчанию, периодический режим
// для запуска рядом с сервисом на отдельной машине.
type options struct {
	once      bool
	interval  time.Duration
	threshold time.Duration
	batchSize int
}

func parseOptions(args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.BoolVar(&opts.once, "once", true, "run a single scan cycle and exit")
	fs.DurationVar(&opts.interval, "interval", 0, "scan interval in periodic mode (fallback: PURCHASE_RECONCILE_POLL_INTERVAL)")
	fs.DurationVar(&opts.threshold, "threshold", 0, "pending age after which an attempt counts as stale (fallback: PURCHASE_SYNC_THRESHOLD)")
	fs.IntVar(&opts.batchSize, "batch-size", 100, "maximum attempts per scan cycle")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.batchSize <= 0 {
		return options{}, fmt.Errorf("batch-size must be positive, got %d", opts.batchSize)
	}
	return opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fail("parse flags: %v", err)
	}

	// .env опционален.
	_ = godotenv.Load()

	cfg := app.ReadConfig()
	if cfg.PostgresDSN == "" {
		fail("PURCHASE_POSTGRES_DSN is required: reconciliation only makes sense on shared storage")
	}
	if opts.threshold > 0 {
		cfg.SyncThreshold = opts.threshold
	}
	if opts.interval > 0 {
		cfg.ReconcilePollInterval = opts.interval
	}

	logger := log.WithField("component", "reconcile-cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		fail("init dependencies: %v", err)
	}
	defer deps.Close()

	// События синхронизации попадают в outbox; их публикует outbox worker
	// основного сервиса, поэтому Kafka здесь не подключается.
	orchOpts := []purchase.Option{purchase.WithSyncThreshold(cfg.SyncThreshold)}
	if deps.Guard != nil {
		orchOpts = append(orchOpts, purchase.WithPendingGuard(deps.Guard))
	}
	orchestrator := purchase.NewOrchestrator(
		deps.Attempts,
		deps.Outbox,
		deps.Timeline,
		deps.Catalog,
		deps.Pricer,
		deps.Processors,
		deps.Logger,
		orchOpts...,
	)

	worker := reconcile.NewWorker(deps.Attempts, orchestrator,
		reconcile.WithLogger(logger),
		reconcile.WithPollInterval(cfg.ReconcilePollInterval),
		reconcile.WithStaleThreshold(cfg.SyncThreshold),
		reconcile.WithBatchSize(opts.batchSize),
	)

	if opts.once {
		worker.ProcessOnce(ctx)
		return
	}

	logger.WithField("interval", cfg.ReconcilePollInterval).Info("starting periodic reconciliation")
	worker.Run(ctx)
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
