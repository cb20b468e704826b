package reconcile

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

const (
	defaultPollInterval   = 30 * time.Second
	defaultBatchSize      = 100
	defaultStaleThreshold = 100 * time.Second
)

var (
	reconcileScans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchasing_reconcile_scans_total",
		Help: "Total number of stale pending attempt scan cycles.",
	})
	reconcileResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchasing_reconcile_attempts_total",
		Help: "Total number of stale attempt reconciliations grouped by result.",
	}, []string{"result"})
	reconcileStaleFound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "purchasing_reconcile_stale_pending",
		Help: "Number of stale pending attempts found in the last scan.",
	})
)

// Syncer приводит одну зависшую попытку к реальному состоянию процессора.
type Syncer interface {
	SyncIfStale(ctx context.Context, attemptID string, now time.Time) (domain.PurchaseAttempt, error)
}

// WorkerOptions задаёт параметры воркера сверки.
type WorkerOptions struct {
	Logger         *log.Entry
	PollInterval   time.Duration
	BatchSize      int
	StaleThreshold time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithPollInterval задаёт частоту сканирования зависших попыток.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт максимум попыток за один цикл.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithStaleThreshold задаёт возраст, после которого pending-попытка
// считается зависшей. Должен совпадать с порогом оркестратора.
func WithStaleThreshold(threshold time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.StaleThreshold = threshold
	}
}

// Worker периодически находит pending-попытки старше порога и сверяет их
// с процессором. Это страховка на случай потери результата списания:
// упавший charge worker, таймаут шлюза, рестарт сервиса.
type Worker struct {
	attempts       domain.AttemptRepository
	syncer         Syncer
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	staleThreshold time.Duration
}

// NewWorker создаёт воркер сверки зависших попыток.
func NewWorker(attempts domain.AttemptRepository, syncer Syncer, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		StaleThreshold: defaultStaleThreshold,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reconcile-worker")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = defaultStaleThreshold
	}

	return &Worker{
		attempts:       attempts,
		syncer:         syncer,
		logger:         logger,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		staleThreshold: opts.StaleThreshold,
	}
}

// Run запускает периодическую сверку до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.attempts == nil || w.syncer == nil {
		w.logger.Warn("reconcile worker is disabled: attempt repo or syncer is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл сверки.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := time.Now().UTC()
	reconcileScans.Inc()

	stale, err := w.attempts.ListStalePending(now.Add(-w.staleThreshold), w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to list stale pending attempts")
		return
	}
	reconcileStaleFound.Set(float64(len(stale)))
	if len(stale) == 0 {
		return
	}

	w.logger.WithField("count", len(stale)).Info("reconciling stale pending attempts")

	for _, attempt := range stale {
		if ctx.Err() != nil {
			return
		}

		resolved, err := w.syncer.SyncIfStale(ctx, attempt.ID, now)
		if err != nil {
			reconcileResults.WithLabelValues("error").Inc()
			w.logger.WithError(err).WithField("attempt_id", attempt.ID).Warn("failed to sync stale attempt")
			continue
		}

		if resolved.IsPending() {
			// Процессор ещё не знает об этом списании; попробуем в следующем цикле.
			reconcileResults.WithLabelValues("still_pending").Inc()
			continue
		}

		reconcileResults.WithLabelValues("resolved").Inc()
		w.logger.WithFields(log.Fields{
			"attempt_id": attempt.ID,
			"state":      resolved.State,
		}).Info("stale attempt resolved")
	}
}
