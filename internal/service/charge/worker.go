package charge

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultBatchSize      = 50
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

var (
	chargeTaskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchasing_charge_tasks_total",
		Help: "Total number of charge task executions grouped by result.",
	}, []string{"result"})
	chargeTaskPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchasing_charge_task_panics_total",
		Help: "Total number of panics recovered during charge task execution.",
	})
)

// Executor выполняет отложенное списание по задаче.
type Executor interface {
	ExecuteCharge(ctx context.Context, task domain.ChargeTask) error
}

// WorkerOptions задаёт параметры charge worker.
type WorkerOptions struct {
	Logger         *log.Entry
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithPollInterval задаёт частоту опроса очереди задач.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча задач.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток выполнения перед пометкой failed.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт базовый delay для exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.RetryBaseDelay = delay
	}
}

// Worker опрашивает транзакционную очередь задач на списание и выполняет их.
// Задача становится видимой только после commit транзакции, создавшей
// pending-попытку, поэтому списание никогда не опережает отправку.
type Worker struct {
	tasks          domain.ChargeTaskRepository
	executor       Executor
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewWorker создаёт charge worker.
func NewWorker(tasks domain.ChargeTaskRepository, executor Executor, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "charge-worker")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}

	return &Worker{
		tasks:          tasks,
		executor:       executor,
		logger:         logger,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

// Run запускает периодический polling очереди до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.tasks == nil || w.executor == nil {
		w.logger.Warn("charge worker is disabled: task repo or executor is nil")
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

// ProcessOnce выполняет один polling-цикл.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	tasks, err := w.tasks.PullPending(w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending charge tasks")
		return
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}

		if err := w.executeWithRetry(ctx, task); err != nil {
			w.logger.WithError(err).WithFields(log.Fields{
				"task_id":    task.ID,
				"attempt_id": task.AttemptID,
			}).Error("charge task failed after retries")
			chargeTaskResults.WithLabelValues("failed").Inc()

			// Попытка остаётся pending; её подберёт сверка зависших попыток.
			if markErr := w.tasks.MarkFailed(task.ID); markErr != nil {
				w.logger.WithError(markErr).WithField("task_id", task.ID).Warn("failed to mark charge task as failed")
			}
			continue
		}

		chargeTaskResults.WithLabelValues("done").Inc()
		if err := w.tasks.MarkDone(task.ID); err != nil {
			w.logger.WithError(err).WithField("task_id", task.ID).Warn("failed to mark charge task as done")
		}
	}
}

func (w *Worker) executeWithRetry(ctx context.Context, task domain.ChargeTask) error {
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.executeIsolated(ctx, task)
		if err == nil {
			return nil
		}
		lastErr = err
		chargeTaskResults.WithLabelValues("retry_error").Inc()

		if attempt >= w.maxAttempts {
			break
		}

		delay := w.retryBackoff(attempt)
		if delay <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("charge task failed after %d attempts: %w", w.maxAttempts, lastErr)
}

// executeIsolated выполняет задачу, превращая panic исполнителя в ошибку,
// чтобы одна отравленная задача не убивала воркер.
func (w *Worker) executeIsolated(ctx context.Context, task domain.ChargeTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			chargeTaskPanics.Inc()
			err = fmt.Errorf("charge task panicked: %v", r)
		}
	}()
	return w.executor.ExecuteCharge(ctx, task)
}

func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return w.retryBaseDelay
	}

	const maxDuration = time.Duration(1<<63 - 1)
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			return maxDuration
		}
		delay *= 2
	}
	return delay
}
