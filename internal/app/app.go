package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/purchasing/internal/health"
	"github.com/vladislavdragonenkov/purchasing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/purchasing/internal/service/charge"
	"github.com/vladislavdragonenkov/purchasing/internal/service/idempotency"
	"github.com/vladislavdragonenkov/purchasing/internal/service/outbox"
	"github.com/vladislavdragonenkov/purchasing/internal/service/reconcile"
	transport "github.com/vladislavdragonenkov/purchasing/internal/transport/http"
	"github.com/vladislavdragonenkov/purchasing/internal/version"
)

func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// Инициализация Kafka producer (опционально)
	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(kafkaProducer, logger)

	orchestrator := createOrchestrator(deps, kafkaProducer, cfg)
	redemptions := createRedemptionEngine(deps, kafkaProducer)

	// Фоновые воркеры: списания, outbox relay, сверка зависших попыток,
	// чистка идемпотентных ключей.
	chargeWorker := charge.NewWorker(
		deps.Tasks,
		orchestrator,
		charge.WithLogger(logger.WithField("worker", "charge")),
		charge.WithPollInterval(cfg.ChargePollInterval),
	)
	go chargeWorker.Run(ctx)

	outboxOpts := []outbox.Option{
		outbox.WithLogger(logger.WithField("worker", "outbox")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
	}
	var outboxPublisher domain.OutboxPublisher
	if kafkaProducer != nil {
		outboxPublisher = kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicPurchaseEvents)
		outboxOpts = append(outboxOpts,
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicDeadLetterQueue)),
		)
	}
	outboxWorker := outbox.NewWorker(deps.Outbox, outboxPublisher, outboxOpts...)
	go outboxWorker.Run(ctx)

	reconcileWorker := reconcile.NewWorker(
		deps.Attempts,
		orchestrator,
		reconcile.WithLogger(logger.WithField("worker", "reconcile")),
		reconcile.WithPollInterval(cfg.ReconcilePollInterval),
		reconcile.WithStaleThreshold(cfg.SyncThreshold),
	)
	go reconcileWorker.Run(ctx)

	cleanupWorker := idempotency.NewCleanupWorker(
		deps.Idempotency,
		idempotency.WithLogger(logger.WithField("worker", "idempotency_cleanup")),
	)
	go cleanupWorker.Run(ctx)

	// HTTP Health checks
	healthHandler := healthcheck.NewHandler(version.String())
	deps.RegisterHealthChecks(healthHandler)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	handler := transport.NewHandler(
		orchestrator,
		redemptions,
		deps.Idempotency,
		logger.WithField("layer", "http"),
	)
	apiSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		errCh <- apiSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP API")
		shutdownHTTP(apiSrv, logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
