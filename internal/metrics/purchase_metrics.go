package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PurchaseMetrics содержит метрики жизненного цикла попыток покупки.
type PurchaseMetrics struct {
	// Счётчики операций
	attemptsSubmitted prometheus.Counter
	attemptsDeduped   prometheus.Counter
	attemptsSucceeded prometheus.Counter
	attemptsFailed    prometheus.Counter
	attemptsRefunded  prometheus.Counter
	attemptsSynced    prometheus.Counter
	redemptions       *prometheus.CounterVec

	// Гистограммы времени выполнения
	chargeDuration prometheus.Histogram
	submitDuration prometheus.Histogram

	// Счётчики событий timeline и outbox
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// Gauge для попыток в состоянии pending
	pendingAttempts prometheus.Gauge
}

// NewPurchaseMetrics создаёт новый экземпляр метрик покупок.
func NewPurchaseMetrics() *PurchaseMetrics {
	return newPurchaseMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newPurchaseMetricsWithRegisterer(registerer prometheus.Registerer) *PurchaseMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PurchaseMetrics{
		attemptsSubmitted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "purchasing_attempts_submitted_total",
			Help: "Total number of purchase attempts submitted",
		}),
		attemptsDeduped: registerCounter(registerer, prometheus.CounterOpts{
			Name: "purchasing_attempts_deduplicated_total",
			Help: "Total number of submissions answered with an existing pending attempt",
		}),
		attemptsSucceeded: registerCounter(registerer, prometheus.CounterOpts{
			Name: "purchasing_attempts_succeeded_total",
			Help: "Total number of purchase attempts that reached succeeded",
		}),
		attemptsFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "purchasing_attempts_failed_total",
			Help: "Total number of purchase attempts that reached failed",
		}),
		attemptsRefunded: registerCounter(registerer, prometheus.CounterOpts{
			Name: "purchasing_attempts_refunded_total",
			Help: "Total number of purchase attempts refunded",
		}),
		attemptsSynced: registerCounter(registerer, prometheus.CounterOpts{
			Name: "purchasing_attempts_synced_total",
			Help: "Total number of stale attempts reconciled against the processor",
		}),
		redemptions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "purchasing_redemptions_total",
			Help: "Total number of gift/invitation redemptions by kind",
		}, []string{"kind"}),
		chargeDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "purchasing_charge_duration_seconds",
			Help:    "Duration of deferred charge execution in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		submitDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "purchasing_submit_duration_seconds",
			Help:    "Duration of purchase submission in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "purchasing_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "purchasing_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		pendingAttempts: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "purchasing_pending_attempts",
			Help: "Number of purchase attempts currently pending",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordSubmitted увеличивает счётчик отправленных попыток.
func (m *PurchaseMetrics) RecordSubmitted() {
	m.attemptsSubmitted.Inc()
	m.pendingAttempts.Inc()
}

// RecordDeduplicated увеличивает счётчик дедуплицированных отправок.
func (m *PurchaseMetrics) RecordDeduplicated() {
	m.attemptsDeduped.Inc()
}

// RecordSucceeded фиксирует успешное завершение попытки.
func (m *PurchaseMetrics) RecordSucceeded() {
	m.attemptsSucceeded.Inc()
	m.pendingAttempts.Dec()
}

// RecordFailed фиксирует отклонённую попытку.
func (m *PurchaseMetrics) RecordFailed() {
	m.attemptsFailed.Inc()
	m.pendingAttempts.Dec()
}

// RecordRefunded увеличивает счётчик возвратов.
func (m *PurchaseMetrics) RecordRefunded() {
	m.attemptsRefunded.Inc()
}

// RecordSynced увеличивает счётчик сверок с процессором.
func (m *PurchaseMetrics) RecordSynced() {
	m.attemptsSynced.Inc()
}

// RecordRedemption увеличивает счётчик погашений по виду (gift|invitation).
func (m *PurchaseMetrics) RecordRedemption(kind string) {
	m.redemptions.WithLabelValues(kind).Inc()
}

// RecordChargeDuration записывает время выполнения отложенного списания.
func (m *PurchaseMetrics) RecordChargeDuration(duration time.Duration) {
	m.chargeDuration.Observe(duration.Seconds())
}

// RecordSubmitDuration записывает время обработки отправки.
func (m *PurchaseMetrics) RecordSubmitDuration(duration time.Duration) {
	m.submitDuration.Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *PurchaseMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *PurchaseMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
