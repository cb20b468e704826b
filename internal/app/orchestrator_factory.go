package app

import (
	"github.com/vladislavdragonenkov/purchasing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/purchasing/internal/service/purchase"
	"github.com/vladislavdragonenkov/purchasing/internal/service/redemption"
)

// createOrchestrator создаёт purchase orchestrator с или без Kafka в
// зависимости от наличия kafka producer.
func createOrchestrator(
	deps *Dependencies,
	kafkaProducer *kafka.Producer,
	cfg Config,
) purchase.Orchestrator {
	opts := []purchase.Option{
		purchase.WithSyncThreshold(cfg.SyncThreshold),
	}
	if kafkaProducer != nil {
		opts = append(opts, purchase.WithKafka(kafkaProducer))
	}
	if deps.Guard != nil {
		opts = append(opts, purchase.WithPendingGuard(deps.Guard))
	}

	return purchase.NewOrchestrator(
		deps.Attempts,
		deps.Outbox,
		deps.Timeline,
		deps.Catalog,
		deps.Pricer,
		deps.Processors,
		deps.Logger,
		opts...,
	)
}

// createRedemptionEngine создаёт механизм погашений поверх тех же хранилищ.
func createRedemptionEngine(
	deps *Dependencies,
	kafkaProducer *kafka.Producer,
) redemption.Engine {
	var opts []redemption.Option
	if kafkaProducer != nil {
		opts = append(opts, redemption.WithKafka(kafkaProducer))
	}

	return redemption.NewEngine(
		deps.Attempts,
		deps.Catalog,
		deps.Outbox,
		deps.Timeline,
		deps.Logger,
		opts...,
	)
}
