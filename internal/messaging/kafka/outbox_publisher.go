package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

// PurchaseEventEnvelope — формат сообщения в топике событий покупок.
// Его же ожидает cmd/dlq-reprocess при replay.
type PurchaseEventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	if topic == "" {
		topic = TopicPurchaseEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

// Publish оборачивает outbox-сообщение в конверт и отправляет его в Kafka.
// Ключ партиционирования — ID попытки покупки, чтобы события одной попытки
// читались в порядке записи.
func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	envelope := PurchaseEventEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	}

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal purchase event envelope: %w", err)
	}

	return p.producer.PublishRaw(p.topic, key, encoded)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
