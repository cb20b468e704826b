package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

func TestGetRetryCount(t *testing.T) {
	consumer := &Consumer{
		logger: log.WithField("component", "kafka-consumer-test"),
	}

	tests := []struct {
		name     string
		headers  []*sarama.RecordHeader
		expected int
	}{
		{
			name:     "no headers",
			headers:  nil,
			expected: 0,
		},
		{
			name: "retry count header present",
			headers: []*sarama.RecordHeader{
				{Key: []byte(HeaderRetryCount), Value: []byte("2")},
			},
			expected: 2,
		},
		{
			name: "malformed retry count",
			headers: []*sarama.RecordHeader{
				{Key: []byte(HeaderRetryCount), Value: []byte("not-a-number")},
			},
			expected: 0,
		},
		{
			name: "unrelated headers only",
			headers: []*sarama.RecordHeader{
				{Key: []byte("x-trace-id"), Value: []byte("abc")},
			},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message := &sarama.ConsumerMessage{Headers: tt.headers}
			if got := consumer.getRetryCount(message); got != tt.expected {
				t.Errorf("expected retry count %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestParsePurchaseEvent(t *testing.T) {
	event := NewPurchaseEvent(
		EventTypePurchaseSucceeded,
		"attempt-123",
		"user-1",
		"succeeded",
		map[string]interface{}{"amount": float64(30000)},
	)

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	message := &sarama.ConsumerMessage{
		Topic: TopicPurchaseEvents,
		Value: data,
	}

	parsed, err := ParsePurchaseEvent(message)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}

	if parsed.EventType != EventTypePurchaseSucceeded {
		t.Errorf("expected event type %s, got %s", EventTypePurchaseSucceeded, parsed.EventType)
	}

	if parsed.AttemptID != "attempt-123" {
		t.Errorf("expected attempt id attempt-123, got %s", parsed.AttemptID)
	}

	if parsed.Metadata["amount"] != float64(30000) {
		t.Errorf("expected amount metadata 30000, got %v", parsed.Metadata["amount"])
	}
}

func TestParsePurchaseEvent_InvalidJSON(t *testing.T) {
	message := &sarama.ConsumerMessage{
		Topic: TopicPurchaseEvents,
		Value: []byte("{not json"),
	}

	if _, err := ParsePurchaseEvent(message); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestHandleMessageWithRetry_ReturnsErrorUnderLimit(t *testing.T) {
	calls := 0
	consumer := &Consumer{
		logger:     log.WithField("component", "kafka-consumer-test"),
		maxRetries: 3,
		handler: func(_ context.Context, _ *sarama.ConsumerMessage) error {
			calls++
			return errors.New("processing failed")
		},
	}

	message := &sarama.ConsumerMessage{
		Topic: TopicPurchaseEvents,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderRetryCount), Value: []byte("1")},
		},
	}

	// Лимит retry не исчерпан и DLQ producer не задан — ошибка возвращается вызывающему.
	if err := consumer.handleMessageWithRetry(context.Background(), message); err == nil {
		t.Fatal("expected error while retries remain")
	}

	if calls != 1 {
		t.Errorf("expected 1 handler call, got %d", calls)
	}
}

func TestConsumerOptions(t *testing.T) {
	consumer := &Consumer{maxRetries: defaultConsumerMaxRetries}

	WithConsumerMaxRetries(5)(consumer)
	if consumer.maxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", consumer.maxRetries)
	}

	WithConsumerMaxRetries(0)(consumer)
	if consumer.maxRetries != 5 {
		t.Errorf("non-positive max retries must be ignored, got %d", consumer.maxRetries)
	}

	producer := &Producer{}
	WithConsumerDLQ(producer)(consumer)
	if consumer.dlqProducer != producer {
		t.Error("expected dlq producer to be set")
	}
}

func TestHandleMessageWithRetry_ExhaustedPublishesToDLQ(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicDeadLetterQueue {
			t.Errorf("exhausted message must go to DLQ topic, got %s", msg.Topic)
		}

		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		if payload["original_topic"] != TopicPurchaseEvents {
			t.Errorf("unexpected original topic: %v", payload["original_topic"])
		}
		if payload["error_message"] != "processing failed" {
			t.Errorf("unexpected error message: %v", payload["error_message"])
		}
		return nil
	})

	consumer := &Consumer{
		logger:     log.WithField("component", "kafka-consumer-test"),
		maxRetries: 2,
		dlqProducer: &Producer{
			producer: mockProducer,
			logger:   log.WithField("component", "kafka-producer-test"),
		},
		handler: func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return errors.New("processing failed")
		},
	}

	message := &sarama.ConsumerMessage{
		Topic: TopicPurchaseEvents,
		Key:   []byte("attempt-123"),
		Value: []byte(`{"id":"evt-1"}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderRetryCount), Value: []byte("2")},
		},
	}

	// После исчерпания лимита сообщение уходит в DLQ и считается обработанным.
	if err := consumer.handleMessageWithRetry(context.Background(), message); err != nil {
		t.Fatalf("expected nil error after successful DLQ publish, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestHandleMessageWithRetry_ExhaustedWithoutDLQ(t *testing.T) {
	consumer := &Consumer{
		logger:     log.WithField("component", "kafka-consumer-test"),
		maxRetries: 2,
		handler: func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return errors.New("processing failed")
		},
	}

	message := &sarama.ConsumerMessage{
		Topic: TopicPurchaseEvents,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderRetryCount), Value: []byte("2")},
		},
	}

	if err := consumer.handleMessageWithRetry(context.Background(), message); err == nil {
		t.Fatal("expected error after retries exhausted without DLQ")
	}
}
