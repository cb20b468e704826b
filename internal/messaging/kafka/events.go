package kafka

import "time"

// EventType определяет тип события
type EventType string

const (
	// События жизненного цикла покупки
	EventTypePurchaseSubmitted EventType = "purchase.submitted"
	EventTypePurchaseSucceeded EventType = "purchase.succeeded"
	EventTypePurchaseFailed    EventType = "purchase.failed"
	EventTypePurchaseRefunded  EventType = "purchase.refunded"

	// События погашений
	EventTypeGiftRedeemed       EventType = "gift.redeemed"
	EventTypeInvitationRedeemed EventType = "invitation.redeemed"
)

// Topics для Kafka
const (
	TopicPurchaseEvents  = "purchasing.purchase.events"
	TopicDeadLetterQueue = "purchasing.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// PurchaseEvent представляет событие попытки покупки
type PurchaseEvent struct {
	EventType EventType              `json:"event_type"`
	AttemptID string                 `json:"attempt_id"`
	UserID    string                 `json:"user_id,omitempty"`
	State     string                 `json:"state,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewPurchaseEvent создает новое событие попытки покупки
func NewPurchaseEvent(eventType EventType, attemptID, userID, state string, metadata map[string]interface{}) *PurchaseEvent {
	return &PurchaseEvent{
		EventType: eventType,
		AttemptID: attemptID,
		UserID:    userID,
		State:     state,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
}
