package redemption

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
	"github.com/vladislavdragonenkov/purchasing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/purchasing/internal/metrics"
)

// Engine выполняет погашение подарков и приглашений: проверяет код, атомарно
// изменяет запись-пул и создаёт связанную успешную попытку без списания.
type Engine interface {
	RedeemInvitation(ctx context.Context, userID, code, purchasableID string) (domain.PurchaseAttempt, error)
	RedeemGift(ctx context.Context, userID, code, chosenItem string) (domain.PurchaseAttempt, error)
}

type engine struct {
	attempts      domain.AttemptRepository
	catalog       domain.Catalog
	outbox        domain.OutboxRepository
	timeline      domain.TimelineRepository
	logger        *log.Entry
	metrics       *metrics.PurchaseMetrics
	kafkaProducer *kafka.Producer
}

// Option настраивает Engine.
type Option func(*engine)

// WithKafka подключает прямую публикацию событий погашений в Kafka.
func WithKafka(producer *kafka.Producer) Option {
	return func(e *engine) { e.kafkaProducer = producer }
}

// WithoutMetrics отключает метрики (для тестов).
func WithoutMetrics() Option {
	return func(e *engine) { e.metrics = nil }
}

// NewEngine создаёт механизм погашений.
func NewEngine(
	attempts domain.AttemptRepository,
	catalog domain.Catalog,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	logger *log.Entry,
	opts ...Option,
) Engine {
	if logger == nil {
		logger = log.New().WithField("component", "redemption")
	}
	e := &engine{
		attempts: attempts,
		catalog:  catalog,
		outbox:   outbox,
		timeline: timeline,
		logger:   logger,
		metrics:  metrics.NewPurchaseMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RedeemInvitation погашает код приглашения: уменьшает ёмкость пула,
// записывает потребителя и создаёт связанную успешную попытку. Все проверки
// повторяются внутри optimistic-retry, поэтому ёмкость N даёт ровно N погашений.
func (e *engine) RedeemInvitation(ctx context.Context, userID, code, purchasableID string) (domain.PurchaseAttempt, error) {
	pool, err := e.attempts.GetByCode(code)
	if err != nil {
		return domain.PurchaseAttempt{}, err
	}
	if pool.Invitation == nil {
		return domain.PurchaseAttempt{}, domain.ErrAttemptNotFound
	}
	if !pool.HasSucceeded() {
		// Погашать можно только оплаченный пул.
		return domain.PurchaseAttempt{}, domain.ErrInvalidStateTransition
	}
	if !pool.Order.Contains(purchasableID) {
		return domain.PurchaseAttempt{}, domain.ErrWrongPurchasable
	}

	now := time.Now().UTC()
	if err := e.persist(&pool, func(a *domain.PurchaseAttempt) error {
		if a.Invitation == nil {
			return domain.ErrAttemptNotFound
		}
		if !a.Invitation.ExpiresAt.IsZero() && now.After(a.Invitation.ExpiresAt) {
			return domain.ErrInvitationExpired
		}
		if a.Invitation.HasConsumer(userID) {
			return domain.ErrInvitationAlreadyAccepted
		}
		if a.Invitation.Capacity <= 0 {
			return domain.ErrInvitationCapacityExceeded
		}
		a.Invitation.Capacity--
		a.Invitation.Consumers = append(a.Invitation.Consumers, userID)
		a.UpdatedAt = now
		return nil
	}); err != nil {
		return domain.PurchaseAttempt{}, err
	}

	linked, err := e.createLinkedAttempt(userID, &pool, purchasableID, now)
	if err != nil {
		return domain.PurchaseAttempt{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordRedemption("invitation")
	}
	e.logger.WithFields(log.Fields{
		"pool_id":    pool.ID,
		"attempt_id": linked.ID,
		"user_id":    userID,
		"capacity":   pool.Invitation.Capacity,
	}).Info("invitation redeemed")

	e.emitEvent(&pool, string(kafka.EventTypeInvitationRedeemed), map[string]interface{}{
		"user_id":            userID,
		"linked_attempt_id":  linked.ID,
		"remaining_capacity": pool.Invitation.Capacity,
		"ts":                 now.Format(time.RFC3339Nano),
	})
	e.publishEvent(kafka.EventTypeInvitationRedeemed, &pool, map[string]interface{}{
		"user_id":           userID,
		"linked_attempt_id": linked.ID,
	})

	return linked, nil
}

// RedeemGift погашает подарочный код. Код, оказавшийся приглашением,
// пробрасывается в RedeemInvitation (исторические «подарки по ссылке»).
// Подарок одноразовый; для choice bundle получатель выбирает конкретную позицию.
func (e *engine) RedeemGift(ctx context.Context, userID, code, chosenItem string) (domain.PurchaseAttempt, error) {
	gift, err := e.attempts.GetByCode(code)
	if err != nil {
		return domain.PurchaseAttempt{}, err
	}
	if gift.Invitation != nil {
		return e.RedeemInvitation(ctx, userID, code, chosenItem)
	}
	if gift.Gift == nil {
		return domain.PurchaseAttempt{}, domain.ErrAttemptNotFound
	}
	if !gift.HasSucceeded() {
		return domain.PurchaseAttempt{}, domain.ErrInvalidStateTransition
	}
	if gift.Gift.Redeemed {
		return domain.PurchaseAttempt{}, domain.ErrGiftAlreadyRedeemed
	}

	items, err := e.resolveGiftItems(&gift, chosenItem)
	if err != nil {
		return domain.PurchaseAttempt{}, err
	}

	now := time.Now().UTC()
	linkedID := uuid.NewString()
	if err := e.persist(&gift, func(a *domain.PurchaseAttempt) error {
		if a.Gift == nil {
			return domain.ErrAttemptNotFound
		}
		if a.Gift.Redeemed {
			return domain.ErrGiftAlreadyRedeemed
		}
		a.Gift.Redeemed = true
		a.Gift.RedeemedAttemptID = linkedID
		a.UpdatedAt = now
		return nil
	}); err != nil {
		return domain.PurchaseAttempt{}, err
	}

	linked, err := e.createLinkedAttemptWithID(linkedID, userID, &gift, items, now)
	if err != nil {
		return domain.PurchaseAttempt{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordRedemption("gift")
	}
	e.logger.WithFields(log.Fields{
		"gift_id":    gift.ID,
		"attempt_id": linked.ID,
		"user_id":    userID,
		"items":      linked.Order.PurchasableIDs(),
	}).Info("gift redeemed")

	e.emitEvent(&gift, string(kafka.EventTypeGiftRedeemed), map[string]interface{}{
		"user_id":           userID,
		"linked_attempt_id": linked.ID,
		"items":             linked.Order.PurchasableIDs(),
		"ts":                now.Format(time.RFC3339Nano),
	})
	e.publishEvent(kafka.EventTypeGiftRedeemed, &gift, map[string]interface{}{
		"user_id":           userID,
		"linked_attempt_id": linked.ID,
	})

	return linked, nil
}

// resolveGiftItems определяет, какие позиции достанутся получателю. Для подарка
// с choice bundle выбор обязателен и должен входить в состав bundle; для любого
// другого подарка выбор не предусмотрен, и получатель забирает весь набор.
func (e *engine) resolveGiftItems(gift *domain.PurchaseAttempt, chosenItem string) ([]domain.PurchaseItem, error) {
	ids := gift.Order.PurchasableIDs()
	if len(ids) == 1 {
		purchasable, err := e.catalog.Get(ids[0])
		if err == nil && purchasable.ChoiceBundle {
			if chosenItem == "" || !purchasable.IsBundleMember(chosenItem) {
				return nil, domain.ErrInvalidRedeemableItem
			}
			return []domain.PurchaseItem{{PurchasableID: chosenItem, Qty: 1}}, nil
		}
	}

	if chosenItem != "" {
		return nil, domain.ErrInvalidRedeemableItem
	}

	items := make([]domain.PurchaseItem, len(gift.Order.Items))
	copy(items, gift.Order.Items)
	return items, nil
}

func (e *engine) createLinkedAttempt(userID string, pool *domain.PurchaseAttempt, purchasableID string, now time.Time) (domain.PurchaseAttempt, error) {
	items := []domain.PurchaseItem{{PurchasableID: purchasableID, Qty: 1}}
	return e.createLinkedAttemptWithID(uuid.NewString(), userID, pool, items, now)
}

// createLinkedAttemptWithID создаёт успешную попытку-результат погашения.
// Списания нет: пул уже оплачен создателем.
func (e *engine) createLinkedAttemptWithID(id, userID string, pool *domain.PurchaseAttempt, items []domain.PurchaseItem, now time.Time) (domain.PurchaseAttempt, error) {
	notified := now
	linked := domain.PurchaseAttempt{
		ID:           id,
		Code:         uuid.NewString(),
		UserID:       userID,
		Kind:         domain.AttemptKindDirect,
		Order:        domain.NewPurchaseOrder(items, ""),
		Processor:    pool.Processor,
		State:        domain.AttemptStateSucceeded,
		Synced:       true,
		NotifiedAt:   &notified,
		LinkedFromID: pool.ID,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.attempts.Create(linked); err != nil {
		e.logger.WithError(err).WithField("pool_id", pool.ID).Error("create linked attempt failed")
		return domain.PurchaseAttempt{}, err
	}
	return linked, nil
}

// persist применяет мутацию с retry по version conflict, перечитывая свежую
// версию пула перед каждой повторной попыткой.
func (e *engine) persist(attempt *domain.PurchaseAttempt, mutate func(a *domain.PurchaseAttempt) error) error {
	const maxRetries = 3
	const baseDelay = 10 * time.Millisecond

	current := *attempt
	for try := 0; try < maxRetries; try++ {
		if err := mutate(&current); err != nil {
			return err
		}

		if err := e.attempts.Save(current); err != nil {
			if domain.IsVersionConflict(err) && try < maxRetries-1 {
				e.logger.WithFields(log.Fields{
					"attempt_id": current.ID,
					"try":        try + 1,
				}).Warn("version conflict detected, retrying")

				fresh, loadErr := e.attempts.Get(current.ID)
				if loadErr != nil {
					return loadErr
				}
				current = fresh

				time.Sleep(baseDelay * time.Duration(1<<uint(try)))
				continue
			}
			return err
		}

		current.Version++
		*attempt = current
		return nil
	}

	return domain.ErrAttemptVersionConflict
}

func (e *engine) emitEvent(attempt *domain.PurchaseAttempt, eventType string, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["attempt_id"] = attempt.ID
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.WithError(err).WithField("event", eventType).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: "purchase",
		AggregateID:   attempt.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := e.outbox.Enqueue(msg); err != nil {
		e.logger.WithError(err).WithField("event", eventType).Error("enqueue event failed")
	} else if e.metrics != nil {
		e.metrics.RecordOutboxEvent()
	}

	if e.timeline != nil {
		occurred := time.Now().UTC()
		if ts, ok := payload["ts"].(string); ok {
			if parsed, parseErr := time.Parse(time.RFC3339Nano, ts); parseErr == nil {
				occurred = parsed
			}
		}
		event := domain.TimelineEvent{
			AttemptID: attempt.ID,
			Type:      eventType,
			Occurred:  occurred,
		}
		if err := e.timeline.Append(event); err != nil {
			e.logger.WithError(err).WithField("event", eventType).Warn("append timeline event failed")
		} else if e.metrics != nil {
			e.metrics.RecordTimelineEvent()
		}
	}
}

func (e *engine) publishEvent(eventType kafka.EventType, attempt *domain.PurchaseAttempt, metadata map[string]interface{}) {
	if e.kafkaProducer == nil {
		return
	}
	event := kafka.NewPurchaseEvent(eventType, attempt.ID, attempt.UserID, string(attempt.State), metadata)
	if err := e.kafkaProducer.PublishEvent(kafka.TopicPurchaseEvents, attempt.ID, event); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"event_type": eventType,
			"attempt_id": attempt.ID,
		}).Warn("failed to publish redemption event to kafka")
	}
}

var _ Engine = (*engine)(nil)
