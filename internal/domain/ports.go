package domain

import (
	"context"
	"time"
)

// PaymentProcessor описывает взаимодействие с платёжным бэкендом. Оркестратор
// различает процессоры только по ключу в каталоге и никогда — по имени в логике.
type PaymentProcessor interface {
	// Name возвращает ключ процессора в таблице способностей.
	Name() string
	// CreateToken токенизирует платёжное средство.
	CreateToken(ctx context.Context, details CardDetails) (Token, error)
	// Charge списывает сумму. Ключ дедупликации выводится из attemptID, поэтому
	// повторный вызов для той же попытки не создаёт второго списания.
	Charge(ctx context.Context, attemptID, token string, amountMinor int64, currency string, metadata map[string]string) (Charge, error)
	// Refund возвращает средства по списанию. amountMinor <= 0 — полный возврат.
	Refund(ctx context.Context, chargeID string, amountMinor int64) (RefundReceipt, error)
	// Sync запрашивает у шлюза авторитетный статус попытки. ErrChargeNotFound
	// трактуется вызывающим как «ещё pending, повторить позже».
	Sync(ctx context.Context, attemptID string) (StatusUpdate, error)
	// GetPaymentCharge возвращает чек для генерации инвойса.
	GetPaymentCharge(ctx context.Context, attempt *PurchaseAttempt) (Charge, error)
}

// Catalog отдаёт записи каталога purchasable.
type Catalog interface {
	// Get возвращает запись по идентификатору или ErrInvalidPurchasable.
	Get(id string) (Purchasable, error)
	// All возвращает все записи каталога; withPrivate включает непубличные.
	All(withPrivate bool) []Purchasable
}

// Pricer считает цену заказа для конкретного процессора.
type Pricer interface {
	// PriceItem считает цену одной позиции с опциональным купоном.
	PriceItem(purchasableID string, qty int32, couponCode string) (PricingResult, error)
	// Evaluate считает поитемную разбивку и суммы по всему заказу.
	Evaluate(order PurchaseOrder) (PricingResults, error)
}

// PendingGuard — быстрая (необязательная) преграда от параллельных отправок
// пересекающихся наборов товаров. Источник истины — транзакционный
// pending-индекс репозитория; guard лишь срезает гонки до обращения к базе.
type PendingGuard interface {
	// Acquire пытается захватить ключи (user, item) для каждой позиции.
	// false — хотя бы один ключ занят; частичный захват откатывается.
	Acquire(ctx context.Context, userID string, itemIDs []string, ttl time.Duration) (bool, error)
	// Release снимает захват после выхода попытки из pending.
	Release(ctx context.Context, userID string, itemIDs []string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла попытки.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(attemptID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// TimelineEvent описывает событие в жизненном цикле попытки покупки.
type TimelineEvent struct {
	AttemptID string
	Type      string
	Reason    string
	Occurred  time.Time
}
