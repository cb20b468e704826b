package redisidx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

const guardKeyPrefix = "purchasing:pending"

// NewClient открывает подключение к Redis и проверяет его ping-ом.
func NewClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// PendingGuard — быстрая преграда от конкурентных отправок пересекающихся
// наборов товаров поверх Redis SETNX: один ключ на каждую позицию заказа.
// Источник истины — транзакционный pending-индекс в базе; guard лишь гасит
// гонки до обращения к ней, а TTL страхует от потерянных Release.
type PendingGuard struct {
	client *redis.Client
}

// NewPendingGuard создаёт guard поверх готового клиента.
func NewPendingGuard(client *redis.Client) *PendingGuard {
	return &PendingGuard{client: client}
}

// Acquire пытается захватить ключ (user, item) для каждой позиции. Занятый
// ключ означает пересечение с другой отправкой: уже захваченные ключи
// откатываются, чтобы чужая позиция не осталась заблокированной.
func (g *PendingGuard) Acquire(ctx context.Context, userID string, itemIDs []string, ttl time.Duration) (bool, error) {
	taken := make([]string, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		acquired, err := g.client.SetNX(ctx, guardKey(userID, itemID), "1", ttl).Result()
		if err != nil {
			_ = g.Release(ctx, userID, taken)
			return false, fmt.Errorf("acquire pending guard: %w", err)
		}
		if !acquired {
			_ = g.Release(ctx, userID, taken)
			return false, nil
		}
		taken = append(taken, itemID)
	}
	return true, nil
}

// Release снимает захват после выхода попытки из pending.
func (g *PendingGuard) Release(ctx context.Context, userID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		keys = append(keys, guardKey(userID, itemID))
	}
	if err := g.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("release pending guard: %w", err)
	}
	return nil
}

func guardKey(userID, itemID string) string {
	return fmt.Sprintf("%s:%s:%s", guardKeyPrefix, userID, itemID)
}

var _ domain.PendingGuard = (*PendingGuard)(nil)
