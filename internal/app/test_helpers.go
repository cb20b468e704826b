package app

import (
	"time"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

// newTestAttempt создаёт тестовую попытку покупки для использования в тестах.
func newTestAttempt() domain.PurchaseAttempt {
	now := time.Now().UTC()
	return domain.PurchaseAttempt{
		ID:          "test-attempt-1",
		Code:        "code-test-attempt-1",
		UserID:      "test-user-1",
		CreatorMail: "user@example.com",
		Kind:        domain.AttemptKindDirect,
		Order: domain.NewPurchaseOrder([]domain.PurchaseItem{
			{PurchasableID: "course-go", Qty: 1},
		}, ""),
		Processor: "mock",
		State:     domain.AttemptStatePending,
		Version:   0,
		StartedAt: now,
		UpdatedAt: now,
	}
}
