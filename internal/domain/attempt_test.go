package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

// helper для создания базовой pending-попытки с одной позицией.
func makeAttempt() domain.PurchaseAttempt {
	now := time.Now().UTC()
	return domain.PurchaseAttempt{
		ID:        "attempt-1",
		Code:      "code-1",
		UserID:    "user-1",
		Kind:      domain.AttemptKindDirect,
		Order:     domain.NewPurchaseOrder([]domain.PurchaseItem{{PurchasableID: "course-go", Qty: 1}}, ""),
		Processor: "cardnetwork",
		State:     domain.AttemptStatePending,
		Version:   0,
		StartedAt: now,
		UpdatedAt: now,
	}
}

func TestAttemptValidateInvariants_Ok(t *testing.T) {
	attempt := makeAttempt()
	if errs := attempt.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestAttemptValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(a *domain.PurchaseAttempt)
	}{
		{
			name: "no creator",
			mut: func(a *domain.PurchaseAttempt) {
				a.UserID = ""
				a.CreatorMail = ""
			},
		},
		{
			name: "no processor",
			mut: func(a *domain.PurchaseAttempt) {
				a.Processor = ""
			},
		},
		{
			name: "no code",
			mut: func(a *domain.PurchaseAttempt) {
				a.Code = ""
			},
		},
		{
			name: "no items",
			mut: func(a *domain.PurchaseAttempt) {
				a.Order.Items = nil
			},
		},
		{
			name: "zero qty",
			mut: func(a *domain.PurchaseAttempt) {
				a.Order.Items[0].Qty = 0
			},
		},
		{
			name: "gift without details",
			mut: func(a *domain.PurchaseAttempt) {
				a.Kind = domain.AttemptKindGift
			},
		},
		{
			name: "invitation without details",
			mut: func(a *domain.PurchaseAttempt) {
				a.Kind = domain.AttemptKindInvitation
			},
		},
		{
			name: "unknown kind",
			mut: func(a *domain.PurchaseAttempt) {
				a.Kind = domain.AttemptKind("subscription")
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			attempt := makeAttempt()
			tc.mut(&attempt)
			if errs := attempt.ValidateInvariants(); len(errs) == 0 {
				t.Fatal("expected validation errors, got none")
			}
		})
	}
}

func TestAttemptTransition_Monotonic(t *testing.T) {
	now := time.Now().UTC()

	attempt := makeAttempt()
	if err := attempt.Transition(domain.AttemptStateSucceeded, now); err != nil {
		t.Fatalf("pending -> succeeded: %v", err)
	}
	if !attempt.HasSucceeded() {
		t.Fatalf("expected succeeded state, got %s", attempt.State)
	}

	// Из терминального состояния выхода нет.
	err := attempt.Transition(domain.AttemptStateFailed, now)
	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if attempt.State != domain.AttemptStateSucceeded {
		t.Fatalf("state must stay succeeded, got %s", attempt.State)
	}
}

func TestAttemptTransition_SameStateIsNoop(t *testing.T) {
	attempt := makeAttempt()
	if err := attempt.Transition(domain.AttemptStatePending, time.Now().UTC()); err != nil {
		t.Fatalf("same-state transition must be a no-op: %v", err)
	}
}

func TestAttemptTransition_RejectsPendingTarget(t *testing.T) {
	attempt := makeAttempt()
	attempt.State = domain.AttemptStateSucceeded

	err := attempt.Transition(domain.AttemptStatePending, time.Now().UTC())
	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestAttemptPredicates(t *testing.T) {
	attempt := makeAttempt()
	if !attempt.IsPending() || attempt.HasSucceeded() || attempt.HasFailed() {
		t.Fatal("fresh attempt must be pending only")
	}
	if attempt.IsSynced() {
		t.Fatal("fresh attempt must not be synced")
	}

	attempt.Synced = true
	if !attempt.IsSynced() {
		t.Fatal("expected synced attempt")
	}
}

func TestInvitationHasConsumer(t *testing.T) {
	details := domain.InvitationDetails{Consumers: []string{"user-1", "user-2"}}
	if !details.HasConsumer("user-2") {
		t.Fatal("expected user-2 to be a consumer")
	}
	if details.HasConsumer("user-3") {
		t.Fatal("user-3 must not be a consumer")
	}
}
