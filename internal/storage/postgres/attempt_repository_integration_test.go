package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

func samplePendingAttempt(userID string, items ...string) domain.PurchaseAttempt {
	orderItems := make([]domain.PurchaseItem, 0, len(items))
	for _, id := range items {
		orderItems = append(orderItems, domain.PurchaseItem{PurchasableID: id, Qty: 1})
	}

	now := time.Now().UTC().Round(time.Microsecond)
	return domain.PurchaseAttempt{
		ID:        uuid.NewString(),
		Code:      uuid.NewString(),
		UserID:    userID,
		Kind:      domain.AttemptKindDirect,
		Order:     domain.NewPurchaseOrder(orderItems, ""),
		Processor: "mock",
		State:     domain.AttemptStatePending,
		Pricing: &domain.PricingResults{
			Items: []domain.PricingResult{
				{PurchasableID: items[0], Qty: 1, Currency: "RUB", AmountMinor: 30000, PurchasePriceMinor: 30000},
			},
			Currency:                "RUB",
			TotalPurchasePriceMinor: 30000,
			TotalNonDiscountedMinor: 30000,
		},
		Context:   map[string]string{"tenant": "ru"},
		StartedAt: now,
		UpdatedAt: now,
	}
}

func sampleChargeTask(attempt domain.PurchaseAttempt) domain.ChargeTask {
	return domain.ChargeTask{
		ID:                  uuid.NewString(),
		AttemptID:           attempt.ID,
		Token:               "tok-test",
		ExpectedAmountMinor: -1,
		Tenant:              "ru",
		CreatedAt:           attempt.StartedAt,
	}
}

func TestAttemptRepository_PostgresCreatePendingAndDedup(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewAttemptRepository(store)
	tasks := NewChargeTaskRepository(store)

	first := samplePendingAttempt("user-dedup", "course-go")
	winner, created, err := repo.CreatePending(first, sampleChargeTask(first))
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if !created {
		t.Fatal("expected first attempt to be created")
	}
	if winner.ID != first.ID {
		t.Fatalf("expected winner %s, got %s", first.ID, winner.ID)
	}

	duplicate := samplePendingAttempt("user-dedup", "course-go")
	winner, created, err = repo.CreatePending(duplicate, sampleChargeTask(duplicate))
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if created {
		t.Fatal("expected duplicate submission to be deduplicated")
	}
	if winner.ID != first.ID {
		t.Fatalf("expected existing winner %s, got %s", first.ID, winner.ID)
	}

	pending, err := tasks.PullPending(10)
	if err != nil {
		t.Fatalf("pull pending tasks: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("deduplicated submission must not enqueue a second charge task, got %d", len(pending))
	}
	if pending[0].AttemptID != first.ID {
		t.Fatalf("expected task for %s, got %s", first.ID, pending[0].AttemptID)
	}
}

func TestAttemptRepository_PostgresOverlapDedup(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewAttemptRepository(store)
	tasks := NewChargeTaskRepository(store)

	first := samplePendingAttempt("user-overlap", "course-go")
	if _, _, err := repo.CreatePending(first, sampleChargeTask(first)); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	// Набор другой, но course-go уже висит в pending: вторая отправка
	// дедуплицируется по пересечению позиций.
	overlapping := samplePendingAttempt("user-overlap", "course-go", "course-sql")
	winner, created, err := repo.CreatePending(overlapping, sampleChargeTask(overlapping))
	if err != nil {
		t.Fatalf("create overlapping: %v", err)
	}
	if created {
		t.Fatal("expected overlapping submission to be deduplicated")
	}
	if winner.ID != first.ID {
		t.Fatalf("expected existing winner %s, got %s", first.ID, winner.ID)
	}

	pending, err := repo.PendingFor("user-overlap", []string{"course-go", "course-sql"})
	if err != nil {
		t.Fatalf("pending for: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Fatalf("expected only the winner to stay pending, got %+v", pending)
	}

	// Откат проигравшей транзакции не оставляет ни попытки, ни задачи.
	chargeTasks, err := tasks.PullPending(10)
	if err != nil {
		t.Fatalf("pull pending tasks: %v", err)
	}
	if len(chargeTasks) != 1 || chargeTasks[0].AttemptID != first.ID {
		t.Fatalf("expected a single task for %s, got %+v", first.ID, chargeTasks)
	}

	// Другой пользователь с теми же товарами не пересекается.
	other := samplePendingAttempt("user-overlap-2", "course-go")
	if _, created, err = repo.CreatePending(other, sampleChargeTask(other)); err != nil || !created {
		t.Fatalf("expected other user to pass, created=%v err=%v", created, err)
	}
}

func TestAttemptRepository_PostgresRoundTrip(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewAttemptRepository(store)

	delivery := time.Now().UTC().Add(24 * time.Hour).Round(time.Microsecond)
	attempt := samplePendingAttempt("user-roundtrip", "course-go")
	attempt.Kind = domain.AttemptKindGift
	attempt.Gift = &domain.GiftDetails{
		Sender:       "user-roundtrip",
		Receiver:     "friend@example.com",
		Message:      "happy birthday",
		DeliveryDate: &delivery,
	}

	if _, _, err := repo.CreatePending(attempt, sampleChargeTask(attempt)); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	got, err := repo.Get(attempt.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if got.Kind != domain.AttemptKindGift || got.Gift == nil {
		t.Fatalf("gift details lost in round trip: %+v", got)
	}
	if got.Gift.Receiver != "friend@example.com" {
		t.Fatalf("unexpected receiver: %s", got.Gift.Receiver)
	}
	if got.Pricing == nil || got.Pricing.TotalPurchasePriceMinor != 30000 {
		t.Fatalf("pricing lost in round trip: %+v", got.Pricing)
	}
	if got.Context["tenant"] != "ru" {
		t.Fatalf("context lost in round trip: %+v", got.Context)
	}

	byCode, err := repo.GetByCode(attempt.Code)
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if byCode.ID != attempt.ID {
		t.Fatalf("expected attempt %s by code, got %s", attempt.ID, byCode.ID)
	}
}

func TestAttemptRepository_PostgresSaveVersionConflict(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewAttemptRepository(store)

	attempt := samplePendingAttempt("user-conflict", "course-go")
	if _, _, err := repo.CreatePending(attempt, sampleChargeTask(attempt)); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	fresh, err := repo.Get(attempt.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}

	fresh.State = domain.AttemptStateSucceeded
	fresh.Synced = true
	fresh.UpdatedAt = time.Now().UTC()
	if err := repo.Save(fresh); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// Stale copy still carries the old version.
	fresh.FailureText = "late writer"
	if err := repo.Save(fresh); !errors.Is(err, domain.ErrAttemptVersionConflict) {
		t.Fatalf("expected ErrAttemptVersionConflict, got %v", err)
	}

	if err := repo.Save(samplePendingAttempt("ghost", "course-go")); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound for unknown attempt, got %v", err)
	}
}

func TestAttemptRepository_PostgresDedupReleasedAfterResolution(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewAttemptRepository(store)

	attempt := samplePendingAttempt("user-resub", "course-go")
	if _, _, err := repo.CreatePending(attempt, sampleChargeTask(attempt)); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	resolved, err := repo.Get(attempt.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	resolved.State = domain.AttemptStateFailed
	resolved.FailureText = "declined"
	resolved.Synced = true
	resolved.UpdatedAt = time.Now().UTC()
	if err := repo.Save(resolved); err != nil {
		t.Fatalf("save resolved: %v", err)
	}

	// Терминальная попытка освобождает pending-индекс: новая отправка проходит.
	retry := samplePendingAttempt("user-resub", "course-go")
	_, created, err := repo.CreatePending(retry, sampleChargeTask(retry))
	if err != nil {
		t.Fatalf("create retry: %v", err)
	}
	if !created {
		t.Fatal("expected resubmission after terminal outcome to be accepted")
	}
}

func TestAttemptRepository_PostgresListStalePending(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewAttemptRepository(store)

	old := samplePendingAttempt("user-stale", "course-go")
	old.StartedAt = time.Now().UTC().Add(-10 * time.Minute)
	if _, _, err := repo.CreatePending(old, sampleChargeTask(old)); err != nil {
		t.Fatalf("create stale attempt: %v", err)
	}

	young := samplePendingAttempt("user-stale", "course-sql")
	if _, _, err := repo.CreatePending(young, sampleChargeTask(young)); err != nil {
		t.Fatalf("create young attempt: %v", err)
	}

	stale, err := repo.ListStalePending(time.Now().UTC().Add(-100*time.Second), 10)
	if err != nil {
		t.Fatalf("list stale pending: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("expected only the old attempt to be stale, got %+v", stale)
	}
}

func TestChargeTaskRepository_PostgresLifecycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewAttemptRepository(store)
	tasks := NewChargeTaskRepository(store)

	attempt := samplePendingAttempt("user-tasks", "course-go")
	task := sampleChargeTask(attempt)
	if _, _, err := repo.CreatePending(attempt, task); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	pending, err := tasks.PullPending(10)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != task.ID {
		t.Fatalf("expected task %s, got %+v", task.ID, pending)
	}

	if err := tasks.MarkDone(task.ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	pending, err = tasks.PullPending(10)
	if err != nil {
		t.Fatalf("pull after done: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("done task must not be pulled again, got %+v", pending)
	}

	if err := tasks.MarkDone("missing-task"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
