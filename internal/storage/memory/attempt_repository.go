package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

type taskRecord struct {
	task   domain.ChargeTask
	status string
}

// AttemptStore — in-memory реализация AttemptRepository и ChargeTaskRepository.
// Один мьютекс на оба хранилища даёт ту же гарантию, что транзакция БД:
// проверка pending-индекса, вставка попытки и постановка задачи атомарны.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]domain.PurchaseAttempt
	byCode   map[string]string
	// pendingIndex: userID -> purchasableID -> attemptID. Одна строка на
	// каждую позицию pending-попытки, поэтому пересечение наборов ловится
	// по любой общей позиции.
	pendingIndex map[string]map[string]string
	tasks        map[string]*taskRecord
}

// NewAttemptStore возвращает in-memory хранилище для локальной разработки и тестов.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		attempts:     make(map[string]domain.PurchaseAttempt),
		byCode:       make(map[string]string),
		pendingIndex: make(map[string]map[string]string),
		tasks:        make(map[string]*taskRecord),
	}
}

// CreatePending атомарно проверяет pending-индекс и создаёт попытку с задачей
// на списание. Пересечение с pending-попыткой хотя бы по одной позиции —
// дедупликация: возвращается попытка-победитель.
func (s *AttemptStore) CreatePending(attempt domain.PurchaseAttempt, task domain.ChargeTask) (domain.PurchaseAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userIndex, ok := s.pendingIndex[attempt.UserID]; ok {
		for _, item := range attempt.Order.Items {
			if existingID, ok := userIndex[item.PurchasableID]; ok {
				existing := s.attempts[existingID]
				return cloneAttempt(existing), false, nil
			}
		}
	}

	if _, exists := s.attempts[attempt.ID]; exists {
		return domain.PurchaseAttempt{}, false, domain.ErrAttemptVersionConflict
	}

	s.attempts[attempt.ID] = cloneAttempt(attempt)
	s.byCode[attempt.Code] = attempt.ID
	s.indexPendingLocked(&attempt)

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	s.tasks[task.ID] = &taskRecord{task: task, status: "pending"}

	return cloneAttempt(attempt), true, nil
}

// Create сохраняет попытку без дедупликации (используется погашениями).
func (s *AttemptStore) Create(attempt domain.PurchaseAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attempts[attempt.ID]; exists {
		return domain.ErrAttemptVersionConflict
	}
	s.attempts[attempt.ID] = cloneAttempt(attempt)
	s.byCode[attempt.Code] = attempt.ID
	if attempt.IsPending() {
		s.indexPendingLocked(&attempt)
	}
	return nil
}

func (s *AttemptStore) indexPendingLocked(attempt *domain.PurchaseAttempt) {
	if s.pendingIndex[attempt.UserID] == nil {
		s.pendingIndex[attempt.UserID] = make(map[string]string)
	}
	for _, item := range attempt.Order.Items {
		s.pendingIndex[attempt.UserID][item.PurchasableID] = attempt.ID
	}
}

func (s *AttemptStore) unindexPendingLocked(attempt *domain.PurchaseAttempt) {
	userIndex, ok := s.pendingIndex[attempt.UserID]
	if !ok {
		return
	}
	for _, item := range attempt.Order.Items {
		if userIndex[item.PurchasableID] == attempt.ID {
			delete(userIndex, item.PurchasableID)
		}
	}
}

// Get возвращает попытку или ErrAttemptNotFound.
func (s *AttemptStore) Get(id string) (domain.PurchaseAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempt, ok := s.attempts[id]
	if !ok {
		return domain.PurchaseAttempt{}, domain.ErrAttemptNotFound
	}
	return cloneAttempt(attempt), nil
}

// GetByCode находит попытку по коду.
func (s *AttemptStore) GetByCode(code string) (domain.PurchaseAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCode[code]
	if !ok {
		return domain.PurchaseAttempt{}, domain.ErrAttemptNotFound
	}
	return cloneAttempt(s.attempts[id]), nil
}

// ListByUser возвращает попытки пользователя, новые раньше.
func (s *AttemptStore) ListByUser(userID string, limit int) ([]domain.PurchaseAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PurchaseAttempt, 0)
	for _, attempt := range s.attempts {
		if attempt.UserID != userID {
			continue
		}
		result = append(result, cloneAttempt(attempt))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// PendingFor возвращает pending-попытки пользователя, покрывающие хотя бы
// одну из перечисленных позиций, в порядке создания.
func (s *AttemptStore) PendingFor(userID string, itemIDs []string) ([]domain.PurchaseAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userIndex, ok := s.pendingIndex[userID]
	if !ok {
		return nil, nil
	}

	seen := make(map[string]bool)
	result := make([]domain.PurchaseAttempt, 0)
	for _, itemID := range itemIDs {
		id, ok := userIndex[itemID]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, cloneAttempt(s.attempts[id]))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.Before(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ListStalePending возвращает pending-попытки, созданные раньше before.
func (s *AttemptStore) ListStalePending(before time.Time, limit int) ([]domain.PurchaseAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PurchaseAttempt, 0)
	for _, attempt := range s.attempts {
		if !attempt.IsPending() || !attempt.StartedAt.Before(before) {
			continue
		}
		result = append(result, cloneAttempt(attempt))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Save перезаписывает попытку, проверяя версию (optimistic locking).
// Выход из pending чистит pending-индекс.
func (s *AttemptStore) Save(attempt domain.PurchaseAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.attempts[attempt.ID]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	if current.Version != attempt.Version {
		return domain.ErrAttemptVersionConflict
	}

	attempt.Version++
	s.attempts[attempt.ID] = cloneAttempt(attempt)

	if current.IsPending() && !attempt.IsPending() {
		s.unindexPendingLocked(&attempt)
	}
	return nil
}

// Delete удаляет попытку и её следы в индексах.
func (s *AttemptStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[id]
	if !ok {
		return domain.ErrAttemptNotFound
	}

	delete(s.attempts, id)
	delete(s.byCode, attempt.Code)
	s.unindexPendingLocked(&attempt)
	return nil
}

// PullPending возвращает до limit задач на списание со статусом pending.
func (s *AttemptStore) PullPending(limit int) ([]domain.ChargeTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	result := make([]domain.ChargeTask, 0, limit)
	for _, rec := range s.tasks {
		if rec.status != "pending" {
			continue
		}
		result = append(result, rec.task)
		if len(result) >= limit {
			break
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// MarkDone помечает задачу выполненной.
func (s *AttemptStore) MarkDone(id string) error {
	return s.markTask(id, "done")
}

// MarkFailed фиксирует необратимую ошибку выполнения задачи.
func (s *AttemptStore) MarkFailed(id string) error {
	return s.markTask(id, "failed")
}

func (s *AttemptStore) markTask(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	rec.status = status
	return nil
}

// cloneAttempt копирует попытку вместе с вложенными структурами, чтобы
// избежать непредсказуемых мутаций извне.
func cloneAttempt(src domain.PurchaseAttempt) domain.PurchaseAttempt {
	dst := src
	dst.Order.Items = append([]domain.PurchaseItem(nil), src.Order.Items...)
	if src.Pricing != nil {
		pricing := *src.Pricing
		pricing.Items = append([]domain.PricingResult(nil), src.Pricing.Items...)
		dst.Pricing = &pricing
	}
	if src.NotifiedAt != nil {
		notified := *src.NotifiedAt
		dst.NotifiedAt = &notified
	}
	if src.Context != nil {
		dst.Context = make(map[string]string, len(src.Context))
		for k, v := range src.Context {
			dst.Context[k] = v
		}
	}
	if src.Gift != nil {
		gift := *src.Gift
		if src.Gift.DeliveryDate != nil {
			delivery := *src.Gift.DeliveryDate
			gift.DeliveryDate = &delivery
		}
		dst.Gift = &gift
	}
	if src.Invitation != nil {
		invitation := *src.Invitation
		invitation.Consumers = append([]string(nil), src.Invitation.Consumers...)
		dst.Invitation = &invitation
	}
	return dst
}

var _ domain.AttemptRepository = (*AttemptStore)(nil)
var _ domain.ChargeTaskRepository = (*AttemptStore)(nil)
