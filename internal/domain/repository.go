package domain

import "time"

// AttemptRepository описывает требования к хранилищу попыток покупки.
type AttemptRepository interface {
	// CreatePending атомарно проверяет pending-индекс и создаёт попытку вместе
	// с задачей на списание. Если pending-попытка пользователя уже покрывает
	// хотя бы одну позицию заказа, возвращается она и created == false —
	// новых записей не появляется. Проверка и вставка выполняются в одной
	// транзакции хранилища.
	CreatePending(attempt PurchaseAttempt, task ChargeTask) (existing PurchaseAttempt, created bool, err error)
	// Create сохраняет попытку без дедупликации (погашения, уже оплаченные коды).
	Create(attempt PurchaseAttempt) error
	// Get возвращает попытку по идентификатору или ErrAttemptNotFound.
	Get(id string) (PurchaseAttempt, error)
	// GetByCode находит попытку по пригласительному/транзакционному коду.
	GetByCode(code string) (PurchaseAttempt, error)
	// ListByUser возвращает историю попыток пользователя, новые раньше.
	ListByUser(userID string, limit int) ([]PurchaseAttempt, error)
	// PendingFor возвращает pending-попытки пользователя, покрывающие хотя бы
	// одну из перечисленных позиций.
	PendingFor(userID string, itemIDs []string) ([]PurchaseAttempt, error)
	// ListStalePending возвращает pending-попытки, созданные раньше before.
	ListStalePending(before time.Time, limit int) ([]PurchaseAttempt, error)
	// Save применяет обновления с учётом optimistic locking по Version.
	Save(attempt PurchaseAttempt) error
	// Delete удаляет попытку; вызывающий обязан проверить ссылки погашений.
	Delete(id string) error
}

// ChargeTaskRepository хранит отложенные задачи на списание. Семантика как у
// transactional outbox: задача видна воркеру только после commit транзакции,
// создавшей попытку.
type ChargeTaskRepository interface {
	PullPending(limit int) ([]ChargeTask, error)
	MarkDone(id string) error
	MarkFailed(id string) error
}
