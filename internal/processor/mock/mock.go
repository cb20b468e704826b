// Package mock содержит конфигурируемую заглушку PaymentProcessor для тестов.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

// ProcessorName — ключ mock-процессора.
const ProcessorName = "mock"

// ChargeCall фиксирует один вызов Charge для проверки порядка в тестах.
type ChargeCall struct {
	AttemptID   string
	Token       string
	AmountMinor int64
	At          time.Time
}

// Processor — заглушка с настраиваемыми результатами и счётчиками вызовов.
type Processor struct {
	mu sync.Mutex

	NameOverride string

	ChargeErr    error
	ChargeStatus domain.ChargeStatus
	RefundErr    error
	SyncErr      error
	SyncStatus   domain.ChargeStatus

	TokenCalls  int
	ChargeCalls []ChargeCall
	RefundCalls int
	SyncCalls   int
	GetCalls    int

	charges map[string]domain.Charge
}

// New возвращает mock с успешным сценарием по умолчанию.
func New() *Processor {
	return &Processor{
		ChargeStatus: domain.ChargeStatusCaptured,
		SyncStatus:   domain.ChargeStatusCaptured,
		charges:      make(map[string]domain.Charge),
	}
}

// Name возвращает ключ процессора.
func (p *Processor) Name() string {
	if p.NameOverride != "" {
		return p.NameOverride
	}
	return ProcessorName
}

// CreateToken считает вызовы и возвращает фиктивный токен.
func (p *Processor) CreateToken(_ context.Context, _ domain.CardDetails) (domain.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TokenCalls++
	return domain.Token{Value: "tok_mock", Processor: p.Name(), CreatedAt: time.Now().UTC()}, nil
}

// Charge возвращает настроенный результат, записывая вызов. Идемпотентен по
// attemptID, как настоящий процессор.
func (p *Processor) Charge(_ context.Context, attemptID, token string, amountMinor int64, currency string, _ map[string]string) (domain.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ChargeCalls = append(p.ChargeCalls, ChargeCall{
		AttemptID:   attemptID,
		Token:       token,
		AmountMinor: amountMinor,
		At:          time.Now().UTC(),
	})

	if p.ChargeErr != nil {
		return domain.Charge{}, p.ChargeErr
	}
	if existing, ok := p.charges[attemptID]; ok {
		return existing, nil
	}

	charge := domain.Charge{
		ID:          "ch_mock_" + attemptID,
		AttemptID:   attemptID,
		Processor:   p.Name(),
		Status:      p.ChargeStatus,
		AmountMinor: amountMinor,
		Currency:    currency,
		CreatedAt:   time.Now().UTC(),
	}
	p.charges[attemptID] = charge
	return charge, nil
}

// Refund возвращает настроенный результат и считает вызовы.
func (p *Processor) Refund(_ context.Context, chargeID string, amountMinor int64) (domain.RefundReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.RefundCalls++
	if p.RefundErr != nil {
		return domain.RefundReceipt{}, p.RefundErr
	}
	return domain.RefundReceipt{
		ID:          "re_mock",
		ChargeID:    chargeID,
		AmountMinor: amountMinor,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Sync возвращает настроенный статус.
func (p *Processor) Sync(_ context.Context, attemptID string) (domain.StatusUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.SyncCalls++
	if p.SyncErr != nil {
		return domain.StatusUpdate{}, p.SyncErr
	}
	chargeID := "ch_mock_" + attemptID
	if charge, ok := p.charges[attemptID]; ok {
		chargeID = charge.ID
	}
	return domain.StatusUpdate{
		AttemptID: attemptID,
		Status:    p.SyncStatus,
		ChargeID:  chargeID,
	}, nil
}

// GetPaymentCharge возвращает сохранённое списание.
func (p *Processor) GetPaymentCharge(_ context.Context, attempt *domain.PurchaseAttempt) (domain.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.GetCalls++
	charge, ok := p.charges[attempt.ID]
	if !ok {
		return domain.Charge{}, domain.ErrChargeNotFound
	}
	return charge, nil
}

// ChargeCount возвращает число вызовов Charge (потокобезопасно).
func (p *Processor) ChargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ChargeCalls)
}

var _ domain.PaymentProcessor = (*Processor)(nil)
