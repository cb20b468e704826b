// Package cardnetwork реализует PaymentProcessor поверх карточного шлюза.
// Сетевые вызовы симулируются in-memory реестром списаний; семантика
// (идемпотентность по ключу попытки, decline-токены, sync) повторяет контракт
// реального шлюза.
package cardnetwork

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

// ProcessorName — ключ процессора в таблице способностей.
const ProcessorName = "cardnetwork"

// Токены с этим префиксом шлюз отклоняет (аналог тестовых decline-карт).
const declineTokenPrefix = "tok_declined"

// Processor — карточный процессор с собственным реестром списаний.
type Processor struct {
	logger *log.Entry

	mu sync.RWMutex
	// charges индексирует списания по ключу дедупликации (attempt id).
	charges map[string]domain.Charge
	refunds map[string]domain.RefundReceipt
}

// New создаёт карточный процессор.
func New(logger *log.Entry) *Processor {
	if logger == nil {
		logger = log.WithField("component", "processor-cardnetwork")
	}
	return &Processor{
		logger:  logger,
		charges: make(map[string]domain.Charge),
		refunds: make(map[string]domain.RefundReceipt),
	}
}

// Name возвращает ключ процессора.
func (p *Processor) Name() string {
	return ProcessorName
}

// CreateToken токенизирует карту. Валидация нарочно минимальная: полноценные
// проверки делает сам шлюз.
func (p *Processor) CreateToken(_ context.Context, details domain.CardDetails) (domain.Token, error) {
	if len(details.Number) < 12 || details.ExpMonth < 1 || details.ExpMonth > 12 || details.ExpYear < 2000 {
		return domain.Token{}, domain.ErrInvalidCardDetails
	}
	return domain.Token{
		Value:     "tok_" + uuid.NewString(),
		Processor: ProcessorName,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Charge списывает сумму. Повторный вызов для той же попытки возвращает уже
// созданное списание: ключ дедупликации — attemptID.
func (p *Processor) Charge(_ context.Context, attemptID, token string, amountMinor int64, currency string, metadata map[string]string) (domain.Charge, error) {
	if token == "" {
		return domain.Charge{}, domain.ErrInvalidToken
	}
	if amountMinor < 0 {
		return domain.Charge{}, domain.ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.charges[attemptID]; ok {
		p.logger.WithFields(log.Fields{
			"attempt_id": attemptID,
			"charge_id":  existing.ID,
		}).Debug("charge deduplicated")
		return existing, nil
	}

	if strings.HasPrefix(token, declineTokenPrefix) {
		return domain.Charge{}, domain.ErrGatewayDeclined
	}

	charge := domain.Charge{
		ID:          "ch_" + uuid.NewString(),
		AttemptID:   attemptID,
		Processor:   ProcessorName,
		ExternalID:  "ext_" + uuid.NewString(),
		Status:      domain.ChargeStatusCaptured,
		AmountMinor: amountMinor,
		Currency:    currency,
		CreatedAt:   time.Now().UTC(),
	}
	p.charges[attemptID] = charge

	p.logger.WithFields(log.Fields{
		"attempt_id":   attemptID,
		"charge_id":    charge.ID,
		"amount_minor": amountMinor,
		"currency":     currency,
	}).Info("charge captured")

	return charge, nil
}

// Refund возвращает средства по списанию. amountMinor <= 0 — полный возврат.
func (p *Processor) Refund(_ context.Context, chargeID string, amountMinor int64) (domain.RefundReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var target *domain.Charge
	var key string
	for attemptID, charge := range p.charges {
		if charge.ID == chargeID {
			c := charge
			target = &c
			key = attemptID
			break
		}
	}
	if target == nil {
		return domain.RefundReceipt{}, domain.ErrChargeNotFound
	}
	if target.Status != domain.ChargeStatusCaptured {
		return domain.RefundReceipt{}, domain.ErrRefundNotAllowed
	}
	if amountMinor <= 0 || amountMinor > target.AmountMinor {
		amountMinor = target.AmountMinor
	}

	target.Status = domain.ChargeStatusRefunded
	p.charges[key] = *target

	receipt := domain.RefundReceipt{
		ID:          "re_" + uuid.NewString(),
		ChargeID:    chargeID,
		AmountMinor: amountMinor,
		Currency:    target.Currency,
		CreatedAt:   time.Now().UTC(),
	}
	p.refunds[chargeID] = receipt

	p.logger.WithFields(log.Fields{
		"charge_id":    chargeID,
		"amount_minor": amountMinor,
	}).Info("charge refunded")

	return receipt, nil
}

// Sync возвращает авторитетный статус попытки по данным шлюза.
func (p *Processor) Sync(_ context.Context, attemptID string) (domain.StatusUpdate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	charge, ok := p.charges[attemptID]
	if !ok {
		return domain.StatusUpdate{}, domain.ErrChargeNotFound
	}

	return domain.StatusUpdate{
		AttemptID: attemptID,
		Status:    charge.Status,
		ChargeID:  charge.ID,
	}, nil
}

// GetPaymentCharge возвращает чек по попытке для генерации инвойса.
func (p *Processor) GetPaymentCharge(_ context.Context, attempt *domain.PurchaseAttempt) (domain.Charge, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	charge, ok := p.charges[attempt.ID]
	if !ok {
		return domain.Charge{}, domain.ErrChargeNotFound
	}
	return charge, nil
}

var _ domain.PaymentProcessor = (*Processor)(nil)
