// Package platform реализует PaymentProcessor поверх платформенного биллинга:
// списание идёт со счёта пользователя на платформе, токен — идентификатор
// биллингового аккаунта.
package platform

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
const ProcessorName = "platform"

const accountTokenPrefix = "acct_"

// Processor — биллинговый процессор платформы.
type Processor struct {
	logger *log.Entry

	mu      sync.RWMutex
	charges map[string]domain.Charge
}

// New создаёт процессор платформенного биллинга.
func New(logger *log.Entry) *Processor {
	if logger == nil {
		logger = log.WithField("component", "processor-platform")
	}
	return &Processor{
		logger:  logger,
		charges: make(map[string]domain.Charge),
	}
}

// Name возвращает ключ процессора.
func (p *Processor) Name() string {
	return ProcessorName
}

// CreateToken у платформенного биллинга сводится к выдаче ссылки на аккаунт.
func (p *Processor) CreateToken(_ context.Context, details domain.CardDetails) (domain.Token, error) {
	if details.Holder == "" {
		return domain.Token{}, domain.ErrInvalidCardDetails
	}
	return domain.Token{
		Value:     accountTokenPrefix + uuid.NewString(),
		Processor: ProcessorName,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Charge списывает с биллингового аккаунта; идемпотентен по attemptID.
func (p *Processor) Charge(_ context.Context, attemptID, token string, amountMinor int64, currency string, metadata map[string]string) (domain.Charge, error) {
	if !strings.HasPrefix(token, accountTokenPrefix) {
		return domain.Charge{}, domain.ErrInvalidToken
	}
	if amountMinor < 0 {
		return domain.Charge{}, domain.ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.charges[attemptID]; ok {
		return existing, nil
	}

	charge := domain.Charge{
		ID:          "pb_" + uuid.NewString(),
		AttemptID:   attemptID,
		Processor:   ProcessorName,
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
	}).Info("platform billing charge captured")

	return charge, nil
}

// Refund возвращает средства на биллинговый аккаунт.
func (p *Processor) Refund(_ context.Context, chargeID string, amountMinor int64) (domain.RefundReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attemptID, charge := range p.charges {
		if charge.ID != chargeID {
			continue
		}
		if charge.Status != domain.ChargeStatusCaptured {
			return domain.RefundReceipt{}, domain.ErrRefundNotAllowed
		}
		if amountMinor <= 0 || amountMinor > charge.AmountMinor {
			amountMinor = charge.AmountMinor
		}
		charge.Status = domain.ChargeStatusRefunded
		p.charges[attemptID] = charge

		return domain.RefundReceipt{
			ID:          "pr_" + uuid.NewString(),
			ChargeID:    chargeID,
			AmountMinor: amountMinor,
			Currency:    charge.Currency,
			CreatedAt:   time.Now().UTC(),
		}, nil
	}

	return domain.RefundReceipt{}, domain.ErrChargeNotFound
}

// Sync возвращает авторитетный статус попытки.
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

// GetPaymentCharge возвращает чек по попытке.
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
