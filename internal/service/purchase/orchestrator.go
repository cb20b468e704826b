package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
	"github.com/vladislavdragonenkov/purchasing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/purchasing/internal/metrics"
)

const (
	// DefaultSyncThreshold — возраст pending-попытки, после которого чтение
	// инициирует сверку с процессором.
	DefaultSyncThreshold = 100 * time.Second

	// pendingGuardTTL ограничивает время жизни быстрой блокировки в Redis;
	// источник истины — pending-индекс репозитория, поэтому протухание
	// блокировки не нарушает корректность.
	pendingGuardTTL = 15 * time.Minute
)

// ProcessorResolver разрешает платёжный процессор по ключу из каталога.
type ProcessorResolver interface {
	Resolve(name string) (domain.PaymentProcessor, error)
}

// SubmitRequest — входные данные отправки покупки. Платёжный процессор
// клиент не выбирает: его определяет provider-ключ purchasable из каталога.
type SubmitRequest struct {
	UserID      string
	CreatorMail string
	Order       domain.PurchaseOrder
	Token       string
	// ExpectedAmountMinor < 0 означает «клиент не передал ожидаемую сумму».
	ExpectedAmountMinor int64
	Tenant              string
	Description         string
	Context             map[string]string
}

// GiftRequest — отправка покупки в подарок.
type GiftRequest struct {
	SubmitRequest
	Gift domain.GiftDetails
}

// InvitationRequest — отправка покупки пула приглашений.
type InvitationRequest struct {
	SubmitRequest
	Capacity  int32
	ExpiresAt time.Time
}

// Orchestrator управляет жизненным циклом попыток покупки: отправка с
// дедупликацией, отложенное списание, сверка зависших попыток, возвраты.
type Orchestrator interface {
	Price(order domain.PurchaseOrder) (domain.PricingResults, error)
	Submit(ctx context.Context, req SubmitRequest) (domain.PurchaseAttempt, error)
	SubmitGift(ctx context.Context, req GiftRequest) (domain.PurchaseAttempt, error)
	SubmitInvitation(ctx context.Context, req InvitationRequest) (domain.PurchaseAttempt, error)
	ExecuteCharge(ctx context.Context, task domain.ChargeTask) error
	SyncIfStale(ctx context.Context, attemptID string, now time.Time) (domain.PurchaseAttempt, error)
	Refund(ctx context.Context, attemptID string, amountMinor int64, reason string) error
	Delete(ctx context.Context, attemptID string) error
	GenerateInvoice(ctx context.Context, attemptID string) (domain.Invoice, error)
	Get(attemptID string) (domain.PurchaseAttempt, error)
	History(userID string, limit int) ([]domain.PurchaseAttempt, error)
}

type orchestrator struct {
	attempts      domain.AttemptRepository
	outbox        domain.OutboxRepository
	timeline      domain.TimelineRepository
	catalog       domain.Catalog
	pricer        domain.Pricer
	processors    ProcessorResolver
	guard         domain.PendingGuard
	logger        *log.Entry
	metrics       *metrics.PurchaseMetrics
	kafkaProducer *kafka.Producer // опциональный Kafka producer для event-driven архитектуры
	syncThreshold time.Duration
}

// Option настраивает оркестратор.
type Option func(*orchestrator)

// WithKafka подключает прямую публикацию событий в Kafka (вдобавок к outbox).
func WithKafka(producer *kafka.Producer) Option {
	return func(o *orchestrator) { o.kafkaProducer = producer }
}

// WithPendingGuard подключает быструю преграду от параллельных отправок.
func WithPendingGuard(guard domain.PendingGuard) Option {
	return func(o *orchestrator) { o.guard = guard }
}

// WithSyncThreshold меняет порог давности для сверки с процессором.
func WithSyncThreshold(threshold time.Duration) Option {
	return func(o *orchestrator) {
		if threshold > 0 {
			o.syncThreshold = threshold
		}
	}
}

// WithoutMetrics отключает метрики (для тестов).
func WithoutMetrics() Option {
	return func(o *orchestrator) { o.metrics = nil }
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(
	attempts domain.AttemptRepository,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	catalog domain.Catalog,
	pricer domain.Pricer,
	processors ProcessorResolver,
	logger *log.Entry,
	opts ...Option,
) Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "purchase")
	}
	o := &orchestrator{
		attempts:      attempts,
		outbox:        outbox,
		timeline:      timeline,
		catalog:       catalog,
		pricer:        pricer,
		processors:    processors,
		logger:        logger,
		metrics:       metrics.NewPurchaseMetrics(),
		syncThreshold: DefaultSyncThreshold,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Price считает поитемную разбивку и суммы заказа без побочных эффектов.
func (o *orchestrator) Price(order domain.PurchaseOrder) (domain.PricingResults, error) {
	if errs := order.Validate(); len(errs) > 0 {
		return domain.PricingResults{}, errs[0]
	}
	for _, item := range order.Items {
		if _, err := o.catalog.Get(item.PurchasableID); err != nil {
			return domain.PricingResults{}, err
		}
	}
	return o.pricer.Evaluate(order)
}

// Submit принимает прямую покупку: валидирует заказ, дедуплицирует по
// pending-индексу и атомарно создаёт попытку вместе с задачей на списание.
// Списание происходит строго после commit — его выполняет отдельный воркер.
func (o *orchestrator) Submit(ctx context.Context, req SubmitRequest) (domain.PurchaseAttempt, error) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordSubmitDuration(time.Since(start))
		}
	}()

	for _, item := range req.Order.Items {
		purchasable, err := o.catalog.Get(item.PurchasableID)
		if err != nil {
			return domain.PurchaseAttempt{}, err
		}
		if purchasable.ChoiceBundle {
			return domain.PurchaseAttempt{}, domain.ErrCannotPurchaseBundle
		}
	}

	return o.submit(ctx, req, domain.AttemptKindDirect, nil, nil)
}

// SubmitGift принимает покупку в подарок. Choice bundle разрешён: выбор
// конкретной позиции откладывается до погашения получателем.
func (o *orchestrator) SubmitGift(ctx context.Context, req GiftRequest) (domain.PurchaseAttempt, error) {
	if req.Gift.Receiver == "" {
		return domain.PurchaseAttempt{}, domain.ErrGiftDetailsRequired
	}
	for _, item := range req.Order.Items {
		purchasable, err := o.catalog.Get(item.PurchasableID)
		if err != nil {
			return domain.PurchaseAttempt{}, err
		}
		if !purchasable.Giftable {
			return domain.PurchaseAttempt{}, domain.ErrInvalidPurchasable
		}
	}
	gift := req.Gift
	gift.Redeemed = false
	gift.RedeemedAttemptID = ""
	return o.submit(ctx, req.SubmitRequest, domain.AttemptKindGift, &gift, nil)
}

// SubmitInvitation принимает покупку пула кодов-приглашений заданной ёмкости.
func (o *orchestrator) SubmitInvitation(ctx context.Context, req InvitationRequest) (domain.PurchaseAttempt, error) {
	if req.Capacity < 1 {
		return domain.PurchaseAttempt{}, domain.ErrInvitationCapacityInvalid
	}
	if !req.ExpiresAt.IsZero() && req.ExpiresAt.Before(time.Now()) {
		return domain.PurchaseAttempt{}, domain.ErrInvitationExpired
	}
	for _, item := range req.Order.Items {
		if _, err := o.catalog.Get(item.PurchasableID); err != nil {
			return domain.PurchaseAttempt{}, err
		}
	}
	invitation := domain.InvitationDetails{
		Capacity:  req.Capacity,
		ExpiresAt: req.ExpiresAt,
	}
	return o.submit(ctx, req.SubmitRequest, domain.AttemptKindInvitation, nil, &invitation)
}

// boundProvider выбирает платёжный процессор по provider-ключу позиций
// заказа. Клиентскому запросу процессор не доверяется: привязка живёт в
// каталоге. Заказ, смешивающий провайдеров, отклоняется — списание идёт
// одним вызовом через один шлюз.
func (o *orchestrator) boundProvider(order domain.PurchaseOrder) (string, error) {
	provider := ""
	for _, item := range order.Items {
		purchasable, err := o.catalog.Get(item.PurchasableID)
		if err != nil {
			return "", err
		}
		if purchasable.Provider == "" {
			return "", domain.ErrProcessorRequired
		}
		if provider == "" {
			provider = purchasable.Provider
			continue
		}
		if purchasable.Provider != provider {
			return "", domain.ErrMixedProviders
		}
	}
	if provider == "" {
		return "", domain.ErrProcessorRequired
	}
	return provider, nil
}

func (o *orchestrator) submit(
	ctx context.Context,
	req SubmitRequest,
	kind domain.AttemptKind,
	gift *domain.GiftDetails,
	invitation *domain.InvitationDetails,
) (domain.PurchaseAttempt, error) {
	if errs := req.Order.Validate(); len(errs) > 0 {
		return domain.PurchaseAttempt{}, errs[0]
	}
	if req.Token == "" {
		return domain.PurchaseAttempt{}, domain.ErrInvalidToken
	}
	processorKey, err := o.boundProvider(req.Order)
	if err != nil {
		return domain.PurchaseAttempt{}, err
	}
	if _, err := o.processors.Resolve(processorKey); err != nil {
		return domain.PurchaseAttempt{}, err
	}

	pricing, err := o.pricer.Evaluate(req.Order)
	if err != nil {
		return domain.PurchaseAttempt{}, err
	}
	if req.ExpectedAmountMinor >= 0 && req.ExpectedAmountMinor != pricing.TotalPurchasePriceMinor {
		return domain.PurchaseAttempt{}, domain.ErrAmountMismatch
	}

	itemsKey := req.Order.ItemsKey()
	itemIDs := req.Order.PurchasableIDs()
	if o.guard != nil {
		// Быстрая преграда: если хотя бы одна позиция занята, возвращаем
		// победителя из репозитория. Ошибки guard не фатальны — индекс всё
		// равно проверит транзакция CreatePending.
		acquired, guardErr := o.guard.Acquire(ctx, req.UserID, itemIDs, pendingGuardTTL)
		if guardErr != nil {
			o.logger.WithError(guardErr).WithField("user_id", req.UserID).Warn("pending guard unavailable")
		} else if !acquired {
			pending, lookupErr := o.attempts.PendingFor(req.UserID, itemIDs)
			if lookupErr == nil && len(pending) > 0 {
				if o.metrics != nil {
					o.metrics.RecordDeduplicated()
				}
				return pending[0], nil
			}
		}
	}

	now := time.Now().UTC()
	attempt := domain.PurchaseAttempt{
		ID:          uuid.NewString(),
		Code:        uuid.NewString(),
		UserID:      req.UserID,
		CreatorMail: req.CreatorMail,
		Kind:        kind,
		Order:       req.Order,
		Processor:   processorKey,
		State:       domain.AttemptStatePending,
		Pricing:     &pricing,
		Context:     req.Context,
		Description: req.Description,
		Gift:        gift,
		Invitation:  invitation,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if errs := attempt.ValidateInvariants(); len(errs) > 0 {
		return domain.PurchaseAttempt{}, errs[0]
	}

	task := domain.ChargeTask{
		ID:                  uuid.NewString(),
		AttemptID:           attempt.ID,
		Token:               req.Token,
		ExpectedAmountMinor: req.ExpectedAmountMinor,
		Tenant:              req.Tenant,
		CreatedAt:           now,
	}

	winner, created, err := o.attempts.CreatePending(attempt, task)
	if err != nil {
		o.logger.WithError(err).WithField("user_id", req.UserID).Error("create pending attempt failed")
		return domain.PurchaseAttempt{}, err
	}
	if !created {
		o.logger.WithFields(log.Fields{
			"attempt_id": winner.ID,
			"user_id":    req.UserID,
			"items_key":  itemsKey,
		}).Debug("submission deduplicated against pending attempt")
		if o.metrics != nil {
			o.metrics.RecordDeduplicated()
		}
		return winner, nil
	}

	if o.metrics != nil {
		o.metrics.RecordSubmitted()
	}
	o.logger.WithFields(log.Fields{
		"attempt_id": attempt.ID,
		"user_id":    req.UserID,
		"kind":       kind,
		"amount":     pricing.TotalPurchasePriceMinor,
	}).Info("purchase attempt submitted")

	o.emitEvent(&attempt, string(kafka.EventTypePurchaseSubmitted), map[string]interface{}{
		"user_id":   req.UserID,
		"items_key": itemsKey,
		"amount":    pricing.TotalPurchasePriceMinor,
		"ts":        now.Format(time.RFC3339Nano),
	})
	o.publishPurchaseEvent(kafka.EventTypePurchaseSubmitted, &attempt, map[string]interface{}{
		"items_key": itemsKey,
		"amount":    pricing.TotalPurchasePriceMinor,
	})

	return attempt, nil
}

// ExecuteCharge выполняет отложенное списание. Вызывается только воркером,
// строго после commit транзакции, создавшей попытку. Идемпотентен: для
// терминальной попытки ничего не делает. Возвращает ошибку только при
// инфраструктурных сбоях — отказ шлюза фиксируется как провал попытки.
func (o *orchestrator) ExecuteCharge(ctx context.Context, task domain.ChargeTask) error {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordChargeDuration(time.Since(start))
		}
	}()

	attempt, err := o.attempts.Get(task.AttemptID)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptNotFound) {
			o.logger.WithField("attempt_id", task.AttemptID).Warn("charge task references missing attempt")
			return nil
		}
		return err
	}
	if attempt.IsTerminal() {
		o.logger.WithFields(log.Fields{
			"attempt_id": attempt.ID,
			"state":      attempt.State,
		}).Debug("attempt already terminal, skipping charge")
		return nil
	}
	if attempt.Pricing == nil {
		o.failAttempt(&attempt, domain.ErrInvalidAmount)
		return nil
	}

	amount := attempt.Pricing.TotalPurchasePriceMinor
	if task.ExpectedAmountMinor >= 0 && task.ExpectedAmountMinor != amount {
		o.failAttempt(&attempt, domain.ErrAmountMismatch)
		return nil
	}

	proc, err := o.processors.Resolve(attempt.Processor)
	if err != nil {
		// Процессор исчез из таблицы — постоянная ошибка, попытка проваливается.
		o.failAttempt(&attempt, err)
		return nil
	}

	metadata := map[string]string{}
	for k, v := range attempt.Context {
		metadata[k] = v
	}
	if task.Tenant != "" {
		metadata["tenant"] = task.Tenant
	}

	charge, err := proc.Charge(ctx, attempt.ID, task.Token, amount, attempt.Pricing.Currency, metadata)
	if err != nil {
		if errors.Is(err, domain.ErrGatewayDeclined) || errors.Is(err, domain.ErrInvalidToken) ||
			errors.Is(err, domain.ErrInvalidCardDetails) || errors.Is(err, domain.ErrAmountMismatch) {
			o.logger.WithError(err).WithField("attempt_id", attempt.ID).Warn("charge declined")
			o.failAttempt(&attempt, err)
			return nil
		}
		// Инфраструктурная ошибка: попытка остаётся pending, воркер повторит.
		o.logger.WithError(err).WithField("attempt_id", attempt.ID).Warn("charge attempt failed, will retry")
		return err
	}
	if charge.Status == domain.ChargeStatusFailed {
		// Отказ, о котором шлюз сообщил статусом, а не ошибкой.
		o.logger.WithField("attempt_id", attempt.ID).Warn("charge declined")
		o.failAttempt(&attempt, domain.ErrGatewayDeclined)
		return nil
	}

	return o.succeedAttempt(&attempt, charge.ID)
}

// SyncIfStale сверяет зависшую pending-попытку с процессором. Для терминальных
// и уже сверенных попыток — no-op; моложе порога — no-op.
func (o *orchestrator) SyncIfStale(ctx context.Context, attemptID string, now time.Time) (domain.PurchaseAttempt, error) {
	attempt, err := o.attempts.Get(attemptID)
	if err != nil {
		return domain.PurchaseAttempt{}, err
	}
	if attempt.IsTerminal() || attempt.IsSynced() {
		return attempt, nil
	}
	if now.Sub(attempt.StartedAt) < o.syncThreshold {
		return attempt, nil
	}

	proc, err := o.processors.Resolve(attempt.Processor)
	if err != nil {
		return attempt, err
	}

	update, err := proc.Sync(ctx, attempt.ID)
	if err != nil {
		if errors.Is(err, domain.ErrChargeNotFound) {
			// Шлюз ещё не знает о списании: попытка остаётся pending.
			o.logger.WithField("attempt_id", attempt.ID).Debug("charge not yet visible at processor")
			return attempt, nil
		}
		return attempt, err
	}

	if o.metrics != nil {
		o.metrics.RecordSynced()
	}

	switch update.Status {
	case domain.ChargeStatusCaptured:
		if err := o.succeedAttempt(&attempt, update.ChargeID); err != nil {
			return attempt, err
		}
	case domain.ChargeStatusFailed:
		failure := errors.New(update.FailureText)
		if update.FailureText == "" {
			failure = domain.ErrGatewayDeclined
		}
		o.failAttempt(&attempt, failure)
	case domain.ChargeStatusRefunded:
		if err := o.refundAttempt(&attempt, update.ChargeID, ""); err != nil {
			return attempt, err
		}
	default:
		// Шлюз подтвердил, что списание в обработке.
		o.logger.WithField("attempt_id", attempt.ID).Debug("processor reports charge still pending")
	}
	return attempt, nil
}

// Refund возвращает средства по успешной попытке и переводит её в refunded.
// amountMinor <= 0 или больше списанного — полный возврат.
func (o *orchestrator) Refund(ctx context.Context, attemptID string, amountMinor int64, reason string) error {
	attempt, err := o.attempts.Get(attemptID)
	if err != nil {
		return err
	}
	if !attempt.HasSucceeded() {
		return domain.ErrRefundNotAllowed
	}

	proc, err := o.processors.Resolve(attempt.Processor)
	if err != nil {
		return err
	}

	charged := int64(0)
	if attempt.Pricing != nil {
		charged = attempt.Pricing.TotalPurchasePriceMinor
	}
	if amountMinor <= 0 || amountMinor > charged {
		amountMinor = charged
	}

	if _, err := proc.Refund(ctx, attempt.ChargeID, amountMinor); err != nil {
		o.logger.WithError(err).WithField("attempt_id", attempt.ID).Warn("refund failed")
		return err
	}

	if err := o.refundAttempt(&attempt, attempt.ChargeID, reason); err != nil {
		return err
	}
	o.logger.WithFields(log.Fields{
		"attempt_id":   attempt.ID,
		"amount_minor": amountMinor,
	}).Info("purchase refunded")
	return nil
}

// Delete удаляет попытку административно. Попытка, на которую ссылается
// активное погашение, не удаляется.
func (o *orchestrator) Delete(ctx context.Context, attemptID string) error {
	attempt, err := o.attempts.Get(attemptID)
	if err != nil {
		return err
	}
	if attempt.Gift != nil && attempt.Gift.Redeemed {
		return domain.ErrPurchaseNotRemovable
	}
	if attempt.Invitation != nil && len(attempt.Invitation.Consumers) > 0 {
		return domain.ErrPurchaseNotRemovable
	}

	if err := o.attempts.Delete(attemptID); err != nil {
		return err
	}
	if o.guard != nil && attempt.IsPending() {
		if err := o.guard.Release(ctx, attempt.UserID, attempt.Order.PurchasableIDs()); err != nil {
			o.logger.WithError(err).WithField("attempt_id", attemptID).Warn("pending guard release failed")
		}
	}
	o.logger.WithField("attempt_id", attemptID).Info("purchase attempt deleted")
	return nil
}

// GenerateInvoice собирает чек по успешной попытке. Если уведомление об успехе
// ещё не публиковалось, публикует его здесь.
func (o *orchestrator) GenerateInvoice(ctx context.Context, attemptID string) (domain.Invoice, error) {
	attempt, err := o.attempts.Get(attemptID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if !attempt.HasSucceeded() {
		return domain.Invoice{}, domain.ErrChargeNotFound
	}

	proc, err := o.processors.Resolve(attempt.Processor)
	if err != nil {
		return domain.Invoice{}, err
	}
	charge, err := proc.GetPaymentCharge(ctx, &attempt)
	if err != nil {
		return domain.Invoice{}, err
	}

	if attempt.NotifiedAt == nil {
		if err := o.notifySucceeded(&attempt); err != nil {
			o.logger.WithError(err).WithField("attempt_id", attempt.ID).Warn("late success notification failed")
		}
	}

	invoice := domain.Invoice{
		AttemptID:   attempt.ID,
		Code:        attempt.Code,
		ChargeID:    charge.ID,
		AmountMinor: charge.AmountMinor,
		Currency:    charge.Currency,
		IssuedAt:    time.Now().UTC(),
	}
	if attempt.Pricing != nil {
		invoice.Items = append([]domain.PricingResult(nil), attempt.Pricing.Items...)
	}
	return invoice, nil
}

// Get возвращает попытку по идентификатору.
func (o *orchestrator) Get(attemptID string) (domain.PurchaseAttempt, error) {
	return o.attempts.Get(attemptID)
}

// History возвращает историю попыток пользователя.
func (o *orchestrator) History(userID string, limit int) ([]domain.PurchaseAttempt, error) {
	return o.attempts.ListByUser(userID, limit)
}

// succeedAttempt переводит попытку в succeeded, привязывает списание и
// публикует PurchaseSucceeded ровно один раз (охраняется NotifiedAt).
func (o *orchestrator) succeedAttempt(attempt *domain.PurchaseAttempt, chargeID string) error {
	now := time.Now().UTC()
	notified := false
	err := o.persist(attempt, func(a *domain.PurchaseAttempt) error {
		notified = false
		if a.HasSucceeded() {
			return nil
		}
		if err := a.Transition(domain.AttemptStateSucceeded, now); err != nil {
			return err
		}
		a.ChargeID = chargeID
		a.Synced = true
		if a.NotifiedAt == nil {
			ts := now
			a.NotifiedAt = &ts
			notified = true
		}
		return nil
	})
	if err != nil {
		o.logger.WithError(err).WithField("attempt_id", attempt.ID).Error("persist succeeded state failed")
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordSucceeded()
	}
	o.logger.WithFields(log.Fields{
		"attempt_id": attempt.ID,
		"charge_id":  chargeID,
	}).Info("purchase attempt succeeded")

	if notified {
		o.emitEvent(attempt, string(kafka.EventTypePurchaseSucceeded), map[string]interface{}{
			"charge_id": chargeID,
			"ts":        now.Format(time.RFC3339Nano),
		})
		o.publishPurchaseEvent(kafka.EventTypePurchaseSucceeded, attempt, map[string]interface{}{
			"charge_id": chargeID,
		})
	}
	return nil
}

// failAttempt переводит попытку в failed и сохраняет сообщение шлюза.
func (o *orchestrator) failAttempt(attempt *domain.PurchaseAttempt, cause error) {
	now := time.Now().UTC()
	err := o.persist(attempt, func(a *domain.PurchaseAttempt) error {
		if a.HasFailed() {
			return nil
		}
		if err := a.Transition(domain.AttemptStateFailed, now); err != nil {
			return err
		}
		a.FailureText = cause.Error()
		a.Synced = true
		return nil
	})
	if err != nil {
		o.logger.WithError(err).WithField("attempt_id", attempt.ID).Error("persist failed state failed")
		return
	}

	if o.metrics != nil {
		o.metrics.RecordFailed()
	}
	o.emitEvent(attempt, string(kafka.EventTypePurchaseFailed), map[string]interface{}{
		"reason": cause.Error(),
		"ts":     now.Format(time.RFC3339Nano),
	})
	o.publishPurchaseEvent(kafka.EventTypePurchaseFailed, attempt, map[string]interface{}{
		"reason": cause.Error(),
	})
}

// refundAttempt переводит попытку в refunded.
func (o *orchestrator) refundAttempt(attempt *domain.PurchaseAttempt, chargeID, reason string) error {
	now := time.Now().UTC()
	err := o.persist(attempt, func(a *domain.PurchaseAttempt) error {
		if a.State == domain.AttemptStateRefunded {
			return nil
		}
		// Возврат допустим и из pending (диспут до подтверждения) и из succeeded.
		a.State = domain.AttemptStateRefunded
		a.UpdatedAt = now
		if chargeID != "" {
			a.ChargeID = chargeID
		}
		a.Synced = true
		return nil
	})
	if err != nil {
		o.logger.WithError(err).WithField("attempt_id", attempt.ID).Error("persist refunded state failed")
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordRefunded()
	}
	payload := map[string]interface{}{
		"reason": reason,
		"ts":     now.Format(time.RFC3339Nano),
	}
	if reason == "" {
		delete(payload, "reason")
	}
	o.emitEvent(attempt, string(kafka.EventTypePurchaseRefunded), payload)
	o.publishPurchaseEvent(kafka.EventTypePurchaseRefunded, attempt, map[string]interface{}{
		"reason": reason,
	})
	return nil
}

// notifySucceeded публикует запоздавшее PurchaseSucceeded (например, из
// генерации инвойса) и фиксирует факт публикации в NotifiedAt.
func (o *orchestrator) notifySucceeded(attempt *domain.PurchaseAttempt) error {
	now := time.Now().UTC()
	notified := false
	err := o.persist(attempt, func(a *domain.PurchaseAttempt) error {
		notified = false
		if a.NotifiedAt != nil {
			return nil
		}
		ts := now
		a.NotifiedAt = &ts
		a.UpdatedAt = now
		notified = true
		return nil
	})
	if err != nil {
		return err
	}
	if notified {
		o.emitEvent(attempt, string(kafka.EventTypePurchaseSucceeded), map[string]interface{}{
			"charge_id": attempt.ChargeID,
			"ts":        now.Format(time.RFC3339Nano),
		})
		o.publishPurchaseEvent(kafka.EventTypePurchaseSucceeded, attempt, map[string]interface{}{
			"charge_id": attempt.ChargeID,
		})
	}
	return nil
}

// persist сохраняет попытку с retry по version conflict: при конфликте
// перечитывает свежую версию и повторно применяет мутацию.
func (o *orchestrator) persist(attempt *domain.PurchaseAttempt, mutate func(a *domain.PurchaseAttempt) error) error {
	const maxRetries = 3
	const baseDelay = 10 * time.Millisecond

	current := *attempt
	for try := 0; try < maxRetries; try++ {
		if err := mutate(&current); err != nil {
			return err
		}

		if err := o.attempts.Save(current); err != nil {
			if domain.IsVersionConflict(err) && try < maxRetries-1 {
				o.logger.WithFields(log.Fields{
					"attempt_id": current.ID,
					"try":        try + 1,
					"version":    current.Version,
				}).Warn("version conflict detected, retrying")

				fresh, loadErr := o.attempts.Get(current.ID)
				if loadErr != nil {
					o.logger.WithError(loadErr).WithField("attempt_id", current.ID).Error("failed to reload attempt after conflict")
					return loadErr
				}
				current = fresh

				delay := baseDelay * time.Duration(1<<uint(try))
				time.Sleep(delay)
				continue
			}

			o.logger.WithError(err).WithFields(log.Fields{
				"attempt_id": current.ID,
				"try":        try + 1,
			}).Error("failed to persist attempt")
			return err
		}

		current.Version++
		*attempt = current
		return nil
	}

	return domain.ErrAttemptVersionConflict
}

func (o *orchestrator) emitEvent(attempt *domain.PurchaseAttempt, eventType string, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["attempt_id"] = attempt.ID
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"attempt_id": attempt.ID,
			"event":      eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: "purchase",
		AggregateID:   attempt.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := o.outbox.Enqueue(msg); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"attempt_id": attempt.ID,
			"event":      eventType,
		}).Error("enqueue event failed")
	} else if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}

	if o.timeline != nil {
		var reason string
		if r, ok := payload["reason"].(string); ok {
			reason = r
		}
		occurred := time.Now().UTC()
		if ts, ok := payload["ts"].(string); ok {
			if parsed, parseErr := time.Parse(time.RFC3339Nano, ts); parseErr == nil {
				occurred = parsed
			}
		}
		event := domain.TimelineEvent{
			AttemptID: attempt.ID,
			Type:      eventType,
			Reason:    reason,
			Occurred:  occurred,
		}
		if err := o.timeline.Append(event); err != nil {
			o.logger.WithError(err).WithFields(log.Fields{
				"attempt_id": attempt.ID,
				"event":      eventType,
			}).Warn("append timeline event failed")
		} else if o.metrics != nil {
			o.metrics.RecordTimelineEvent()
		}
	}
}

// publishPurchaseEvent публикует событие попытки в Kafka (если producer настроен)
func (o *orchestrator) publishPurchaseEvent(eventType kafka.EventType, attempt *domain.PurchaseAttempt, metadata map[string]interface{}) {
	if o.kafkaProducer == nil {
		return // Kafka не настроен, пропускаем
	}

	event := kafka.NewPurchaseEvent(eventType, attempt.ID, attempt.UserID, string(attempt.State), metadata)
	if err := o.kafkaProducer.PublishEvent(kafka.TopicPurchaseEvents, attempt.ID, event); err != nil {
		// Логируем ошибку, но не прерываем обработку - Kafka опциональный
		o.logger.WithError(err).WithFields(log.Fields{
			"event_type": eventType,
			"attempt_id": attempt.ID,
		}).Warn("failed to publish purchase event to kafka")
	}
}

var _ Orchestrator = (*orchestrator)(nil)
