package domain

import "time"

// AttemptState описывает жизненный цикл попытки покупки.
type AttemptState string

const (
	// AttemptStatePending — попытка создана, списание ещё не подтверждено шлюзом.
	AttemptStatePending AttemptState = "pending"
	// AttemptStateSucceeded — платёж подтверждён процессором, покупка состоялась.
	AttemptStateSucceeded AttemptState = "succeeded"
	// AttemptStateFailed — процессор отклонил платёж или произошла ошибка шлюза.
	AttemptStateFailed AttemptState = "failed"
	// AttemptStateRefunded — средства возвращены (в том числе по диспуту).
	AttemptStateRefunded AttemptState = "refunded"
)

// AttemptKind разделяет варианты попытки: прямая покупка, подарок, приглашение.
type AttemptKind string

const (
	// AttemptKindDirect — обычная покупка пользователем для себя.
	AttemptKindDirect AttemptKind = "direct"
	// AttemptKindGift — покупка в подарок, ждёт погашения получателем.
	AttemptKindGift AttemptKind = "gift"
	// AttemptKindInvitation — оплаченный пул кодов-приглашений с ёмкостью.
	AttemptKindInvitation AttemptKind = "invitation"
)

// GiftDetails хранит данные подарочной попытки.
type GiftDetails struct {
	Sender       string
	SenderName   string
	Receiver     string
	ReceiverName string
	Message      string
	// DeliveryDate == nil означает «доставить сразу».
	DeliveryDate *time.Time
	Redeemed     bool
	// RedeemedAttemptID ссылается на попытку, созданную при погашении.
	RedeemedAttemptID string
}

// InvitationDetails хранит данные пригласительной попытки.
type InvitationDetails struct {
	// Capacity — оставшееся число погашений кода.
	Capacity  int32
	ExpiresAt time.Time
	// Consumers — пользователи, уже погасившие код.
	Consumers []string
}

// PurchaseAttempt — центральная сущность: одна попытка покупки от отправки
// до терминального исхода. Gift/Invitation — варианты с общим заголовком.
type PurchaseAttempt struct {
	ID string
	// Code — непрозрачный код для поиска попытки при погашении.
	Code        string
	UserID      string
	CreatorMail string
	Kind        AttemptKind
	Order       PurchaseOrder
	// Processor — ключ платёжного процессора, привязывается один раз при создании.
	Processor   string
	State       AttemptState
	Pricing     *PricingResults
	ChargeID    string
	FailureText string
	// Synced == true после первого подтверждения статуса со стороны шлюза.
	Synced bool
	// NotifiedAt фиксирует публикацию PurchaseSucceeded; защищает от дублей.
	NotifiedAt  *time.Time
	Context     map[string]string
	Description string

	Gift       *GiftDetails
	Invitation *InvitationDetails

	// LinkedFromID заполняется у попыток, созданных погашением приглашения.
	LinkedFromID string

	Version   int64
	StartedAt time.Time
	UpdatedAt time.Time
}

// IsPending возвращает true, пока попытка ждёт исхода платежа.
func (a *PurchaseAttempt) IsPending() bool {
	return a.State == AttemptStatePending
}

// IsSynced возвращает true после первого подтверждения от процессора.
func (a *PurchaseAttempt) IsSynced() bool {
	return a.Synced
}

// HasSucceeded возвращает true для успешно завершённой попытки.
func (a *PurchaseAttempt) HasSucceeded() bool {
	return a.State == AttemptStateSucceeded
}

// HasFailed возвращает true для отклонённой попытки.
func (a *PurchaseAttempt) HasFailed() bool {
	return a.State == AttemptStateFailed
}

// IsTerminal возвращает true, если дальнейшие переходы запрещены.
func (a *PurchaseAttempt) IsTerminal() bool {
	switch a.State {
	case AttemptStateSucceeded, AttemptStateFailed, AttemptStateRefunded:
		return true
	default:
		return false
	}
}

// Transition переводит попытку в новое состояние, охраняя монотонность:
// из терминального состояния выхода нет.
func (a *PurchaseAttempt) Transition(next AttemptState, now time.Time) error {
	if a.State == next {
		return nil
	}
	if a.IsTerminal() {
		return ErrInvalidStateTransition
	}
	switch next {
	case AttemptStateSucceeded, AttemptStateFailed, AttemptStateRefunded:
	default:
		return ErrInvalidStateTransition
	}
	a.State = next
	a.UpdatedAt = now.UTC()
	return nil
}

// ValidateInvariants проверяет базовые инварианты попытки и возвращает список замечаний.
func (a *PurchaseAttempt) ValidateInvariants() []error {
	var errs []error

	if a.UserID == "" && a.CreatorMail == "" {
		errs = append(errs, ErrCreatorRequired)
	}
	if a.Processor == "" {
		errs = append(errs, ErrProcessorRequired)
	}
	if a.Code == "" {
		errs = append(errs, ErrCodeRequired)
	}
	errs = append(errs, a.Order.Validate()...)

	switch a.Kind {
	case AttemptKindDirect:
	case AttemptKindGift:
		if a.Gift == nil {
			errs = append(errs, ErrGiftDetailsRequired)
		}
	case AttemptKindInvitation:
		if a.Invitation == nil {
			errs = append(errs, ErrInvitationDetailsRequired)
		} else if a.Invitation.Capacity < 0 {
			errs = append(errs, ErrInvitationCapacityInvalid)
		}
	default:
		errs = append(errs, ErrAttemptKindInvalid)
	}

	return errs
}

// HasConsumer сообщает, погашал ли пользователь этот код ранее.
func (d *InvitationDetails) HasConsumer(userID string) bool {
	for _, consumer := range d.Consumers {
		if consumer == userID {
			return true
		}
	}
	return false
}
