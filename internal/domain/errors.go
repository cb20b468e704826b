package domain

import "errors"

var (
	// Ошибка пустого или неизвестного purchasable.
	ErrInvalidPurchasable = errors.New("purchasable is unknown or invalid")
	// Ошибка покупки choice-bundle напрямую: сначала нужно выбрать член набора.
	ErrCannotPurchaseBundle = errors.New("choice bundle cannot be purchased directly")
	// Ошибка пустого или некорректного платёжного токена.
	ErrInvalidToken = errors.New("payment token is required")
	// Ошибка отрицательной или нечисловой ожидаемой суммы.
	ErrInvalidAmount = errors.New("expected amount must be non-negative")
	// Ошибка неположительного количества.
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной цены.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствующего создателя попытки (пользователь или email).
	ErrCreatorRequired = errors.New("attempt creator is required")
	// Ошибка отсутствующего ключа процессора.
	ErrProcessorRequired = errors.New("payment processor is required")
	// Ошибка заказа, позиции которого привязаны к разным провайдерам:
	// списание идёт одним вызовом через один шлюз.
	ErrMixedProviders = errors.New("order mixes payment providers")
	// Ошибка отсутствующего кода попытки.
	ErrCodeRequired = errors.New("attempt code is required")
	// Ошибка неизвестного вида попытки.
	ErrAttemptKindInvalid = errors.New("attempt kind is invalid")
	// Ошибка gift-попытки без деталей подарка.
	ErrGiftDetailsRequired = errors.New("gift details are required")
	// Ошибка invitation-попытки без деталей приглашения.
	ErrInvitationDetailsRequired = errors.New("invitation details are required")
	// Ошибка отрицательной ёмкости приглашения.
	ErrInvitationCapacityInvalid = errors.New("invitation capacity must be non-negative")
	// Ошибка choice-bundle без перечня членов.
	ErrBundleItemsRequired = errors.New("choice bundle must list its items")

	// ErrAttemptNotFound возвращается, если попытка не найдена в репозитории.
	ErrAttemptNotFound = errors.New("purchase attempt not found")
	// ErrAttemptVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrAttemptVersionConflict = errors.New("purchase attempt version conflict")
	// ErrInvalidStateTransition — попытка перевести терминальную попытку в новое состояние.
	ErrInvalidStateTransition = errors.New("invalid purchase attempt state transition")
	// ErrPurchaseNotRemovable — удаление оставило бы висящую ссылку погашения.
	ErrPurchaseNotRemovable = errors.New("purchase attempt is referenced by an active redemption")

	// ErrNoSuchCoupon — купон с таким кодом не найден.
	ErrNoSuchCoupon = errors.New("coupon not found")
	// ErrInvalidCoupon — купон найден, но непригоден к применению.
	ErrInvalidCoupon = errors.New("coupon is invalid")

	// ErrInvitationExpired — срок действия кода-приглашения истёк.
	ErrInvitationExpired = errors.New("invitation code has expired")
	// ErrInvitationCapacityExceeded — ёмкость приглашения исчерпана.
	ErrInvitationCapacityExceeded = errors.New("invitation capacity exceeded")
	// ErrInvitationAlreadyAccepted — пользователь уже погасил этот код.
	ErrInvitationAlreadyAccepted = errors.New("invitation already accepted by this user")
	// ErrWrongPurchasable — purchasable не входит в состав кода.
	ErrWrongPurchasable = errors.New("purchasable does not belong to this code")
	// ErrGiftAlreadyRedeemed — подарок одноразовый и уже погашен.
	ErrGiftAlreadyRedeemed = errors.New("gift has already been redeemed")
	// ErrInvalidRedeemableItem — выбранный элемент не является членом bundle.
	ErrInvalidRedeemableItem = errors.New("chosen item is not redeemable for this code")

	// ErrInvalidCardDetails — некорректные данные карты при токенизации.
	ErrInvalidCardDetails = errors.New("card details are invalid")
	// ErrGatewayDeclined — шлюз отклонил списание (бизнес-ошибка).
	ErrGatewayDeclined = errors.New("payment gateway declined the charge")
	// ErrGatewayError — инфраструктурная ошибка шлюза.
	ErrGatewayError = errors.New("payment gateway error")
	// ErrAmountMismatch — ожидаемая клиентом сумма разошлась с расчётной.
	ErrAmountMismatch = errors.New("expected amount does not match computed price")
	// ErrRefundNotAllowed — возврат по неуспешной или уже возвращённой попытке.
	ErrRefundNotAllowed = errors.New("refund is not allowed for this attempt")
	// ErrChargeNotFound — у процессора нет записи о списании.
	ErrChargeNotFound = errors.New("charge not found")

	// ErrTaskNotFound возвращается, если задача на списание не найдена.
	ErrTaskNotFound = errors.New("charge task not found")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyNotFound — запись по ключу не найдена.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — тот же ключ пришёл с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency request hash mismatch")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrAttemptVersionConflict)
}
