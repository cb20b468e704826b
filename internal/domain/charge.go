package domain

import "time"

// ChargeStatus описывает состояние списания на стороне процессора.
type ChargeStatus string

const (
	// ChargeStatusPending — списание инициировано, подтверждения ещё нет.
	ChargeStatusPending ChargeStatus = "pending"
	// ChargeStatusCaptured — деньги списаны в пользу мерчанта.
	ChargeStatusCaptured ChargeStatus = "captured"
	// ChargeStatusFailed — процессор отклонил списание.
	ChargeStatusFailed ChargeStatus = "failed"
	// ChargeStatusRefunded — средства возвращены полностью.
	ChargeStatusRefunded ChargeStatus = "refunded"
)

// CardDetails — входные данные для токенизации платёжного средства.
type CardDetails struct {
	Number   string
	ExpMonth int
	ExpYear  int
	CVC      string
	Holder   string
}

// Token — непрозрачный платёжный токен, выданный процессором.
type Token struct {
	Value     string
	Processor string
	CreatedAt time.Time
}

// Charge описывает списание, связанное с попыткой покупки.
type Charge struct {
	ID          string
	AttemptID   string
	Processor   string
	ExternalID  string // Может быть пустым, если процессор не вернул идентификатор.
	Status      ChargeStatus
	AmountMinor int64
	Currency    string
	CreatedAt   time.Time
}

// RefundReceipt фиксирует выполненный возврат.
type RefundReceipt struct {
	ID          string
	ChargeID    string
	AmountMinor int64
	Currency    string
	CreatedAt   time.Time
}

// StatusUpdate — авторитетное состояние попытки со стороны процессора,
// полученное через sync-запрос.
type StatusUpdate struct {
	AttemptID   string
	Status      ChargeStatus
	ChargeID    string
	FailureText string
}

// ChargeTask — отложенная задача на списание. Пишется в одной транзакции с
// pending-попыткой, поэтому воркер увидит её только после commit.
type ChargeTask struct {
	ID        string
	AttemptID string
	Token     string
	// ExpectedAmountMinor < 0 означает «клиент не передал ожидаемую сумму».
	ExpectedAmountMinor int64
	// Tenant — снимок контекста сайта/арендатора на момент отправки запроса.
	Tenant    string
	CreatedAt time.Time
}

// Invoice — представление чека для успешной покупки.
type Invoice struct {
	AttemptID   string
	Code        string
	ChargeID    string
	AmountMinor int64
	Currency    string
	Items       []PricingResult
	IssuedAt    time.Time
}
