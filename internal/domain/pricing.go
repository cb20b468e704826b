package domain

// PricingResult описывает цену одной позиции заказа после применения правил.
type PricingResult struct {
	PurchasableID string
	Qty           int32
	Currency      string
	// AmountMinor — цена за единицу без скидки.
	AmountMinor int64
	// PurchasePriceMinor — итоговая цена позиции (qty * цена со скидкой).
	PurchasePriceMinor int64
}

// PricingResults агрегирует поитемную разбивку и суммы по заказу.
type PricingResults struct {
	Items    []PricingResult
	Currency string
	// TotalPurchasePriceMinor — сумма к списанию после скидок.
	TotalPurchasePriceMinor int64
	// TotalNonDiscountedMinor — сумма без учёта купона.
	TotalNonDiscountedMinor int64
}

// Coupon — правило скидки, применяемое Pricer-ом.
type Coupon struct {
	Code string
	// PercentOff в диапазоне (0, 100]; применяется к каждой позиции.
	PercentOff int32
}

// Validate проверяет корректность купона.
func (c *Coupon) Validate() []error {
	var errs []error

	if c.Code == "" {
		errs = append(errs, ErrInvalidCoupon)
	}
	if c.PercentOff <= 0 || c.PercentOff > 100 {
		errs = append(errs, ErrInvalidCoupon)
	}

	return errs
}

// PricingFailure оборачивает нестандартную ошибку правил ценообразования,
// сохраняя человекочитаемое сообщение для транспортного слоя.
type PricingFailure struct {
	Message string
}

func (e *PricingFailure) Error() string {
	return e.Message
}
