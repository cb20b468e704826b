package domain

// Purchasable — запись каталога: то, что можно купить.
type Purchasable struct {
	ID          string
	Title       string
	Description string
	// AmountMinor — цена за единицу в минимальных денежных единицах.
	AmountMinor int64
	Currency    string
	// Public == false скрывает позицию из общих выборок, но не из покупки по ID.
	Public bool
	// Provider выбирает платёжный процессор, через который идёт списание.
	Provider string
	// ChoiceBundle — набор альтернатив; при погашении выбирается ровно одна.
	ChoiceBundle bool
	// BundleItems перечисляет идентификаторы членов choice-bundle.
	BundleItems []string
	Giftable    bool
}

// Validate проверяет ключевые поля записи каталога.
func (p *Purchasable) Validate() []error {
	var errs []error

	if p.ID == "" {
		errs = append(errs, ErrInvalidPurchasable)
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if p.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if p.Provider == "" {
		errs = append(errs, ErrProcessorRequired)
	}
	if p.ChoiceBundle && len(p.BundleItems) == 0 {
		errs = append(errs, ErrBundleItemsRequired)
	}

	return errs
}

// IsBundleMember сообщает, входит ли id в состав choice-bundle.
func (p *Purchasable) IsBundleMember(id string) bool {
	for _, member := range p.BundleItems {
		if member == id {
			return true
		}
	}
	return false
}
