package pricing

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

// CouponTable — in-memory источник купонов.
type CouponTable struct {
	mu      sync.RWMutex
	coupons map[string]domain.Coupon
}

// NewCouponTable создаёт таблицу купонов с начальным наполнением.
func NewCouponTable(coupons ...domain.Coupon) *CouponTable {
	table := &CouponTable{coupons: make(map[string]domain.Coupon)}
	for _, coupon := range coupons {
		table.coupons[coupon.Code] = coupon
	}
	return table
}

// Get возвращает купон по коду или ErrNoSuchCoupon.
func (t *CouponTable) Get(code string) (domain.Coupon, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	coupon, ok := t.coupons[code]
	if !ok {
		return domain.Coupon{}, domain.ErrNoSuchCoupon
	}
	return coupon, nil
}

// Put добавляет или заменяет купон.
func (t *CouponTable) Put(coupon domain.Coupon) error {
	if errs := coupon.Validate(); len(errs) > 0 {
		return domain.ErrInvalidCoupon
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.coupons[coupon.Code] = coupon
	return nil
}

// StandardPricer считает цены по каталогу с опциональной процентной скидкой.
// Скидка применяется к цене единицы в decimal и округляется банковским
// округлением до минимальной денежной единицы.
type StandardPricer struct {
	catalog domain.Catalog
	coupons *CouponTable
}

// NewStandardPricer создаёт pricer поверх каталога и таблицы купонов.
func NewStandardPricer(catalog domain.Catalog, coupons *CouponTable) *StandardPricer {
	if coupons == nil {
		coupons = NewCouponTable()
	}
	return &StandardPricer{catalog: catalog, coupons: coupons}
}

// PriceItem считает цену одной позиции с опциональным купоном.
func (p *StandardPricer) PriceItem(purchasableID string, qty int32, couponCode string) (domain.PricingResult, error) {
	if qty <= 0 {
		return domain.PricingResult{}, domain.ErrInvalidQuantity
	}

	item, err := p.catalog.Get(purchasableID)
	if err != nil {
		return domain.PricingResult{}, err
	}

	unit := decimal.NewFromInt(item.AmountMinor)
	discounted := unit
	if couponCode != "" {
		coupon, err := p.coupons.Get(couponCode)
		if err != nil {
			return domain.PricingResult{}, err
		}
		if errs := coupon.Validate(); len(errs) > 0 {
			return domain.PricingResult{}, domain.ErrInvalidCoupon
		}
		factor := decimal.NewFromInt(100 - int64(coupon.PercentOff)).Div(decimal.NewFromInt(100))
		discounted = unit.Mul(factor)
	}

	total := discounted.Mul(decimal.NewFromInt(int64(qty))).RoundBank(0)

	return domain.PricingResult{
		PurchasableID:      item.ID,
		Qty:                qty,
		Currency:           item.Currency,
		AmountMinor:        item.AmountMinor,
		PurchasePriceMinor: total.IntPart(),
	}, nil
}

// Evaluate считает поитемную разбивку и суммы по заказу. Валюты всех позиций
// обязаны совпадать; смешанный заказ — ошибка правил ценообразования.
func (p *StandardPricer) Evaluate(order domain.PurchaseOrder) (domain.PricingResults, error) {
	if errs := order.Validate(); len(errs) > 0 {
		return domain.PricingResults{}, errs[0]
	}

	results := domain.PricingResults{Items: make([]domain.PricingResult, 0, len(order.Items))}
	for _, item := range order.Items {
		priced, err := p.PriceItem(item.PurchasableID, item.Qty, order.CouponCode)
		if err != nil {
			return domain.PricingResults{}, err
		}

		if results.Currency == "" {
			results.Currency = priced.Currency
		} else if results.Currency != priced.Currency {
			return domain.PricingResults{}, &domain.PricingFailure{Message: "order mixes currencies"}
		}

		results.Items = append(results.Items, priced)
		results.TotalPurchasePriceMinor += priced.PurchasePriceMinor
		results.TotalNonDiscountedMinor += priced.AmountMinor * int64(item.Qty)
	}

	return results, nil
}

var _ domain.Pricer = (*StandardPricer)(nil)
