package domain

import (
	"sort"
	"strings"
)

// PurchaseItem представляет одну позицию заказа: что покупаем и сколько.
// Неизменяем после встраивания в заказ.
type PurchaseItem struct {
	PurchasableID string
	Qty           int32
}

// PurchaseOrder — упорядоченный набор позиций плюс опциональный купон.
// Строится один раз на попытку и больше не мутируется.
type PurchaseOrder struct {
	Items      []PurchaseItem
	CouponCode string
}

// NewPurchaseOrder собирает заказ, копируя позиции.
func NewPurchaseOrder(items []PurchaseItem, couponCode string) PurchaseOrder {
	copied := make([]PurchaseItem, len(items))
	copy(copied, items)
	return PurchaseOrder{Items: copied, CouponCode: couponCode}
}

// Validate проверяет позиции заказа.
func (o *PurchaseOrder) Validate() []error {
	var errs []error

	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, item := range o.Items {
		if item.PurchasableID == "" {
			errs = append(errs, ErrInvalidPurchasable)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrInvalidQuantity)
		}
	}

	return errs
}

// PurchasableIDs возвращает идентификаторы позиций в порядке заказа.
func (o *PurchaseOrder) PurchasableIDs() []string {
	ids := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		ids = append(ids, item.PurchasableID)
	}
	return ids
}

// Contains сообщает, входит ли purchasable в заказ.
func (o *PurchaseOrder) Contains(purchasableID string) bool {
	for _, item := range o.Items {
		if item.PurchasableID == purchasableID {
			return true
		}
	}
	return false
}

// ItemsKey возвращает канонический ключ набора позиций: отсортированные
// идентификаторы через запятую. Ключ попадает в события и журналы, поэтому
// два заказа с одинаковым набором товаров дают одинаковый ключ.
func (o *PurchaseOrder) ItemsKey() string {
	ids := o.PurchasableIDs()
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
