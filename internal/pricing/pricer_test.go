package pricing

import (
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/purchasing/internal/catalog"
	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

func testPricer() *StandardPricer {
	cat := catalog.NewWithItems(
		domain.Purchasable{ID: "course-go", AmountMinor: 30000, Currency: "USD", Public: true, Provider: "cardnetwork"},
		domain.Purchasable{ID: "course-sql", AmountMinor: 10000, Currency: "USD", Public: true, Provider: "cardnetwork"},
		domain.Purchasable{ID: "course-eur", AmountMinor: 5000, Currency: "EUR", Public: true, Provider: "platform"},
	)
	coupons := NewCouponTable(domain.Coupon{Code: "SPRING25", PercentOff: 25})
	return NewStandardPricer(cat, coupons)
}

func TestPriceItem_NoCoupon(t *testing.T) {
	priced, err := testPricer().PriceItem("course-go", 2, "")
	if err != nil {
		t.Fatalf("price item: %v", err)
	}
	if priced.PurchasePriceMinor != 60000 {
		t.Fatalf("expected 60000, got %d", priced.PurchasePriceMinor)
	}
	if priced.AmountMinor != 30000 {
		t.Fatalf("expected unit price 30000, got %d", priced.AmountMinor)
	}
}

func TestPriceItem_Coupon(t *testing.T) {
	priced, err := testPricer().PriceItem("course-go", 1, "SPRING25")
	if err != nil {
		t.Fatalf("price item: %v", err)
	}
	if priced.PurchasePriceMinor != 22500 {
		t.Fatalf("expected 22500 after 25%% off, got %d", priced.PurchasePriceMinor)
	}
}

func TestPriceItem_Errors(t *testing.T) {
	pricer := testPricer()

	if _, err := pricer.PriceItem("course-go", 0, ""); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := pricer.PriceItem("missing", 1, ""); !errors.Is(err, domain.ErrInvalidPurchasable) {
		t.Fatalf("expected ErrInvalidPurchasable, got %v", err)
	}
	if _, err := pricer.PriceItem("course-go", 1, "NOPE"); !errors.Is(err, domain.ErrNoSuchCoupon) {
		t.Fatalf("expected ErrNoSuchCoupon, got %v", err)
	}
}

func TestEvaluate_Totals(t *testing.T) {
	order := domain.NewPurchaseOrder([]domain.PurchaseItem{
		{PurchasableID: "course-go", Qty: 1},
		{PurchasableID: "course-sql", Qty: 2},
	}, "SPRING25")

	results, err := testPricer().Evaluate(order)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	// 30000*0.75 + 2*10000*0.75 = 22500 + 15000
	if results.TotalPurchasePriceMinor != 37500 {
		t.Fatalf("expected total 37500, got %d", results.TotalPurchasePriceMinor)
	}
	if results.TotalNonDiscountedMinor != 50000 {
		t.Fatalf("expected non-discounted 50000, got %d", results.TotalNonDiscountedMinor)
	}
	if results.Currency != "USD" {
		t.Fatalf("expected USD, got %s", results.Currency)
	}
}

func TestEvaluate_MixedCurrencies(t *testing.T) {
	order := domain.NewPurchaseOrder([]domain.PurchaseItem{
		{PurchasableID: "course-go", Qty: 1},
		{PurchasableID: "course-eur", Qty: 1},
	}, "")

	_, err := testPricer().Evaluate(order)
	var failure *domain.PricingFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected PricingFailure, got %v", err)
	}
}
