package domain_test

import (
	"testing"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

func TestPurchaseOrderItemsKey_Canonical(t *testing.T) {
	a := domain.NewPurchaseOrder([]domain.PurchaseItem{
		{PurchasableID: "course-go", Qty: 1},
		{PurchasableID: "course-sql", Qty: 2},
	}, "")
	b := domain.NewPurchaseOrder([]domain.PurchaseItem{
		{PurchasableID: "course-sql", Qty: 1},
		{PurchasableID: "course-go", Qty: 1},
	}, "SPRING")

	if a.ItemsKey() != b.ItemsKey() {
		t.Fatalf("items key must not depend on order or coupon: %q vs %q", a.ItemsKey(), b.ItemsKey())
	}
	if a.ItemsKey() != "course-go,course-sql" {
		t.Fatalf("unexpected items key %q", a.ItemsKey())
	}
}

func TestPurchaseOrderValidate(t *testing.T) {
	cases := []struct {
		name    string
		order   domain.PurchaseOrder
		wantErr bool
	}{
		{
			name:  "ok",
			order: domain.NewPurchaseOrder([]domain.PurchaseItem{{PurchasableID: "course-go", Qty: 3}}, ""),
		},
		{
			name:    "empty",
			order:   domain.PurchaseOrder{},
			wantErr: true,
		},
		{
			name:    "zero qty",
			order:   domain.NewPurchaseOrder([]domain.PurchaseItem{{PurchasableID: "course-go", Qty: 0}}, ""),
			wantErr: true,
		},
		{
			name:    "empty purchasable id",
			order:   domain.NewPurchaseOrder([]domain.PurchaseItem{{PurchasableID: "", Qty: 1}}, ""),
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := tc.order.Validate()
			if tc.wantErr && len(errs) == 0 {
				t.Fatal("expected validation errors, got none")
			}
			if !tc.wantErr && len(errs) != 0 {
				t.Fatalf("expected no validation errors, got %v", errs)
			}
		})
	}
}

func TestPurchaseOrderContains(t *testing.T) {
	order := domain.NewPurchaseOrder([]domain.PurchaseItem{{PurchasableID: "course-go", Qty: 1}}, "")
	if !order.Contains("course-go") {
		t.Fatal("expected order to contain course-go")
	}
	if order.Contains("course-sql") {
		t.Fatal("order must not contain course-sql")
	}
}
