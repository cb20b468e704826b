package catalog

import (
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

func sample(id string, public bool) domain.Purchasable {
	return domain.Purchasable{
		ID:          id,
		Title:       "Course " + id,
		AmountMinor: 30000,
		Currency:    "USD",
		Public:      public,
		Provider:    "cardnetwork",
	}
}

func TestCatalogGet(t *testing.T) {
	c := NewWithItems(sample("course-go", true))

	item, err := c.Get("course-go")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.AmountMinor != 30000 {
		t.Fatalf("unexpected amount %d", item.AmountMinor)
	}

	if _, err := c.Get("missing"); !errors.Is(err, domain.ErrInvalidPurchasable) {
		t.Fatalf("expected ErrInvalidPurchasable, got %v", err)
	}
}

func TestCatalogAll_PublicFilter(t *testing.T) {
	c := NewWithItems(sample("a", true), sample("b", false), sample("c", true))

	public := c.All(false)
	if len(public) != 2 {
		t.Fatalf("expected 2 public items, got %d", len(public))
	}

	all := c.All(true)
	if len(all) != 3 {
		t.Fatalf("expected 3 items, got %d", len(all))
	}
	if all[0].ID != "a" || all[2].ID != "c" {
		t.Fatalf("expected sorted items, got %v", all)
	}
}

func TestCatalogPut_Validates(t *testing.T) {
	c := New()
	bad := sample("x", true)
	bad.Provider = ""
	if err := c.Put(bad); err == nil {
		t.Fatal("expected validation error for missing provider")
	}

	bundle := sample("bundle", true)
	bundle.ChoiceBundle = true
	if err := c.Put(bundle); err == nil {
		t.Fatal("expected validation error for bundle without items")
	}

	bundle.BundleItems = []string{"a", "b"}
	if err := c.Put(bundle); err != nil {
		t.Fatalf("put bundle: %v", err)
	}
}
