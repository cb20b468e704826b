package catalog

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

// Catalog — in-memory каталог purchasable. Управляющие операции (Put/Remove)
// относятся к административному контуру; попытки покупки каталогом только
// читают.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]domain.Purchasable
}

// New создаёт пустой каталог.
func New() *Catalog {
	return &Catalog{items: make(map[string]domain.Purchasable)}
}

// NewWithItems создаёт каталог с начальным наполнением.
func NewWithItems(items ...domain.Purchasable) *Catalog {
	c := New()
	for _, item := range items {
		c.items[item.ID] = item
	}
	return c
}

// Get возвращает запись по идентификатору или ErrInvalidPurchasable.
func (c *Catalog) Get(id string) (domain.Purchasable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[id]
	if !ok {
		return domain.Purchasable{}, domain.ErrInvalidPurchasable
	}
	return item, nil
}

// All возвращает записи каталога, отсортированные по идентификатору.
func (c *Catalog) All(withPrivate bool) []domain.Purchasable {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]domain.Purchasable, 0, len(c.items))
	for _, item := range c.items {
		if !withPrivate && !item.Public {
			continue
		}
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Put добавляет или заменяет запись каталога.
func (c *Catalog) Put(item domain.Purchasable) error {
	if errs := item.Validate(); len(errs) > 0 {
		return errs[0]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
	return nil
}

// Remove удаляет запись каталога. Попытки покупки ссылаются на запись по ID
// и переживают удаление.
func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}

var _ domain.Catalog = (*Catalog)(nil)
