package processor

import (
	"fmt"
	"sort"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

// Registry — таблица способностей платёжных процессоров. Заполняется один раз
// при старте приложения; оркестратор разрешает процессор по ключу provider
// из каталога и не знает о конкретных реализациях.
type Registry struct {
	processors map[string]domain.PaymentProcessor
}

// NewRegistry собирает таблицу из переданных процессоров.
func NewRegistry(processors ...domain.PaymentProcessor) (*Registry, error) {
	registry := &Registry{processors: make(map[string]domain.PaymentProcessor, len(processors))}
	for _, proc := range processors {
		name := proc.Name()
		if name == "" {
			return nil, fmt.Errorf("processor with empty name")
		}
		if _, exists := registry.processors[name]; exists {
			return nil, fmt.Errorf("duplicate processor %q", name)
		}
		registry.processors[name] = proc
	}
	return registry, nil
}

// Resolve возвращает процессор по ключу.
func (r *Registry) Resolve(name string) (domain.PaymentProcessor, error) {
	proc, ok := r.processors[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment processor %q", name)
	}
	return proc, nil
}

// Names возвращает отсортированный список зарегистрированных процессоров.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
