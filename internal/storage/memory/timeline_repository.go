package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

// timelineRepositoryInMemory хранит события попыток в памяти (для разработки/тестов).
type timelineRepositoryInMemory struct {
	mu     sync.RWMutex
	events map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepositoryInMemory{events: make(map[string][]domain.TimelineEvent)}
}

// Append добавляет событие в хранилище.
func (r *timelineRepositoryInMemory) Append(event domain.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[event.AttemptID] = append(r.events[event.AttemptID], event)

	sort.Slice(r.events[event.AttemptID], func(i, j int) bool {
		return r.events[event.AttemptID][i].Occurred.Before(r.events[event.AttemptID][j].Occurred)
	})

	return nil
}

// List возвращает события попытки в хронологическом порядке.
func (r *timelineRepositoryInMemory) List(attemptID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.events[attemptID]
	result := make([]domain.TimelineEvent, len(events))
	copy(result, events)
	return result, nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
