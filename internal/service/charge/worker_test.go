package charge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

type stubTaskRepo struct {
	mu      sync.Mutex
	pending []domain.ChargeTask
	done    []string
	failed  []string
}

func (s *stubTaskRepo) PullPending(limit int) ([]domain.ChargeTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.ChargeTask(nil), s.pending...), nil
	}
	return append([]domain.ChargeTask(nil), s.pending[:limit]...), nil
}

func (s *stubTaskRepo) MarkDone(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, id)
	for i, task := range s.pending {
		if task.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (s *stubTaskRepo) MarkFailed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
	for i, task := range s.pending {
		if task.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	return nil
}

type stubExecutor struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	panicOnce      bool
	callCount      int
}

func (s *stubExecutor) ExecuteCharge(_ context.Context, _ domain.ChargeTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if s.panicOnce {
		s.panicOnce = false
		panic("executor blew up")
	}
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}
	return s.err
}

func (s *stubExecutor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var _ domain.ChargeTaskRepository = (*stubTaskRepo)(nil)
var _ Executor = (*stubExecutor)(nil)

func TestWorker_ProcessOnce_MarksDone(t *testing.T) {
	t.Parallel()

	repo := &stubTaskRepo{
		pending: []domain.ChargeTask{
			{ID: "task-1", AttemptID: "attempt-1", Token: "tok_ok", ExpectedAmountMinor: -1},
		},
	}
	executor := &stubExecutor{}

	worker := NewWorker(repo, executor, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	if got := executor.calls(); got != 1 {
		t.Fatalf("expected 1 execute call, got %d", got)
	}
	if len(repo.done) != 1 || repo.done[0] != "task-1" {
		t.Fatalf("expected task-1 marked done, got %v", repo.done)
	}
	if len(repo.failed) != 0 {
		t.Fatalf("expected no failed marks, got %v", repo.failed)
	}
}

func TestWorker_ProcessOnce_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	repo := &stubTaskRepo{
		pending: []domain.ChargeTask{
			{ID: "task-2", AttemptID: "attempt-2", Token: "tok_ok", ExpectedAmountMinor: -1},
		},
	}
	executor := &stubExecutor{
		sequenceErrors: []error{
			errors.New("gateway timeout"),
			errors.New("gateway timeout"),
			nil,
		},
	}

	worker := NewWorker(repo, executor, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	if got := executor.calls(); got != 3 {
		t.Fatalf("expected 3 execute calls, got %d", got)
	}
	if len(repo.done) != 1 {
		t.Fatalf("expected task marked done after retry, got done=%v failed=%v", repo.done, repo.failed)
	}
}

func TestWorker_ProcessOnce_MarksFailedAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubTaskRepo{
		pending: []domain.ChargeTask{
			{ID: "task-3", AttemptID: "attempt-3", Token: "tok_ok", ExpectedAmountMinor: -1},
		},
	}
	executor := &stubExecutor{err: errors.New("gateway unreachable")}

	worker := NewWorker(repo, executor, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	if got := executor.calls(); got != 3 {
		t.Fatalf("expected 3 execute calls, got %d", got)
	}
	if len(repo.failed) != 1 || repo.failed[0] != "task-3" {
		t.Fatalf("expected task-3 marked failed, got %v", repo.failed)
	}
	if len(repo.done) != 0 {
		t.Fatalf("expected no done marks, got %v", repo.done)
	}
}

func TestWorker_ProcessOnce_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	repo := &stubTaskRepo{
		pending: []domain.ChargeTask{
			{ID: "task-4", AttemptID: "attempt-4", Token: "tok_ok", ExpectedAmountMinor: -1},
		},
	}
	executor := &stubExecutor{panicOnce: true}

	worker := NewWorker(repo, executor, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	// Первая попытка паникует, вторая успешна.
	if got := executor.calls(); got != 2 {
		t.Fatalf("expected 2 execute calls, got %d", got)
	}
	if len(repo.done) != 1 {
		t.Fatalf("expected task marked done after panic recovery, got done=%v failed=%v", repo.done, repo.failed)
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubTaskRepo{}
	executor := &stubExecutor{}

	worker := NewWorker(repo, executor, WithPollInterval(5*time.Millisecond), WithRetryBaseDelay(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
