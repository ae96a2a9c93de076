// Package memory is an in-process saga store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/internal/repository"
	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
)

// Store keeps sagas in memory. Every read and write goes through deep
// copies, so callers never share state with the store.
type Store struct {
	mu            sync.RWMutex
	sagas         map[string]*domain.Saga
	byCorrelation map[string]string
	// created orders saga ids by (created_at, id) for listing.
	created *btree.Map[string, string]
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sagas:         make(map[string]*domain.Saga),
		byCorrelation: make(map[string]string),
		created:       btree.NewMap[string, string](32),
	}
}

func createdKey(s *domain.Saga) string {
	return fmt.Sprintf("%020d/%s", s.CreatedAt.UnixNano(), s.ID)
}

// Create inserts a saga with its steps.
func (s *Store) Create(_ context.Context, saga *domain.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[saga.ID]; exists {
		return apperrors.AlreadyExists("saga", "id", saga.ID)
	}
	if saga.CorrelationID != "" {
		if _, taken := s.byCorrelation[saga.CorrelationID]; taken {
			return repository.ErrDuplicateCorrelation
		}
		s.byCorrelation[saga.CorrelationID] = saga.ID
	}

	s.sagas[saga.ID] = saga.Clone()
	s.created.Set(createdKey(saga), saga.ID)
	return nil
}

// Get returns a copy of the saga.
func (s *Store) Get(_ context.Context, id string) (*domain.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.sagas[id]
	if !ok {
		return nil, apperrors.NotFound("saga", id)
	}
	return stored.Clone(), nil
}

// GetByCorrelationID returns a copy of the saga owning correlationID.
func (s *Store) GetByCorrelationID(_ context.Context, correlationID string) (*domain.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCorrelation[correlationID]
	if !ok {
		return nil, apperrors.NotFound("saga with correlation id", correlationID)
	}
	return s.sagas[id].Clone(), nil
}

// Update writes the saga header when the stored status equals expected.
// Steps are written separately through AppendStepResult.
func (s *Store) Update(_ context.Context, saga *domain.Saga, expected domain.SagaStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sagas[saga.ID]
	if !ok {
		return apperrors.NotFound("saga", saga.ID)
	}
	if stored.Status != expected {
		return fmt.Errorf("saga %s is %s, expected %s: %w", saga.ID, stored.Status, expected, repository.ErrConcurrentModification)
	}

	steps := stored.Steps
	next := saga.Clone()
	next.Steps = steps
	next.TotalSteps = stored.TotalSteps
	next.CreatedAt = stored.CreatedAt
	next.CorrelationID = stored.CorrelationID
	s.sagas[saga.ID] = next
	return nil
}

// ListSteps returns copies of the saga's steps.
func (s *Store) ListSteps(_ context.Context, sagaID string) ([]domain.SagaStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.sagas[sagaID]
	if !ok {
		return nil, apperrors.NotFound("saga", sagaID)
	}
	steps := make([]domain.SagaStep, len(stored.Steps))
	for i := range stored.Steps {
		steps[i] = stored.Steps[i].Clone()
	}
	return steps, nil
}

// AppendStepResult writes step when its stored status equals expected.
func (s *Store) AppendStepResult(_ context.Context, sagaID string, step *domain.SagaStep, expected domain.StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sagas[sagaID]
	if !ok {
		return apperrors.NotFound("saga", sagaID)
	}
	current := stored.Step(step.StepNumber)
	if current == nil {
		return apperrors.NotFound("saga step", fmt.Sprintf("%s/%d", sagaID, step.StepNumber))
	}
	if current.Status != expected {
		return fmt.Errorf("step %d of saga %s is %s, expected %s: %w",
			step.StepNumber, sagaID, current.Status, expected, repository.ErrConcurrentModification)
	}

	*current = step.Clone()
	return nil
}

// Query returns one page of saga headers, newest first.
func (s *Store) Query(_ context.Context, filter repository.Filter) ([]domain.Saga, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		page  []domain.Saga
		total int
	)
	s.created.Reverse(func(_ string, id string) bool {
		saga := s.sagas[id]
		if !matches(saga, filter) {
			return true
		}
		if total >= filter.Offset && (filter.Limit <= 0 || len(page) < filter.Limit) {
			header := saga.Clone()
			header.Steps = nil
			page = append(page, *header)
		}
		total++
		return true
	})

	if page == nil {
		page = []domain.Saga{}
	}
	return page, total, nil
}

func matches(saga *domain.Saga, f repository.Filter) bool {
	if f.Status != "" && saga.Status != f.Status {
		return false
	}
	if f.Pattern != "" && saga.Pattern != f.Pattern {
		return false
	}
	if f.TransactionType != "" && saga.TransactionType != f.TransactionType {
		return false
	}
	return true
}

// ListExpired returns overdue running sagas and stalled compensations,
// oldest first.
func (s *Store) ListExpired(_ context.Context, now time.Time, compensationTimeout time.Duration) ([]domain.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expired := []domain.Saga{}
	s.created.Scan(func(_ string, id string) bool {
		saga := s.sagas[id]
		switch saga.Status {
		case domain.SagaRunning:
			if deadline, ok := saga.Deadline(); ok && deadline.Before(now) {
				expired = append(expired, *saga.Clone())
			}
		case domain.SagaCompensating:
			if compensationTimeout > 0 && saga.UpdatedAt.Add(compensationTimeout).Before(now) {
				expired = append(expired, *saga.Clone())
			}
		}
		return true
	})
	return expired, nil
}

// CountByStatus returns the number of stored sagas per status.
func (s *Store) CountByStatus(_ context.Context) (map[domain.SagaStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.SagaStatus]int)
	for _, saga := range s.sagas {
		counts[saga.Status]++
	}
	return counts, nil
}

// Delete removes a saga.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saga, ok := s.sagas[id]
	if !ok {
		return apperrors.NotFound("saga", id)
	}
	s.created.Delete(createdKey(saga))
	if saga.CorrelationID != "" {
		delete(s.byCorrelation, saga.CorrelationID)
	}
	delete(s.sagas, id)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

var _ repository.SagaRepository = (*Store)(nil)
