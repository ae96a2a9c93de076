package repository

import (
	"context"
	"errors"
	"time"

	"github.com/utafrali/saga-orchestrator/internal/domain"
)

var (
	// ErrConcurrentModification is returned when a conditional write finds
	// the record in a different state than the caller expected.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrDuplicateCorrelation is returned by Create when another saga already
	// owns the correlation id.
	ErrDuplicateCorrelation = errors.New("correlation id already in use")
)

// Filter narrows a saga listing. Empty fields match everything.
type Filter struct {
	Status          domain.SagaStatus
	Pattern         domain.Pattern
	TransactionType string
	Limit           int
	Offset          int
}

// SagaRepository persists sagas and their steps. Implementations own the
// canonical copy; callers always work on snapshots and write back through
// the conditional Update and AppendStepResult.
type SagaRepository interface {
	// Create inserts a saga with all of its steps.
	Create(ctx context.Context, saga *domain.Saga) error

	// Get returns the saga with its steps.
	Get(ctx context.Context, id string) (*domain.Saga, error)

	// GetByCorrelationID returns the saga owning correlationID, with its steps.
	GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Saga, error)

	// Update writes the saga header if its stored status is still expected.
	Update(ctx context.Context, saga *domain.Saga, expected domain.SagaStatus) error

	// ListSteps returns the steps of a saga ordered by step number.
	ListSteps(ctx context.Context, sagaID string) ([]domain.SagaStep, error)

	// AppendStepResult writes one step if its stored status is still expected.
	AppendStepResult(ctx context.Context, sagaID string, step *domain.SagaStep, expected domain.StepStatus) error

	// Query returns one page of saga headers, newest first, and the total
	// number of matches.
	Query(ctx context.Context, filter Filter) ([]domain.Saga, int, error)

	// ListExpired returns running sagas past their deadline and compensating
	// sagas not updated within compensationTimeout.
	ListExpired(ctx context.Context, now time.Time, compensationTimeout time.Duration) ([]domain.Saga, error)

	// CountByStatus returns the number of sagas per status.
	CountByStatus(ctx context.Context) (map[domain.SagaStatus]int, error)

	// Delete removes a saga and its steps.
	Delete(ctx context.Context, id string) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}
