package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/internal/repository"
	"github.com/utafrali/saga-orchestrator/pkg/database"
	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
)

const (
	uniqueViolation       = "23505"
	correlationConstraint = "idx_saga_transactions_correlation_id"
)

const sagaColumns = `id, transaction_type, pattern, status, current_step, total_steps,
	input_data, metadata, correlation_id, timeout_ms,
	created_at, updated_at, started_at, completed_at, error_message`

const stepColumns = `step_number, step_id, name, service_url, action, compensation_action,
	timeout_ms, status, request_payload, response_payload, error,
	started_at, completed_at, attempt_count`

const (
	insertSagaSQL = `
		INSERT INTO saga_transactions (` + sagaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	insertStepSQL = `
		INSERT INTO saga_steps (saga_id, ` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	selectSagaSQL = `SELECT ` + sagaColumns + ` FROM saga_transactions WHERE id = $1`

	selectSagaByCorrelationSQL = `SELECT ` + sagaColumns + ` FROM saga_transactions WHERE correlation_id = $1`

	selectStepsSQL = `SELECT ` + stepColumns + ` FROM saga_steps WHERE saga_id = $1 ORDER BY step_number`

	updateSagaSQL = `
		UPDATE saga_transactions
		SET status = $1, current_step = $2, metadata = $3, error_message = $4,
			started_at = $5, completed_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9`

	updateStepSQL = `
		UPDATE saga_steps
		SET status = $1, request_payload = $2, response_payload = $3, error = $4,
			started_at = $5, completed_at = $6, attempt_count = $7
		WHERE saga_id = $8 AND step_number = $9 AND status = $10`

	sagaStatusSQL = `SELECT status FROM saga_transactions WHERE id = $1`

	stepStatusSQL = `SELECT status FROM saga_steps WHERE saga_id = $1 AND step_number = $2`

	listExpiredSQL = `
		SELECT ` + sagaColumns + `
		FROM saga_transactions
		WHERE (status = 'running' AND timeout_ms > 0
				AND started_at + timeout_ms * INTERVAL '1 millisecond' < $1)
			OR (status = 'compensating' AND $2::BIGINT > 0
				AND updated_at + $2::BIGINT * INTERVAL '1 millisecond' < $1)
		ORDER BY created_at ASC`

	countByStatusSQL = `SELECT status, COUNT(*) FROM saga_transactions GROUP BY status`

	deleteSagaSQL = `DELETE FROM saga_transactions WHERE id = $1`
)

// SagaRepository implements repository.SagaRepository on PostgreSQL.
type SagaRepository struct {
	db database.DBTX
}

// NewSagaRepository creates a PostgreSQL-backed saga repository.
func NewSagaRepository(db database.DBTX) *SagaRepository {
	return &SagaRepository{db: db}
}

var _ repository.SagaRepository = (*SagaRepository)(nil)

// Create inserts the saga and all of its steps in one transaction.
func (r *SagaRepository) Create(ctx context.Context, saga *domain.Saga) (err error) {
	ctx, end := database.TraceQuery(ctx, "CreateSaga", insertSagaSQL)
	defer func() { end(err) }()

	inputJSON, metadataJSON, err := marshalSaga(saga)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create saga: %w", err)
	}

	_, err = tx.Exec(ctx, insertSagaSQL,
		saga.ID,
		saga.TransactionType,
		string(saga.Pattern),
		string(saga.Status),
		saga.CurrentStep,
		saga.TotalSteps,
		inputJSON,
		metadataJSON,
		nullableString(saga.CorrelationID),
		saga.Timeout.Milliseconds(),
		saga.CreatedAt,
		saga.UpdatedAt,
		saga.StartedAt,
		saga.CompletedAt,
		nullableString(saga.ErrorMessage),
	)
	if err != nil {
		_ = tx.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == correlationConstraint {
			return repository.ErrDuplicateCorrelation
		}
		return fmt.Errorf("insert saga: %w", err)
	}

	for i := range saga.Steps {
		st := &saga.Steps[i]
		_, err = tx.Exec(ctx, insertStepSQL,
			saga.ID,
			st.StepNumber,
			st.StepID,
			st.Name,
			st.ServiceURL,
			st.Action,
			nullableString(st.CompensationAction),
			st.Timeout.Milliseconds(),
			string(st.Status),
			nullableJSON(st.RequestPayload),
			nullableJSON(st.ResponsePayload),
			nullableString(st.Error),
			st.StartedAt,
			st.CompletedAt,
			st.AttemptCount,
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert saga step %d: %w", st.StepNumber, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create saga: %w", err)
	}
	return nil
}

// Get returns the saga with its steps.
func (r *SagaRepository) Get(ctx context.Context, id string) (*domain.Saga, error) {
	return r.getWithSteps(ctx, "GetSaga", selectSagaSQL, id, apperrors.NotFound("saga", id))
}

// GetByCorrelationID returns the saga owning correlationID, with its steps.
func (r *SagaRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Saga, error) {
	return r.getWithSteps(ctx, "GetSagaByCorrelationID", selectSagaByCorrelationSQL, correlationID,
		apperrors.NotFound("saga with correlation id", correlationID))
}

func (r *SagaRepository) getWithSteps(ctx context.Context, op, query, arg string, notFound error) (saga *domain.Saga, err error) {
	ctx, end := database.TraceQuery(ctx, op, query)
	defer func() { end(err) }()

	saga, err = scanSaga(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, fmt.Errorf("get saga: %w", err)
	}

	saga.Steps, err = r.listSteps(ctx, saga.ID)
	if err != nil {
		return nil, err
	}
	return saga, nil
}

// Update writes the saga header when the stored status still equals expected.
func (r *SagaRepository) Update(ctx context.Context, saga *domain.Saga, expected domain.SagaStatus) (err error) {
	ctx, end := database.TraceQuery(ctx, "UpdateSaga", updateSagaSQL)
	defer func() { end(err) }()

	metadataJSON, err := json.Marshal(saga.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	ct, err := r.db.Exec(ctx, updateSagaSQL,
		string(saga.Status),
		saga.CurrentStep,
		metadataJSON,
		nullableString(saga.ErrorMessage),
		saga.StartedAt,
		saga.CompletedAt,
		saga.UpdatedAt,
		saga.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.explainMiss(ctx, sagaStatusSQL, apperrors.NotFound("saga", saga.ID),
			fmt.Sprintf("saga %s expected %s", saga.ID, expected), saga.ID)
	}
	return nil
}

// ListSteps returns the steps of a saga ordered by step number.
func (r *SagaRepository) ListSteps(ctx context.Context, sagaID string) (steps []domain.SagaStep, err error) {
	ctx, end := database.TraceQuery(ctx, "ListSteps", selectStepsSQL)
	defer func() { end(err) }()

	steps, err = r.listSteps(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		var status string
		if err := r.db.QueryRow(ctx, sagaStatusSQL, sagaID).Scan(&status); errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("saga", sagaID)
		}
	}
	return steps, nil
}

func (r *SagaRepository) listSteps(ctx context.Context, sagaID string) ([]domain.SagaStep, error) {
	rows, err := r.db.Query(ctx, selectStepsSQL, sagaID)
	if err != nil {
		return nil, fmt.Errorf("list saga steps: %w", err)
	}
	defer rows.Close()

	steps := []domain.SagaStep{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga step: %w", err)
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga steps: %w", err)
	}
	return steps, nil
}

// AppendStepResult writes one step when its stored status still equals expected.
func (r *SagaRepository) AppendStepResult(ctx context.Context, sagaID string, step *domain.SagaStep, expected domain.StepStatus) (err error) {
	ctx, end := database.TraceQuery(ctx, "AppendStepResult", updateStepSQL)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, updateStepSQL,
		string(step.Status),
		nullableJSON(step.RequestPayload),
		nullableJSON(step.ResponsePayload),
		nullableString(step.Error),
		step.StartedAt,
		step.CompletedAt,
		step.AttemptCount,
		sagaID,
		step.StepNumber,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("update saga step: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.explainMiss(ctx, stepStatusSQL,
			apperrors.NotFound("saga step", fmt.Sprintf("%s/%d", sagaID, step.StepNumber)),
			fmt.Sprintf("step %d of saga %s expected %s", step.StepNumber, sagaID, expected),
			sagaID, step.StepNumber)
	}
	return nil
}

// explainMiss tells a missing row apart from a row in an unexpected state.
func (r *SagaRepository) explainMiss(ctx context.Context, query string, notFound error, what string, args ...any) error {
	var status string
	err := r.db.QueryRow(ctx, query, args...).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return notFound
	case err != nil:
		return fmt.Errorf("read current status: %w", err)
	default:
		return fmt.Errorf("%s, found %s: %w", what, status, repository.ErrConcurrentModification)
	}
}

// Query returns one page of saga headers, newest first.
func (r *SagaRepository) Query(ctx context.Context, filter repository.Filter) (sagas []domain.Saga, total int, err error) {
	where, args := buildWhere(filter)
	countSQL := `SELECT COUNT(*) FROM saga_transactions` + where

	ctx, end := database.TraceQuery(ctx, "QuerySagas", countSQL)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sagas: %w", err)
	}

	pageSQL := `SELECT ` + sagaColumns + ` FROM saga_transactions` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		pageSQL += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		pageSQL += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	sagas, err = r.querySagas(ctx, pageSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	return sagas, total, nil
}

func buildWhere(f repository.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Pattern != "" {
		args = append(args, string(f.Pattern))
		conds = append(conds, fmt.Sprintf("pattern = $%d", len(args)))
	}
	if f.TransactionType != "" {
		args = append(args, f.TransactionType)
		conds = append(conds, fmt.Sprintf("transaction_type = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListExpired returns overdue running sagas and stalled compensations.
func (r *SagaRepository) ListExpired(ctx context.Context, now time.Time, compensationTimeout time.Duration) (sagas []domain.Saga, err error) {
	ctx, end := database.TraceQuery(ctx, "ListExpiredSagas", listExpiredSQL)
	defer func() { end(err) }()

	return r.querySagas(ctx, listExpiredSQL, now, compensationTimeout.Milliseconds())
}

func (r *SagaRepository) querySagas(ctx context.Context, query string, args ...any) ([]domain.Saga, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sagas: %w", err)
	}
	defer rows.Close()

	sagas := []domain.Saga{}
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga row: %w", err)
		}
		sagas = append(sagas, *saga)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga rows: %w", err)
	}
	return sagas, nil
}

// CountByStatus returns the number of sagas per status.
func (r *SagaRepository) CountByStatus(ctx context.Context) (counts map[domain.SagaStatus]int, err error) {
	ctx, end := database.TraceQuery(ctx, "CountSagasByStatus", countByStatusSQL)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, countByStatusSQL)
	if err != nil {
		return nil, fmt.Errorf("count sagas by status: %w", err)
	}
	defer rows.Close()

	counts = make(map[domain.SagaStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.SagaStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// Delete removes a saga; its steps go with it through the foreign key.
func (r *SagaRepository) Delete(ctx context.Context, id string) (err error) {
	ctx, end := database.TraceQuery(ctx, "DeleteSaga", deleteSagaSQL)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, deleteSagaSQL, id)
	if err != nil {
		return fmt.Errorf("delete saga: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("saga", id)
	}
	return nil
}

// Ping checks database connectivity.
func (r *SagaRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanSaga(row pgx.Row) (*domain.Saga, error) {
	var (
		saga          domain.Saga
		pattern       string
		status        string
		inputJSON     []byte
		metadataJSON  []byte
		correlationID *string
		timeoutMS     int64
		errorMessage  *string
	)
	err := row.Scan(
		&saga.ID,
		&saga.TransactionType,
		&pattern,
		&status,
		&saga.CurrentStep,
		&saga.TotalSteps,
		&inputJSON,
		&metadataJSON,
		&correlationID,
		&timeoutMS,
		&saga.CreatedAt,
		&saga.UpdatedAt,
		&saga.StartedAt,
		&saga.CompletedAt,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	saga.Pattern = domain.Pattern(pattern)
	saga.Status = domain.SagaStatus(status)
	saga.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if len(inputJSON) > 0 {
		saga.InputData = inputJSON
	}
	saga.Metadata = map[string]string{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &saga.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if correlationID != nil {
		saga.CorrelationID = *correlationID
	}
	if errorMessage != nil {
		saga.ErrorMessage = *errorMessage
	}
	return &saga, nil
}

func scanStep(row pgx.Row) (*domain.SagaStep, error) {
	var (
		step               domain.SagaStep
		compensationAction *string
		timeoutMS          int64
		status             string
		requestJSON        []byte
		responseJSON       []byte
		stepErr            *string
	)
	err := row.Scan(
		&step.StepNumber,
		&step.StepID,
		&step.Name,
		&step.ServiceURL,
		&step.Action,
		&compensationAction,
		&timeoutMS,
		&status,
		&requestJSON,
		&responseJSON,
		&stepErr,
		&step.StartedAt,
		&step.CompletedAt,
		&step.AttemptCount,
	)
	if err != nil {
		return nil, err
	}

	step.Status = domain.StepStatus(status)
	step.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if compensationAction != nil {
		step.CompensationAction = *compensationAction
	}
	if len(requestJSON) > 0 {
		step.RequestPayload = requestJSON
	}
	if len(responseJSON) > 0 {
		step.ResponsePayload = responseJSON
	}
	if stepErr != nil {
		step.Error = *stepErr
	}
	return &step, nil
}

func marshalSaga(saga *domain.Saga) (input, metadata []byte, err error) {
	if len(saga.InputData) > 0 {
		if !json.Valid(saga.InputData) {
			return nil, nil, fmt.Errorf("input data is not valid JSON")
		}
		input = saga.InputData
	}
	metadata, err = json.Marshal(saga.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return input, metadata, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
