package database

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/utafrali/saga-orchestrator/pkg/logger"
)

const tracerName = "github.com/utafrali/saga-orchestrator/pkg/database"

type slowQueryLog struct {
	threshold time.Duration
	logger    *slog.Logger
}

var slowQueries atomic.Pointer[slowQueryLog]

// SetSlowQueryLogging logs queries that take at least threshold as
// warnings. A zero threshold or nil logger turns it off.
func SetSlowQueryLogging(threshold time.Duration, l *slog.Logger) {
	if threshold <= 0 || l == nil {
		slowQueries.Store(nil)
		return
	}
	slowQueries.Store(&slowQueryLog{threshold: threshold, logger: l})
}

// TraceQuery starts a client span for one store operation and returns the
// function that ends it:
//
//	ctx, end := database.TraceQuery(ctx, "UpdateSaga", updateSagaSQL)
//	defer func() { end(err) }()
//
// The saga id carried by ctx, if any, is attached to the span and to the
// slow query record. pgx.ErrNoRows does not mark the span failed.
func TraceQuery(ctx context.Context, operation, statement string) (context.Context, func(error)) {
	start := time.Now()
	sagaID := logger.SagaIDFromContext(ctx)

	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
		attribute.String("db.statement", statement),
	}
	if sagaID != "" {
		attrs = append(attrs, attribute.String("saga.id", sagaID))
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return ctx, func(err error) {
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		logSlow(ctx, operation, statement, sagaID, time.Since(start), err)
	}
}

func logSlow(ctx context.Context, operation, statement, sagaID string, took time.Duration, err error) {
	cfg := slowQueries.Load()
	if cfg == nil || took < cfg.threshold {
		return
	}
	attrs := []any{
		slog.String("operation", operation),
		slog.String("statement", statement),
		slog.Duration("duration", took),
	}
	if sagaID != "" {
		attrs = append(attrs, slog.String("saga_id", sagaID))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	cfg.logger.WarnContext(ctx, "slow query detected", attrs...)
}
