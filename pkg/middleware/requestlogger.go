package middleware

import (
	"log/slog"
	"net/http"

	"github.com/utafrali/saga-orchestrator/pkg/logger"
)

// SagaIDHeader lets callers and participants tag a request with the saga it
// belongs to.
const SagaIDHeader = "X-Saga-ID"

// RequestLogger returns middleware that builds a request-scoped logger enriched
// with correlation_id, saga_id, trace_id, and span_id, then stores it in
// context via logger.NewContext. Downstream handlers retrieve it with
// logger.FromContext(ctx).
//
// Mount it after RequestLogging (correlation_id) and Tracing (span context).
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if sagaID := r.Header.Get(SagaIDHeader); sagaID != "" && logger.SagaIDFromContext(ctx) == "" {
				ctx = logger.WithSagaID(ctx, sagaID)
			}

			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
