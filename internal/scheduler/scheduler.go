// Package scheduler forces sagas that outlived their deadline.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/internal/metrics"
	"github.com/utafrali/saga-orchestrator/internal/repository"
	"github.com/utafrali/saga-orchestrator/pkg/logger"
)

// Handler applies the forced transitions. *service.Orchestrator implements
// it.
type Handler interface {
	HandleStepTimeout(ctx context.Context, id string) error
	EscalateStuckCompensation(ctx context.Context, id string) error
}

// Config controls the sweep cadence.
type Config struct {
	Interval            time.Duration
	CompensationTimeout time.Duration
}

// Result counts what one sweep did.
type Result struct {
	TimedOut  int
	Escalated int
	Failed    int
}

// Scheduler periodically sweeps the store for overdue sagas.
type Scheduler struct {
	repo    repository.SagaRepository
	handler Handler
	metrics *metrics.Collector
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a scheduler. collector may be nil.
func New(repo repository.SagaRepository, handler Handler, collector *metrics.Collector, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 5 * time.Minute
	}
	return &Scheduler{
		repo:    repo,
		handler: handler,
		metrics: collector,
		cfg:     cfg,
		logger:  log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are
// logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("timeout scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("compensation_timeout", s.cfg.CompensationTimeout),
	)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timeout scheduler stopped")
			return nil
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("timeout sweep failed", slog.String("error", err.Error()))
				continue
			}
			if res.TimedOut > 0 || res.Escalated > 0 || res.Failed > 0 {
				s.logger.Info("timeout sweep finished",
					slog.Int("timed_out", res.TimedOut),
					slog.Int("escalated", res.Escalated),
					slog.Int("failed", res.Failed),
				)
			}
		}
	}
}

// Sweep handles every overdue saga once: running sagas past their deadline
// fail their active step, compensating sagas that made no progress within
// the compensation timeout are escalated to failed.
func (s *Scheduler) Sweep(ctx context.Context) (Result, error) {
	var res Result

	expired, err := s.repo.ListExpired(ctx, s.now(), s.cfg.CompensationTimeout)
	if err != nil {
		return res, fmt.Errorf("list expired sagas: %w", err)
	}

	for _, saga := range expired {
		sagaCtx := logger.WithSagaID(ctx, saga.ID)
		switch saga.Status {
		case domain.SagaRunning:
			err = s.handler.HandleStepTimeout(sagaCtx, saga.ID)
			if err == nil {
				res.TimedOut++
			}
		case domain.SagaCompensating:
			err = s.handler.EscalateStuckCompensation(sagaCtx, saga.ID)
			if err == nil {
				res.Escalated++
			}
		default:
			continue
		}
		if err != nil {
			res.Failed++
			logger.WithContext(sagaCtx, s.logger).ErrorContext(sagaCtx, "failed to force overdue saga",
				slog.String("status", string(saga.Status)),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.metrics != nil {
		counts, err := s.repo.CountByStatus(ctx)
		if err != nil {
			return res, fmt.Errorf("count sagas by status: %w", err)
		}
		s.metrics.SetCurrent(counts)
	}
	return res, nil
}
