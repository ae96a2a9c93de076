package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/saga-orchestrator/internal/metrics"
	"github.com/utafrali/saga-orchestrator/internal/repository/memory"
)

func newTestEngine() *engine {
	return newEngine(memory.New(), newFakeInvoker(), &recordingPublisher{}, metrics.NewCollector(), newTestLogger())
}

func TestClaim_RefusesSecondInvocation(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	callCtx, release, ok := e.claim(ctx, "saga-1")
	require.True(t, ok)
	assert.True(t, e.inFlight("saga-1"))

	_, _, ok = e.claim(ctx, "saga-1")
	assert.False(t, ok)
	assert.NoError(t, callCtx.Err(), "a refused claim leaves the running call alone")

	_, releaseOther, ok := e.claim(ctx, "saga-2")
	require.True(t, ok)
	releaseOther()

	release()
	assert.ErrorIs(t, callCtx.Err(), context.Canceled)
	assert.False(t, e.inFlight("saga-1"))
}

func TestRelease_KeepsReplacingInvocation(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	first, releaseFirst, ok := e.claim(ctx, "saga-1")
	require.True(t, ok)

	second, releaseSecond := e.takeOver(ctx, "saga-1")
	assert.ErrorIs(t, first.Err(), context.Canceled)

	releaseFirst()
	assert.True(t, e.inFlight("saga-1"))
	assert.NoError(t, second.Err())

	assert.True(t, e.cancelInFlight("saga-1"))
	assert.ErrorIs(t, second.Err(), context.Canceled)
	assert.False(t, e.inFlight("saga-1"))

	releaseSecond()
	assert.False(t, e.inFlight("saga-1"))
	assert.False(t, e.cancelInFlight("saga-1"))
}
