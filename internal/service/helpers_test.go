package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/internal/metrics"
	"github.com/utafrali/saga-orchestrator/internal/registry"
	"github.com/utafrali/saga-orchestrator/internal/repository"
	"github.com/utafrali/saga-orchestrator/internal/repository/memory"
	"github.com/utafrali/saga-orchestrator/pkg/httpclient"
)

// --- Fake Invoker ---

type invokeFunc func(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)

// fakeInvoker answers every action with 200 unless a handler is set for it.
type fakeInvoker struct {
	mu       sync.Mutex
	calls    []httpclient.Request
	handlers map[string]invokeFunc
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{handlers: make(map[string]invokeFunc)}
}

func (f *fakeInvoker) on(action string, fn invokeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[action] = fn
}

func (f *fakeInvoker) fail(action string, err error) {
	f.on(action, func(context.Context, httpclient.Request) (*httpclient.Response, error) {
		return nil, err
	})
}

func (f *fakeInvoker) Invoke(ctx context.Context, req httpclient.Request) (*httpclient.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h := f.handlers[req.Action]
	f.mu.Unlock()

	if h != nil {
		return h(ctx, req)
	}
	return &httpclient.Response{
		StatusCode: 200,
		Body:       json.RawMessage(`{"action":"` + req.Action + `"}`),
		Attempts:   1,
	}, nil
}

func (f *fakeInvoker) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Action
	}
	return out
}

func (f *fakeInvoker) request(action string) (httpclient.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.Action == action {
			return c, true
		}
	}
	return httpclient.Request{}, false
}

// --- Recording Publisher ---

type publishedEvent struct {
	Type   string
	SagaID string
	Status domain.SagaStatus
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishSagaEvent(_ context.Context, eventType string, saga *domain.Saga, _ *domain.SagaStep) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, SagaID: saga.ID, Status: saga.Status})
	return nil
}

func (p *recordingPublisher) PublishStepRequested(_ context.Context, saga *domain.Saga, step *domain.SagaStep) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: domain.RequestedEvent(step.Action), SagaID: saga.ID, Status: saga.Status})
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// --- Mock Saga Repository ---

type mockSagaRepository struct {
	mock.Mock
}

func (m *mockSagaRepository) Create(ctx context.Context, saga *domain.Saga) error {
	return m.Called(ctx, saga).Error(0)
}

func (m *mockSagaRepository) Get(ctx context.Context, id string) (*domain.Saga, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Saga), args.Error(1)
}

func (m *mockSagaRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Saga, error) {
	args := m.Called(ctx, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Saga), args.Error(1)
}

func (m *mockSagaRepository) Update(ctx context.Context, saga *domain.Saga, expected domain.SagaStatus) error {
	return m.Called(ctx, saga, expected).Error(0)
}

func (m *mockSagaRepository) ListSteps(ctx context.Context, sagaID string) ([]domain.SagaStep, error) {
	args := m.Called(ctx, sagaID)
	return args.Get(0).([]domain.SagaStep), args.Error(1)
}

func (m *mockSagaRepository) AppendStepResult(ctx context.Context, sagaID string, step *domain.SagaStep, expected domain.StepStatus) error {
	return m.Called(ctx, sagaID, step, expected).Error(0)
}

func (m *mockSagaRepository) Query(ctx context.Context, filter repository.Filter) ([]domain.Saga, int, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]domain.Saga), args.Int(1), args.Error(2)
}

func (m *mockSagaRepository) ListExpired(ctx context.Context, now time.Time, compensationTimeout time.Duration) ([]domain.Saga, error) {
	args := m.Called(ctx, now, compensationTimeout)
	return args.Get(0).([]domain.Saga), args.Error(1)
}

func (m *mockSagaRepository) CountByStatus(ctx context.Context) (map[domain.SagaStatus]int, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[domain.SagaStatus]int), args.Error(1)
}

func (m *mockSagaRepository) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSagaRepository) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// --- Test Helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServiceURLs() registry.ServiceURLs {
	return registry.ServiceURLs{
		UserService:         "http://users.test",
		WorkspaceService:    "http://workspaces.test",
		DataService:         "http://data.test",
		AIService:           "http://ai.test",
		NotificationService: "http://notifications.test",
	}
}

type fixture struct {
	orch     *Orchestrator
	repo     *memory.Store
	registry *registry.Registry
	invoker  *fakeInvoker
	events   *recordingPublisher
	metrics  *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	require.NoError(t, registry.RegisterBuiltins(reg, testServiceURLs()))

	f := &fixture{
		repo:     memory.New(),
		registry: reg,
		invoker:  newFakeInvoker(),
		events:   &recordingPublisher{},
		metrics:  metrics.NewCollector(),
	}
	f.orch = NewOrchestrator(f.repo, reg, f.invoker, f.events, f.metrics, newTestLogger(), Options{DefaultTimeout: time.Minute})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})
	return f
}

func threeSteps() []StepInput {
	return []StepInput{
		{StepID: "reserve", ServiceURL: "http://inventory.test", Action: "reserve", CompensationAction: "release", Payload: json.RawMessage(`{"sku":"A-1"}`)},
		{StepID: "charge", ServiceURL: "http://payments.test", Action: "charge", CompensationAction: "refund"},
		{StepID: "ship", ServiceURL: "http://shipping.test", Action: "ship", CompensationAction: "cancel_shipment"},
	}
}

func (f *fixture) start(t *testing.T, in StartInput) *domain.Saga {
	t.Helper()
	saga, created, err := f.orch.Start(context.Background(), in)
	require.NoError(t, err)
	require.True(t, created)
	f.orch.Wait()
	got, err := f.repo.Get(context.Background(), saga.ID)
	require.NoError(t, err)
	return got
}

// seed stores a saga directly, bypassing the background run.
func (f *fixture) seed(t *testing.T, steps []StepInput, mutate func(s *domain.Saga)) *domain.Saga {
	t.Helper()
	templates := make([]domain.StepTemplate, len(steps))
	for i, s := range steps {
		templates[i] = domain.StepTemplate{StepID: s.StepID, ServiceURL: s.ServiceURL, Action: s.Action, CompensationAction: s.CompensationAction}
	}
	now := time.Now().UTC()
	saga := domain.NewSaga(domain.NewSagaParams{
		TransactionType: "order_fulfilment",
		Pattern:         domain.PatternOrchestration,
		Steps:           templates,
		Timeout:         time.Minute,
	}, now)
	if mutate != nil {
		mutate(saga)
	}
	require.NoError(t, f.repo.Create(context.Background(), saga))
	return saga
}

func (f *fixture) get(t *testing.T, id string) *domain.Saga {
	t.Helper()
	saga, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return saga
}

func stepStatuses(saga *domain.Saga) []domain.StepStatus {
	out := make([]domain.StepStatus, len(saga.Steps))
	for i, s := range saga.Steps {
		out[i] = s.Status
	}
	return out
}
