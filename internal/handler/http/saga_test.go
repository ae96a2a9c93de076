package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/internal/event"
	"github.com/utafrali/saga-orchestrator/internal/metrics"
	"github.com/utafrali/saga-orchestrator/internal/registry"
	"github.com/utafrali/saga-orchestrator/internal/repository/memory"
	"github.com/utafrali/saga-orchestrator/internal/service"
	"github.com/utafrali/saga-orchestrator/pkg/health"
	"github.com/utafrali/saga-orchestrator/pkg/httpclient"
	"github.com/utafrali/saga-orchestrator/pkg/httputil"
	pkgkafka "github.com/utafrali/saga-orchestrator/pkg/kafka"
	"github.com/utafrali/saga-orchestrator/pkg/middleware"
)

// --- Test Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubInvoker succeeds for every action except the ones told to fail.
type stubInvoker struct {
	mu      sync.Mutex
	failing map[string]error
}

func (s *stubInvoker) fail(action string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing == nil {
		s.failing = make(map[string]error)
	}
	s.failing[action] = err
}

func (s *stubInvoker) Invoke(_ context.Context, req httpclient.Request) (*httpclient.Response, error) {
	s.mu.Lock()
	err := s.failing[req.Action]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &httpclient.Response{StatusCode: http.StatusOK, Body: json.RawMessage(`{"ok":true}`), Attempts: 1}, nil
}

type testServer struct {
	router  http.Handler
	orch    *service.Orchestrator
	invoker *stubInvoker
	store   *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := testLogger()

	reg := registry.New()
	require.NoError(t, registry.RegisterBuiltins(reg, registry.ServiceURLs{
		UserService:         "http://users.test",
		WorkspaceService:    "http://workspaces.test",
		DataService:         "http://data.test",
		AIService:           "http://ai.test",
		NotificationService: "http://notify.test",
	}))

	store := memory.New()
	invoker := &stubInvoker{}
	collector := metrics.NewCollector()
	orch := service.NewOrchestrator(store, reg, invoker, event.NewProducer(nil, logger), collector, logger, service.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	choreo := service.NewChoreography(orch, reg, pkgkafka.NewMemoryIdempotencyStore(time.Hour))

	hh := health.NewHandler()
	hh.RegisterCritical("state_store", store.Ping)

	router := NewRouter(RouterDeps{
		Sagas:     orch,
		Events:    choreo,
		Templates: reg,
		Collector: collector,
		Health:    hh,
		CORS:      middleware.DefaultCORSConfig(),
		Logger:    logger,
	})
	return &testServer{router: router, orch: orch, invoker: invoker, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func twoStepBody(correlationID string) map[string]any {
	return map[string]any{
		"pattern":        "orchestration",
		"correlation_id": correlationID,
		"timeout":        60,
		"input_data":     map[string]any{"order_id": "o-1"},
		"steps": []map[string]any{
			{"step_id": "reserve", "service_url": "http://inventory.test", "action": "reserve", "compensation_action": "release", "payload": map[string]any{"sku": "A-1"}},
			{"step_id": "charge", "service_url": "http://payments.test", "action": "charge", "compensation_action": "refund", "timeout": 5},
		},
	}
}

func (s *testServer) startAndWait(t *testing.T, body any) StartSagaResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/saga/start", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[StartSagaResponse](t, rec)
	s.orch.Wait()
	return resp
}

func (s *testServer) status(t *testing.T, id string) SagaStatusResponse {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/saga/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[SagaStatusResponse](t, rec)
}

// --- StartSaga ---

func TestStartSaga_Success(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/saga/start", twoStepBody(""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[StartSagaResponse](t, rec)
	assert.NotEmpty(t, resp.SagaID)
	assert.Equal(t, domain.SagaPending, resp.Status)
	assert.Equal(t, domain.PatternOrchestration, resp.Pattern)
	assert.Equal(t, 2, resp.TotalSteps)

	s.orch.Wait()
	st := s.status(t, resp.SagaID)
	assert.Equal(t, domain.SagaCompleted, st.Status)
	assert.Equal(t, 2, st.TotalSteps)
	assert.NotNil(t, st.CompletedAt)
}

func TestStartSaga_FromTemplate(t *testing.T) {
	s := newTestServer(t)

	resp := s.startAndWait(t, map[string]any{"transaction_type": "user_onboarding"})
	assert.Equal(t, 3, resp.TotalSteps)
	assert.Equal(t, domain.SagaCompleted, s.status(t, resp.SagaID).Status)
}

func TestStartSaga_DuplicateCorrelationReturnsExisting(t *testing.T) {
	s := newTestServer(t)

	first := s.startAndWait(t, twoStepBody("corr-1"))

	rec := s.do(t, http.MethodPost, "/saga/start", twoStepBody("corr-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[StartSagaResponse](t, rec)
	assert.Equal(t, first.SagaID, second.SagaID)
}

func TestStartSaga_StepsNotAList(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/saga/start", `{"pattern":"orchestration","steps":{"step_id":"a"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStartSaga_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad service url", `{"steps":[{"step_id":"a","service_url":"ftp://x","action":"do"}]}`},
		{"missing action", `{"steps":[{"step_id":"a","service_url":"http://x.test"}]}`},
		{"unknown pattern", `{"pattern":"mesh","steps":[{"step_id":"a","service_url":"http://x.test","action":"do"}]}`},
		{"negative timeout", `{"timeout":-1,"steps":[{"step_id":"a","service_url":"http://x.test","action":"do"}]}`},
		{"no steps and no template", `{"pattern":"orchestration"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/saga/start", tc.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

			resp := decode[httputil.Response](t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
		})
	}
}

func TestStartSaga_MalformedJSON(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/saga/start", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[httputil.Response](t, rec)
	assert.Equal(t, "INVALID_INPUT", resp.Error.Code)
}

func TestStartSaga_RejectsNonJSONContentType(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/saga/start", strings.NewReader("pattern=orchestration"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

// --- Status and steps ---

func TestGetStatus_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/saga/missing/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[httputil.Response](t, rec)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestGetSteps(t *testing.T) {
	s := newTestServer(t)
	started := s.startAndWait(t, twoStepBody(""))

	rec := s.do(t, http.MethodGet, "/saga/"+started.SagaID+"/steps", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[SagaStepsResponse](t, rec)
	assert.Equal(t, started.SagaID, resp.SagaID)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, "reserve", resp.Steps[0].StepID)
	assert.Equal(t, domain.StepCompleted, resp.Steps[0].Status)
	assert.JSONEq(t, `{"sku":"A-1"}`, string(resp.Steps[0].RequestPayload))
	assert.Equal(t, domain.StepCompleted, resp.Steps[1].Status)
}

func TestGetSteps_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/saga/missing/steps", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFailedStepCompensates(t *testing.T) {
	s := newTestServer(t)
	s.invoker.fail("charge", errors.New("card declined"))

	started := s.startAndWait(t, twoStepBody(""))

	st := s.status(t, started.SagaID)
	assert.Equal(t, domain.SagaCompensated, st.Status)
	assert.Contains(t, st.ErrorMessage, "card declined")
}

// --- Execute ---

func TestExecuteStep_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/saga/missing/execute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteStep_RejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)
	started := s.startAndWait(t, twoStepBody(""))

	rec := s.do(t, http.MethodPost, "/saga/"+started.SagaID+"/execute", `{"force":"yes"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// --- List ---

func TestListSagas_FiltersAndPaginates(t *testing.T) {
	s := newTestServer(t)
	s.startAndWait(t, twoStepBody(""))
	s.startAndWait(t, twoStepBody(""))
	s.startAndWait(t, map[string]any{"transaction_type": "user_onboarding"})

	rec := s.do(t, http.MethodGet, "/saga?status=completed&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListSagasResponse](t, rec)
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Sagas, 2)
	assert.Equal(t, 2, resp.Limit)
	assert.True(t, resp.HasMore)

	rec = s.do(t, http.MethodGet, "/saga?transaction_type=user_onboarding", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[ListSagasResponse](t, rec)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "user_onboarding", resp.Sagas[0].TransactionType)
}

func TestListSagas_EmptyIsArray(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/saga", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sagas":[]`)
}

func TestListSagas_UnknownStatus(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/saga?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Compensate ---

func TestCompensate_TerminalWithoutForceIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	started := s.startAndWait(t, twoStepBody(""))

	rec := s.do(t, http.MethodPost, "/saga/"+started.SagaID+"/compensate", map[string]any{"reason": "customer cancelled"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.SagaCompleted, s.status(t, started.SagaID).Status)
}

func TestCompensate_ForceOnCompleted(t *testing.T) {
	s := newTestServer(t)
	started := s.startAndWait(t, twoStepBody(""))

	rec := s.do(t, http.MethodPost, "/saga/"+started.SagaID+"/compensate", map[string]any{"reason": "customer cancelled", "force": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[CompensateResponse](t, rec)
	assert.Equal(t, started.SagaID, resp.SagaID)
	assert.Equal(t, domain.SagaCompensated, resp.Status)
}

func TestCompensate_FailingActionReportsFailed(t *testing.T) {
	s := newTestServer(t)
	started := s.startAndWait(t, twoStepBody(""))
	s.invoker.fail("refund", errors.New("refund service down"))

	rec := s.do(t, http.MethodPost, "/saga/"+started.SagaID+"/compensate", map[string]any{"force": true})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[CompensateResponse](t, rec)
	assert.Equal(t, domain.SagaFailed, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "refund service down")
}

func TestCompensate_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/saga/missing/compensate", map[string]any{"reason": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Delete ---

func TestDeleteSaga(t *testing.T) {
	s := newTestServer(t)
	started := s.startAndWait(t, twoStepBody(""))

	rec := s.do(t, http.MethodDelete, "/saga/"+started.SagaID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[DeleteSagaResponse](t, rec)
	assert.True(t, resp.Deleted)

	rec = s.do(t, http.MethodDelete, "/saga/"+started.SagaID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSaga_ActiveNeedsForce(t *testing.T) {
	s := newTestServer(t)

	saga := domain.NewSaga(domain.NewSagaParams{
		Pattern: domain.PatternOrchestration,
		Steps:   []domain.StepTemplate{{StepID: "a", ServiceURL: "http://a.test", Action: "a"}},
	}, time.Now().UTC())
	require.NoError(t, s.store.Create(context.Background(), saga))

	rec := s.do(t, http.MethodDelete, "/saga/"+saga.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodDelete, "/saga/"+saga.ID+"?force=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
