package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func serve(t *testing.T, h http.HandlerFunc) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestLivenessHandler(t *testing.T) {
	h := NewHandler()
	h.RegisterCritical("state_store", down)

	code, resp := serve(t, h.LivenessHandler())

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Empty(t, resp.Components)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name        string
		critical    map[string]Checker
		nonCritical map[string]Checker
		wantCode    int
		wantStatus  Status
	}{
		{"nothing registered", nil, nil, http.StatusOK, StatusHealthy},
		{"all up", map[string]Checker{"state_store": up}, map[string]Checker{"redis": up, "kafka": up}, http.StatusOK, StatusHealthy},
		{"store down", map[string]Checker{"state_store": down}, map[string]Checker{"redis": up}, http.StatusServiceUnavailable, StatusUnhealthy},
		{"broker down", map[string]Checker{"state_store": up}, map[string]Checker{"kafka": down}, http.StatusOK, StatusDegraded},
		{"everything down", map[string]Checker{"state_store": down}, map[string]Checker{"kafka": down, "redis": down}, http.StatusServiceUnavailable, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler()
			for name, c := range tt.critical {
				h.RegisterCritical(name, c)
			}
			for name, c := range tt.nonCritical {
				h.RegisterNonCritical(name, c)
			}

			code, resp := serve(t, h.ReadinessHandler())

			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Len(t, resp.Components, len(tt.critical)+len(tt.nonCritical))
			for name := range tt.critical {
				assert.True(t, resp.Components[name].Critical, name)
			}
		})
	}
}

func TestCheck_ComponentDetail(t *testing.T) {
	h := NewHandler()
	h.RegisterCritical("state_store", up)
	h.RegisterNonCritical("kafka", down)
	h.RegisterNonCritical("kafka", up)
	h.RegisterNonCritical("redis", down)

	resp := h.Check(context.Background())

	assert.Equal(t, []string{"kafka", "redis", "state_store"}, h.Names())
	assert.Equal(t, StatusHealthy, resp.Components["kafka"].Status, "re-registering replaces the checker")
	assert.Equal(t, "connection refused", resp.Components["redis"].Error)
	assert.False(t, resp.Components["redis"].Critical)
	assert.GreaterOrEqual(t, resp.Components["state_store"].LatencyMs, 0.0)
}

func TestCheck_TimeoutBoundsSlowChecker(t *testing.T) {
	h := NewHandler()
	h.SetTimeout(20 * time.Millisecond)
	h.RegisterCritical("state_store", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	resp := h.Check(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Components["state_store"].Error, "deadline exceeded")
}
