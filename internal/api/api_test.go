package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agies-dev/agies-guard/internal/engine"
	"github.com/agies-dev/agies-guard/internal/guard"
	"github.com/agies-dev/agies-guard/internal/metrics"
	"github.com/agies-dev/agies-guard/internal/oneway"
	"github.com/agies-dev/agies-guard/internal/vault"
	"github.com/agies-dev/agies-guard/pkg/schema"
)

func setupTestRouter(t *testing.T, opts Options) (*gin.Engine, *guard.Guardian) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	c, err := vault.NewCipher(key, time.Now())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	g, err := guard.New(guard.DefaultConfig(),
		engine.NewMemStore(nil, nil, zaptest.NewLogger(t)), c,
		guard.WithLogger(zaptest.NewLogger(t)),
		guard.WithMetrics(metrics.New(reg)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	opts.Logger = zaptest.NewLogger(t)
	opts.Gatherer = reg
	return NewEngine(g, opts), g
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := setupTestRouter(t, Options{})

	w := do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	do(t, r, http.MethodPost, "/api/v1/users/alice/violations", gin.H{"action": "download secrets"})

	w = do(t, r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agies_violations_total")
}

func TestClassify(t *testing.T) {
	r, _ := setupTestRouter(t, Options{})

	w := do(t, r, http.MethodPost, "/api/v1/threats/classify", schema.AttackEvent{
		SourceAddress: "198.51.100.4",
		UserAgent:     "sqlmap/1.7",
		Payload:       "' UNION SELECT password FROM users --",
	})
	require.Equal(t, http.StatusOK, w.Code)

	a := decode[schema.ThreatAssessment](t, w)
	assert.Equal(t, "sql-injection", a.Pattern.Pattern)
	assert.NotEmpty(t, a.Response.Action)

	w = do(t, r, http.MethodGet, "/api/v1/intelligence", nil)
	intel := decode[schema.Intelligence](t, w)
	assert.Equal(t, 1, intel.TotalEvents)

	w = do(t, r, http.MethodDelete, "/api/v1/intelligence", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExitFlowOverHTTP(t *testing.T) {
	r, _ := setupTestRouter(t, Options{})

	w := do(t, r, http.MethodPost, "/api/v1/users/alice/items/password", gin.H{
		"source":  "user-input",
		"item_id": "bank",
		"data":    gin.H{"username": "alice", "password": "hunter2"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/api/v1/users/alice/exits", gin.H{"data_type": "password", "data_id": "bank"})
	require.Equal(t, http.StatusCreated, w.Code)
	init := decode[schema.InitiateResult](t, w)
	require.True(t, init.Allowed)

	evidence := map[schema.Step]map[string]string{
		schema.StepDevice:     {oneway.EvidenceDeviceID: "laptop"},
		schema.StepTimeWindow: {oneway.EvidenceToken: init.Token},
		schema.StepTwoFactor:  {oneway.EvidenceCode: "000111"},
	}
	for _, step := range init.RequiredSteps {
		w = do(t, r, http.MethodPost, "/api/v1/users/alice/exits/"+init.ExitID+"/steps/"+string(step), evidence[step])
		require.Equal(t, http.StatusOK, w.Code, "step %s: %s", step, w.Body.String())
	}

	w = do(t, r, http.MethodPost, "/api/v1/users/alice/exits/"+init.ExitID+"/execute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[schema.ExecuteResult](t, w)
	require.NotNil(t, res.Payload)
	assert.Contains(t, res.Payload.Items["bank"], "hunter2")

	w = do(t, r, http.MethodPost, "/api/v1/users/alice/exits/"+init.ExitID+"/execute", nil)
	assert.Equal(t, http.StatusGone, w.Code)
	again := decode[schema.ExecuteResult](t, w)
	assert.Equal(t, schema.CodeTokenExpiredOrUsed, again.Code)

	w = do(t, r, http.MethodGet, "/api/v1/statistics?user=alice", nil)
	stats := decode[schema.Statistics](t, w)
	assert.Equal(t, 1, stats.SuccessfulExits)
	assert.Len(t, stats.RecentExports, 1)
}

func TestStepFailureStatus(t *testing.T) {
	r, _ := setupTestRouter(t, Options{})

	w := do(t, r, http.MethodPost, "/api/v1/users/bob/exits", gin.H{"data_type": "note"})
	init := decode[schema.InitiateResult](t, w)

	w = do(t, r, http.MethodPost, "/api/v1/users/bob/exits/"+init.ExitID+"/steps/device", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	res := decode[schema.StepResult](t, w)
	assert.Equal(t, schema.CodeVerificationFailed, res.Code)

	w = do(t, r, http.MethodGet, "/api/v1/users/bob/exits/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(schema.CodeAttemptNotFound), decode[map[string]any](t, w)["code"])
}

func TestEntryDenied(t *testing.T) {
	r, g := setupTestRouter(t, Options{})

	w := do(t, r, http.MethodPost, "/api/v1/users/carol/entries", gin.H{
		"source": "api",
		"data":   gin.H{"title": "t", "content": "c"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	adm := decode[schema.Admission](t, w)
	assert.False(t, adm.Allowed)
	assert.Equal(t, schema.CodeEntryDenied, adm.Code)

	w = do(t, r, http.MethodGet, "/api/v1/users/carol/entries", nil)
	log := decode[[]schema.EntryRecord](t, w)
	require.Len(t, log, 1)
	assert.Equal(t, g.EntryLog("carol")[0].ID, log[0].ID)
}

func TestBadRequests(t *testing.T) {
	r, _ := setupTestRouter(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/threats/classify", bytes.NewBufferString("invalid"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/users/dave/exits", gin.H{"data_type": "bulk"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfig(t *testing.T) {
	r, _ := setupTestRouter(t, Options{})

	w := do(t, r, http.MethodPatch, "/api/v1/config", gin.H{
		"oneway":        gin.H{"max_exit_attempts": 5},
		"learning_rate": 0.2,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s := decode[guard.Settings](t, w)
	assert.Equal(t, 5, s.Oneway.MaxExitAttempts)
	assert.Equal(t, 0.2, s.LearningRate)

	w = do(t, r, http.MethodPatch, "/api/v1/config", gin.H{"oneway": gin.H{"max_step_failures": 0}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, 5, decode[guard.Settings](t, w).Oneway.MaxExitAttempts)
}

func TestRecentEvents(t *testing.T) {
	r, g := setupTestRouter(t, Options{})
	g.DetectViolation(context.Background(), "erin", "export everything")

	w := do(t, r, http.MethodGet, "/api/v1/events?limit=5", nil)
	events := decode[[]schema.SecurityEvent](t, w)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventUnauthorizedExit, events[0].Type)
}

func TestRateLimit(t *testing.T) {
	r, _ := setupTestRouter(t, Options{RequestsPerSecond: 1, Burst: 2})

	for i := 0; i < 2; i++ {
		w := do(t, r, http.MethodGet, "/api/v1/statistics", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(t, r, http.MethodGet, "/api/v1/statistics", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	unlimited := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("a"))
	}
}
