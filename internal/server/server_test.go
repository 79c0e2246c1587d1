package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/copyleftdev/turnstiled/internal/config"
	"github.com/copyleftdev/turnstiled/internal/store"
	"github.com/copyleftdev/turnstiled/internal/tasks"
	"github.com/copyleftdev/turnstiled/internal/tasks/mocks"
	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeCapacity struct{ size, available int }

func (c fakeCapacity) Size() int      { return c.size }
func (c fakeCapacity) Available() int { return c.available }

type testServer struct {
	*httptest.Server
	manager *tasks.Manager
	solver  *mocks.MockSolver
	logs    *observer.ObservedLogs
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := &config.Config{
		Security: config.SecurityConfig{AllowedOrigins: []string{"*"}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	solver := mocks.NewMockSolver()
	manager := tasks.NewManager(solver, store.NewMemory(logger), logger)

	srv := httptest.NewServer(NewServer(cfg, manager, fakeCapacity{size: 2, available: 1}, logger).Handler())
	t.Cleanup(func() {
		srv.Close()
		manager.Shutdown(context.Background())
	})
	return &testServer{Server: srv, manager: manager, solver: solver, logs: logs}
}

func (s *testServer) get(t *testing.T, path string, header http.Header) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && resp.Header.Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(data, &body))
	}
	return resp.StatusCode, body
}

func (s *testServer) submit(t *testing.T, query string) string {
	t.Helper()
	status, body := s.get(t, "/turnstile?"+query, nil)
	require.Equal(t, http.StatusAccepted, status)
	id, ok := body["task_id"].(string)
	require.True(t, ok)
	return id
}

func (s *testServer) awaitTerminal(t *testing.T, id string) (int, map[string]interface{}) {
	t.Helper()
	var (
		status int
		body   map[string]interface{}
	)
	require.Eventually(t, func() bool {
		status, body = s.get(t, "/result?id="+id, nil)
		return body["status"] != string(taskstypes.StatusPending)
	}, 2*time.Second, 5*time.Millisecond)
	return status, body
}

func TestTurnstile_SubmitAndPoll(t *testing.T) {
	s := newTestServer(t, nil)
	s.solver.SetDefault(taskstypes.Success("0.stub-token", 1234*time.Millisecond,
		[]taskstypes.Cookie{{Name: "cf_clearance", Value: "v"}}, "Mozilla/5.0"))
	release := s.solver.Hold()

	id := s.submit(t, "url=https://example.com&sitekey=0xAAAA")
	<-s.solver.Started()

	status, body := s.get(t, "/result?id="+id, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]interface{}{"status": "pending", "value": "CAPTCHA_NOT_READY"}, body)

	release()
	status, body = s.awaitTerminal(t, id)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "0.stub-token", body["value"])
	assert.Equal(t, 1.234, body["elapsed_time"])
	assert.Equal(t, "Mozilla/5.0", body["user_agent"])
	assert.Len(t, body["cookies"], 1)

	// Polling a terminal result is idempotent.
	status2, body2 := s.get(t, "/result?id="+id, nil)
	assert.Equal(t, status, status2)
	assert.Equal(t, body, body2)
}

func TestTurnstile_PassesOptionalParameters(t *testing.T) {
	s := newTestServer(t, nil)

	s.submit(t, "url=https://example.com/login&sitekey=0xAAAA&action=login&cdata=abc&proxy=http://u:p@10.0.0.1:3128")
	<-s.solver.Started()

	solved := s.solver.SolvedTasks()
	require.Len(t, solved, 1)
	task := solved[0]
	assert.Equal(t, "https://example.com/login", task.URL)
	assert.Equal(t, "login", task.Action)
	assert.Equal(t, "abc", task.CData)
	assert.Equal(t, taskstypes.Proxy{Server: "10.0.0.1:3128", Username: "u", Password: "p"}, task.Proxy)

	for _, entry := range s.logs.All() {
		for _, f := range entry.Context {
			assert.NotContains(t, f.String, "u:p@", "proxy credentials must not be logged")
		}
	}
}

func TestTurnstile_MissingParameters(t *testing.T) {
	s := newTestServer(t, nil)

	for _, query := range []string{"", "url=https://example.com", "sitekey=0xAAAA"} {
		status, body := s.get(t, "/turnstile?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, status, query)
		assert.Equal(t, "error", body["status"])
		assert.Equal(t, "Both 'url' and 'sitekey' are required", body["error"])
	}
	assert.Empty(t, s.solver.SolvedTasks(), "invalid requests never reach the solver")
}

func TestResult_Failure(t *testing.T) {
	s := newTestServer(t, nil)
	s.solver.SetDefault(taskstypes.Failure(20*time.Second, "no token after all attempts (40)"))

	id := s.submit(t, "url=https://example.com&sitekey=0xAAAA")
	status, body := s.awaitTerminal(t, id)

	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "failure", body["status"])
	assert.Equal(t, "CAPTCHA_FAIL", body["value"])
	assert.Equal(t, 20.0, body["elapsed_time"])
}

func TestResult_SuccessTokenContainingFailMarker(t *testing.T) {
	s := newTestServer(t, nil)
	s.solver.SetDefault(taskstypes.Success("xxCAPTCHA_FAILxx", time.Second, nil, ""))

	id := s.submit(t, "url=https://example.com&sitekey=0xAAAA")
	status, body := s.awaitTerminal(t, id)
	assert.Equal(t, http.StatusOK, status, "only the failure tag yields 422")
	assert.Equal(t, "xxCAPTCHA_FAILxx", body["value"])
}

func TestResult_UnknownID(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/result?id=not-a-real-id", "/result"} {
		status, body := s.get(t, path, nil)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, map[string]interface{}{"status": "error", "error": "Invalid task ID/Request parameter"}, body)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Security.ApiKey = "correct-horse-battery" })

	status, body := s.get(t, "/turnstile?url=https://example.com&sitekey=0xAAAA", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Missing x-api-key header", body["error"])

	status, body = s.get(t, "/result?id=x", http.Header{"X-Api-Key": {"wrong-key-with-a-long-tail"}})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid API key", body["error"])

	blocked := s.logs.FilterMessage("Request blocked: invalid API key").All()
	require.Len(t, blocked, 1)
	assert.Equal(t, "wrong-key-...", blocked[0].ContextMap()["key"])

	status, body = s.get(t, "/turnstile?url=https://example.com&sitekey=0xAAAA",
		http.Header{"X-Api-Key": {"correct-horse-battery"}})
	assert.Equal(t, http.StatusAccepted, status)
	assert.NotEmpty(t, body["task_id"])

	status, _ = s.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, status, "health is not behind the key")
}

func TestSubmitLimiter(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.SubmitRate = 0.001
		c.Server.SubmitBurst = 2
	})

	s.submit(t, "url=https://example.com&sitekey=a")
	s.submit(t, "url=https://example.com&sitekey=b")
	status, body := s.get(t, "/turnstile?url=https://example.com&sitekey=c", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "Too many requests", body["error"])

	status, _ = s.get(t, "/result?id=unknown", nil)
	assert.Equal(t, http.StatusBadRequest, status, "polling is not rate limited")
}

func TestSubmit_ShuttingDown(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.manager.Shutdown(context.Background()))

	status, body := s.get(t, "/turnstile?url=https://example.com&sitekey=0xAAAA", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "error", body["status"])
}

func TestHealthAndIndex(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]interface{}{"status": "ok", "browsers": 2.0, "available": 1.0, "in_flight": 0.0}, body)

	resp, err := s.Client().Get(s.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(page), "/turnstile?url=")
}
