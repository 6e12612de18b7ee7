package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	apimw "github.com/phrazzld/casework/internal/api/middleware"
	"github.com/phrazzld/casework/internal/config"
	"github.com/phrazzld/casework/internal/events"
	"github.com/phrazzld/casework/internal/permission"
	"github.com/phrazzld/casework/internal/platform/metrics"
	"github.com/phrazzld/casework/internal/provider"
	"github.com/phrazzld/casework/internal/registry"
	"github.com/phrazzld/casework/internal/service/auth"
	"github.com/phrazzld/casework/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "api-test-secret-that-is-long-enough-0001"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// heldExecutor runs until released or cancelled.
type heldExecutor struct {
	release chan struct{}
	once    sync.Once
}

func (e *heldExecutor) Execute(ctx context.Context, run *task.Run) (json.RawMessage, error) {
	run.Emit(events.Info("collecting volatile data"))
	select {
	case <-e.release:
		return json.RawMessage(`{"artifacts":2}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *heldExecutor) open() { e.once.Do(func() { close(e.release) }) }

type testServer struct {
	srv   *httptest.Server
	exec  *heldExecutor
	sched *task.Scheduler
	reg   *metrics.Registry
	jwt   auth.TokenService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := quietLogger()

	gate := permission.NewGate([]config.RoleConfig{
		{Name: "investigator", Capabilities: []string{
			"task:submit", "task:cancel", "task:read", "stream:subscribe", "provider:generate", "process:read",
		}},
		{Name: "observer", Capabilities: []string{"task:read"}},
		{Name: "admin", Capabilities: []string{
			"task:read", "provider:admin", "metrics:read",
		}},
	}, permission.WithLogger(log))

	reg := registry.New(registry.NewMemoryStore(), log)
	stream := events.NewStream(events.Config{}, log)
	m := metrics.NewRegistry("test")
	exec := &heldExecutor{release: make(chan struct{})}

	sched, err := task.NewScheduler(config.SchedulerConfig{
		Categories: []config.CategoryConfig{
			{Name: "memory_capture", Ceiling: 1, Backlog: 1, Executor: "command"},
		},
		DefaultMaxAttempts: 1,
		Retry:              config.RetryConfig{Base: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second},
		CancelGrace:        100 * time.Millisecond,
	}, task.Deps{
		Registry:  reg,
		Gate:      gate,
		Stream:    stream,
		Executors: map[string]task.Executor{"command": exec},
		Metrics:   m,
	}, log)
	require.NoError(t, err)
	sched.Start()

	router, err := provider.NewRouter(provider.Config{DefaultTimeout: time.Second}, nil, log)
	require.NoError(t, err)

	jwtSvc, err := auth.NewJWTService(testSecret, time.Hour)
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(RouterDeps{
		Tasks:     sched,
		Processes: reg,
		Stream:    stream,
		Providers: router,
		Gate:      gate,
		Auth:      apimw.NewAuthMiddleware(jwtSvc, nil),
		Metrics:   m,
		Logger:    log,
	}))

	ts := &testServer{srv: srv, exec: exec, sched: sched, reg: m, jwt: jwtSvc}
	t.Cleanup(func() {
		exec.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
		srv.Close()
	})
	return ts
}

func (ts *testServer) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := ts.jwt.GenerateToken(context.Background(), role+"-1", role)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, role, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rdr)
	require.NoError(t, err)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, role))
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) submit(t *testing.T) task.Handle {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/cases/ir-42/tasks", "investigator",
		`{"category":"memory_capture","priority":"high","payload":{"host":"ws-04"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h := decode[task.Handle](t, resp)
	assert.Equal(t, "/api/tasks/"+h.ID.String(), resp.Header.Get("Location"))
	return h
}

func (ts *testServer) waitState(t *testing.T, id string, want task.State) task.Task {
	t.Helper()
	var last task.Task
	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/api/tasks/"+id, "observer", "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		last = decode[task.Task](t, resp)
		return last.State == want
	}, 3*time.Second, 10*time.Millisecond)
	return last
}

func TestHealthIsPublic(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(apimw.TraceHeader))
	body := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "memory", body.Store)
}

func TestRoutesRequireCredentials(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	for _, path := range []string{"/api/cases/ir-42/tasks", "/api/providers", "/metrics"} {
		resp := ts.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	h := ts.submit(t)
	assert.Equal(t, "ir-42", h.CaseID)
	running := ts.waitState(t, h.ID.String(), task.StateRunning)
	assert.Equal(t, task.PriorityHigh, running.Priority)
	assert.Equal(t, 1, running.Attempt)

	list := decode[TaskListResponse](t, ts.do(t, http.MethodGet, "/api/cases/ir-42/tasks", "investigator", ""))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, h.ID, list.Tasks[0].ID)

	procs := decode[ProcessListResponse](t, ts.do(t, http.MethodGet, "/api/cases/ir-42/processes", "investigator", ""))
	require.Len(t, procs.Processes, 1)
	assert.Equal(t, "memory_capture", procs.Processes[0].Category)

	ts.exec.open()
	done := ts.waitState(t, h.ID.String(), task.StateCompleted)
	assert.JSONEq(t, `{"artifacts":2}`, string(done.Result))
	assert.Equal(t, 100, done.Progress)

	resp := ts.do(t, http.MethodDelete, "/api/tasks/"+h.ID.String(), "investigator", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelRunningTaskOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	h := ts.submit(t)
	ts.waitState(t, h.ID.String(), task.StateRunning)

	resp := ts.do(t, http.MethodDelete, "/api/tasks/"+h.ID.String(), "investigator", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	cancelled := ts.waitState(t, h.ID.String(), task.StateCancelled)
	assert.NotNil(t, cancelled.CompletedAt)
}

func TestSubmitRejections(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	tests := []struct {
		name   string
		role   string
		body   string
		status int
		reason string
	}{
		{name: "malformed body", role: "investigator", body: `{"category":`, status: http.StatusBadRequest},
		{name: "unknown field", role: "investigator", body: `{"category":"memory_capture","owner":"x"}`, status: http.StatusBadRequest},
		{name: "missing category", role: "investigator", body: `{}`, status: http.StatusBadRequest},
		{name: "unknown category", role: "investigator", body: `{"category":"sandbox"}`, status: http.StatusBadRequest},
		{name: "bad priority", role: "investigator", body: `{"category":"memory_capture","priority":"urgent"}`, status: http.StatusBadRequest},
		{name: "observer cannot submit", role: "observer", body: `{"category":"memory_capture"}`, status: http.StatusForbidden, reason: "NoSuchCapability"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/cases/ir-42/tasks", tc.role, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			if tc.reason != "" {
				body := decode[map[string]string](t, resp)
				assert.Equal(t, tc.reason, body["reason"])
			}
		})
	}
}

func TestSubmitBackpressureSetsRetryAfter(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	ts.submit(t)
	ts.submit(t)
	resp := ts.do(t, http.MethodPost, "/api/cases/ir-42/tasks", "investigator", `{"category":"memory_capture"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestTaskStatusErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/tasks/not-a-uuid", "observer", "").StatusCode)
	assert.Equal(t, http.StatusNotFound,
		ts.do(t, http.MethodGet, "/api/tasks/6f1c2a9e-8b7d-4c3e-9a10-000000000001", "observer", "").StatusCode)
	assert.Equal(t, http.StatusForbidden,
		ts.do(t, http.MethodGet, "/api/cases/ir-42/processes", "observer", "").StatusCode)
}

func TestEventsWebSocket(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	h := ts.submit(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/tasks/" + h.ID.String() +
		"/events?access_token=" + ts.token(t, "investigator")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var got []events.Record
	for {
		var rec events.Record
		err := wsjson.Read(ctx, conn, &rec)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		got = append(got, rec)
		if rec.Message == "collecting volatile data" {
			ts.exec.open()
		}
	}

	require.NotEmpty(t, got)
	assert.Equal(t, events.KindSuccess, got[len(got)-1].Kind)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Sequence, got[i-1].Sequence)
	}
}

func TestEventsRejectsUnknownTask(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/tasks/6f1c2a9e-8b7d-4c3e-9a10-000000000002/events", "investigator", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/tasks/6f1c2a9e-8b7d-4c3e-9a10-000000000002/events?after=x", "investigator", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/tasks/6f1c2a9e-8b7d-4c3e-9a10-000000000002/events", "observer", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProviderRoutes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/analysis/generate", "investigator",
		`{"prompt":"suspicious powershell with encoded command","context":{"host":"ws-04"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gen := decode[provider.Response](t, resp)
	assert.Equal(t, "static-rules", gen.BackendID)
	assert.NotEmpty(t, gen.Text)

	resp = ts.do(t, http.MethodPost, "/api/analysis/generate", "investigator", `{"prompt":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/providers", "investigator", "").StatusCode)

	list := decode[ProvidersResponse](t, ts.do(t, http.MethodGet, "/api/providers", "admin", ""))
	require.Len(t, list.Backends, 1)
	assert.Equal(t, uint64(1), list.Backends[0].Requests)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/providers/gemini/activate", "admin", "").StatusCode)

	activated := decode[ProvidersResponse](t, ts.do(t, http.MethodPost, "/api/providers/static-rules/activate", "admin", ""))
	assert.True(t, activated.Backends[0].Active)

	checked := decode[ProvidersResponse](t, ts.do(t, http.MethodPost, "/api/providers/healthcheck", "admin", ""))
	assert.Equal(t, provider.Healthy, checked.Backends[0].Health)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/api/providers/statistics/reset", "admin", "").StatusCode)
	after := decode[ProvidersResponse](t, ts.do(t, http.MethodGet, "/api/providers", "admin", ""))
	assert.Zero(t, after.Backends[0].Requests)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.submit(t)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/metrics", "investigator", "").StatusCode)

	resp := ts.do(t, http.MethodGet, "/metrics", "admin", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "http_requests_total")
	assert.Contains(t, string(raw), "tasks_submitted_total")
}
