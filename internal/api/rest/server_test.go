package rest

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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "github.com/civiclens/capitol-ingest/internal/api/websocket"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/config"
	"github.com/civiclens/capitol-ingest/internal/service/pipeline"
)

type fakeRunner struct {
	mu       sync.Mutex
	busy     bool
	lastMode pipeline.Mode
	lastCtx  context.Context
	status   pipeline.Status
}

func (f *fakeRunner) Start(ctx context.Context, mode pipeline.Mode) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return "", pipeline.ErrRunInProgress
	}
	f.lastMode = mode
	f.lastCtx = ctx
	return uuid.NewString(), nil
}

func (f *fakeRunner) Status() pipeline.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeRunner) startedCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCtx
}

func serverConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            8080,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 2 * time.Second,
		},
	}
}

func newTestServer(t *testing.T, runner RunnerControl, hub *ws.Hub) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(serverConfig(), runner, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string, into any) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp
}

func postJSON(t *testing.T, ts *httptest.Server, path string, into any) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &fakeRunner{}, nil)

	var body map[string]string
	resp := getJSON(t, ts, "/health", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestStatusEndpoint(t *testing.T) {
	started := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{status: pipeline.Status{
		Running:               true,
		Phase:                 pipeline.PhaseDownload,
		RunID:                 uuid.NewString(),
		RetryFailuresCount:    2,
		LastDiscoveryURLCount: 40,
		StartedAt:             &started,
	}}
	_, ts := newTestServer(t, runner, nil)

	var body pipeline.Status
	resp := getJSON(t, ts, "/status", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Running)
	assert.Equal(t, pipeline.PhaseDownload, body.Phase)
	assert.Equal(t, 2, body.RetryFailuresCount)
	assert.Equal(t, 40, body.LastDiscoveryURLCount)
	require.NotNil(t, body.StartedAt)
	assert.True(t, body.StartedAt.Equal(started))
}

func TestStartLaunchesFullRun(t *testing.T) {
	runner := &fakeRunner{}
	_, ts := newTestServer(t, runner, nil)

	var body map[string]string
	resp := postJSON(t, ts, "/start", &body)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_, err := uuid.Parse(body["run_id"])
	assert.NoError(t, err)
	assert.Equal(t, pipeline.ModeFull, runner.lastMode)
}

func TestStartConflictsWhileRunning(t *testing.T) {
	runner := &fakeRunner{busy: true}
	_, ts := newTestServer(t, runner, nil)

	var body map[string]string
	resp := postJSON(t, ts, "/start", &body)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
}

func TestRetryLaunchesRetryRun(t *testing.T) {
	runner := &fakeRunner{}
	_, ts := newTestServer(t, runner, nil)

	var body map[string]string
	resp := postJSON(t, ts, "/retry", &body)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, pipeline.ModeRetry, runner.lastMode)
}

func TestStartRejectsGet(t *testing.T) {
	_, ts := newTestServer(t, &fakeRunner{}, nil)

	resp := getJSON(t, ts, "/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRequestIDHeaderPreserved(t *testing.T) {
	_, ts := newTestServer(t, &fakeRunner{}, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-preserved-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-preserved-1", resp.Header.Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &fakeRunner{}, nil)

	// A request through the instrumented chain guarantees samples exist.
	getJSON(t, ts, "/health", nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(payload)
	assert.Contains(t, text, "# HELP")
	assert.Contains(t, text, "downloads_attempted_total")
	assert.Contains(t, text, "pipeline_running")
	assert.Contains(t, text, "http_requests_total")
}

func TestWebsocketStreamThroughServer(t *testing.T) {
	hub := ws.NewHub(ws.DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, ts := newTestServer(t, &fakeRunner{}, hub)
	t.Cleanup(hub.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(pipeline.EventPhase, map[string]string{"phase": pipeline.PhaseExtract})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg ws.Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, pipeline.EventPhase, msg.Type)
}

func TestShutdownCancelsLaunchedRuns(t *testing.T) {
	runner := &fakeRunner{}
	hub := ws.NewHub(ws.DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv, ts := newTestServer(t, runner, hub)

	postJSON(t, ts, "/start", nil)
	runCtx := runner.startedCtx()
	require.NotNil(t, runCtx)
	assert.NoError(t, runCtx.Err())

	require.NoError(t, srv.Shutdown())
	assert.Error(t, runCtx.Err(), "shutdown cancels the run context")
	assert.Zero(t, hub.ClientCount())
}
