package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howlerops/recursive-llm-go/sandbox"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *Manager) {
	t.Helper()
	manager := NewManager(cfg, quietLogger())
	srv := NewServer(":0", manager, quietLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, manager
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
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

func TestServer_HealthAndReady(t *testing.T) {
	ts, _ := newTestServer(t, Config{MaxSessions: 1})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode[sandbox.StatusResponse](t, resp).Status)

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	postJSON(t, ts.URL+"/session", nil)

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "full executor is not ready")
}

func TestServer_SessionRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	created := decode[sandbox.CreateSessionResponse](t, postJSON(t, ts.URL+"/session", nil))
	require.NotEmpty(t, created.SessionID)

	execURL := ts.URL + "/session/" + created.SessionID + "/execute"

	first := postJSON(t, execURL, sandbox.ExecuteRequest{Code: "x = 42"})
	require.Equal(t, http.StatusOK, first.StatusCode)
	firstResp := decode[sandbox.ExecuteResponse](t, first)
	assert.True(t, firstResp.Success)
	assert.Equal(t, float64(42), firstResp.Locals["x"])

	second := decode[sandbox.ExecuteResponse](t, postJSON(t, execURL, sandbox.ExecuteRequest{Code: "x * 2"}))
	assert.True(t, second.Success)
	assert.Equal(t, "84\n", second.Stdout)
}

func TestServer_SessionContextBindings(t *testing.T) {
	ts, _ := newTestServer(t, Config{})
	created := decode[sandbox.CreateSessionResponse](t, postJSON(t, ts.URL+"/session", nil))

	resp := decode[sandbox.ExecuteResponse](t, postJSON(t, ts.URL+"/session/"+created.SessionID+"/execute",
		sandbox.ExecuteRequest{
			Code:    "print(context.length)",
			Context: map[string]interface{}{"context": "abcdef"},
		}))
	assert.True(t, resp.Success)
	assert.Equal(t, "6\n", resp.Stdout)
}

func TestServer_StatelessExecuteKeepsNothing(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	first := decode[sandbox.ExecuteResponse](t, postJSON(t, ts.URL+"/execute", sandbox.ExecuteRequest{Code: "y = 1"}))
	assert.True(t, first.Success)

	second := decode[sandbox.ExecuteResponse](t, postJSON(t, ts.URL+"/execute", sandbox.ExecuteRequest{Code: "y + 1"}))
	assert.False(t, second.Success)
	assert.Equal(t, string(sandbox.KindNameError), second.ErrorKind)
}

func TestServer_ProgramErrorsAreOK(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	resp := postJSON(t, ts.URL+"/execute", sandbox.ExecuteRequest{Code: "throw new Error('boom')"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[sandbox.ExecuteResponse](t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, string(sandbox.KindRuntimeError), body.ErrorKind)
	assert.Contains(t, body.Error, "boom")
}

func TestServer_Timeout(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	body := decode[sandbox.ExecuteResponse](t, postJSON(t, ts.URL+"/execute",
		sandbox.ExecuteRequest{Code: "while (true) {}", Timeout: 0.05}))
	assert.False(t, body.Success)
	assert.Equal(t, string(sandbox.KindTimeout), body.ErrorKind)
}

func TestServer_BadRequests(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing code", `{"context": {}}`},
		{"wrong code type", `{"code": 7}`},
		{"negative timeout", `{"code": "1", "timeout": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/execute", "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestServer_UnknownSession(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	resp := postJSON(t, ts.URL+"/session/nope/execute", sandbox.ExecuteRequest{Code: "1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_DeleteIsIdempotent(t *testing.T) {
	ts, manager := newTestServer(t, Config{})
	created := decode[sandbox.CreateSessionResponse](t, postJSON(t, ts.URL+"/session", nil))

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/session/"+created.SessionID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 0, manager.Len())
}

func TestServer_SessionCap(t *testing.T) {
	ts, _ := newTestServer(t, Config{MaxSessions: 2})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/session", nil).StatusCode)
	}
	assert.Equal(t, http.StatusServiceUnavailable, postJSON(t, ts.URL+"/session", nil).StatusCode)

	resp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Len(t, decode[sandbox.SessionsResponse](t, resp).Sessions, 2)
}

func TestManager_ReapIdleSessions(t *testing.T) {
	manager := NewManager(Config{SessionTTL: time.Minute}, quietLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }

	stale, err := manager.Create()
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	fresh, err := manager.Create()
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, manager.Reap())
	assert.Equal(t, []string{fresh}, manager.List())

	_, err = manager.Execute(context.Background(), stale, &sandbox.ExecuteRequest{Code: "1"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_ExecuteAfterDestroyIsNotFound(t *testing.T) {
	manager := NewManager(Config{}, quietLogger())
	id, err := manager.Create()
	require.NoError(t, err)

	// hold the session so Execute waits after its lookup
	e := manager.sessions[id]
	e.mu.Lock()
	errCh := make(chan error, 1)
	go func() {
		_, err := manager.Execute(context.Background(), id, &sandbox.ExecuteRequest{Code: "1"})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, manager.Destroy(id))
	e.mu.Unlock()

	assert.ErrorIs(t, <-errCh, ErrSessionNotFound)
}

func TestManager_ZeroConfigUsesDefaults(t *testing.T) {
	manager := NewManager(Config{}, quietLogger())
	assert.Equal(t, DefaultConfig(), manager.cfg)
}

func TestManager_CloseRejectsNewSessions(t *testing.T) {
	manager := NewManager(Config{}, quietLogger())
	_, err := manager.Create()
	require.NoError(t, err)

	manager.Close()
	assert.Equal(t, 0, manager.Len())
	_, err = manager.Create()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_TimeoutClamp(t *testing.T) {
	manager := NewManager(Config{DefaultTimeout: 2 * time.Second, MaxTimeout: 10 * time.Second}, quietLogger())

	assert.Equal(t, 2*time.Second, manager.timeout(0))
	assert.Equal(t, 1500*time.Millisecond, manager.timeout(1.5))
	assert.Equal(t, 10*time.Second, manager.timeout(60))
}
