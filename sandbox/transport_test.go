package sandbox

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okResponse(w http.ResponseWriter, resp ExecuteResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func statelessAgainst(t *testing.T, handler http.HandlerFunc, cfg RemoteConfig) *RemoteStateless {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	cfg.URL = ts.URL
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	b, err := NewRemoteStateless(cfg)
	require.NoError(t, err)
	return b
}

func TestTransport_RetriesRetryableStatuses(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504} {
		var attempts atomic.Int32
		b := statelessAgainst(t, func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) < 3 {
				w.WriteHeader(status)
				return
			}
			okResponse(w, ExecuteResponse{Stdout: "ok\n", Success: true})
		}, RemoteConfig{})

		res, err := b.ExecuteRaw(context.Background(), Request{Code: "print('ok')"})
		require.NoError(t, err, "status %d", status)
		assert.True(t, res.Success)
		assert.Equal(t, int32(3), attempts.Load(), "status %d", status)
	}
}

func TestTransport_GivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	b := statelessAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, RemoteConfig{})

	res, err := b.ExecuteRaw(context.Background(), Request{Code: "1"})
	require.Error(t, err)
	assert.Equal(t, KindBackendUnavailable, KindOf(err))
	assert.Equal(t, int32(1+DefaultMaxRetries), attempts.Load())
	assert.True(t, res.Err.Transport)

	var sbErr *Error
	require.ErrorAs(t, err, &sbErr)
	assert.Equal(t, http.StatusServiceUnavailable, sbErr.StatusCode)
	assert.True(t, sbErr.Temporary())
}

func TestTransport_DoesNotRetryClientErrors(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusBadRequest, KindRequestRejected},
		{http.StatusNotFound, KindSessionNotFound},
	}
	for _, tt := range tests {
		var attempts atomic.Int32
		b := statelessAgainst(t, func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(tt.status)
		}, RemoteConfig{})

		_, err := b.ExecuteRaw(context.Background(), Request{Code: "1"})
		require.Error(t, err)
		assert.Equal(t, tt.kind, KindOf(err))
		assert.Equal(t, int32(1), attempts.Load(), "status %d", tt.status)
	}
}

func TestTransport_500WithExecuteBodyIsProgramFailure(t *testing.T) {
	var attempts atomic.Int32
	b := statelessAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		okResponse(w, ExecuteResponse{Stderr: "ZeroDivisionError", Success: false, Error: "ZeroDivisionError"})
	}, RemoteConfig{})

	res, err := b.ExecuteRaw(context.Background(), Request{Code: "1/0"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindRuntimeError, res.Err.Kind)
	assert.False(t, res.Err.Transport)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestTransport_MalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>"},
		{"missing success", `{"stdout": "x"}`},
		{"wrong type", `{"success": "yes"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := statelessAgainst(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}, RemoteConfig{})

			_, err := b.ExecuteRaw(context.Background(), Request{Code: "1"})
			require.Error(t, err)
			assert.Equal(t, KindMalformedResponse, KindOf(err))
		})
	}
}

func TestTransport_TimeoutIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	b := statelessAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, RemoteConfig{TransportTimeout: 100 * time.Millisecond, TimeoutBuffer: 50 * time.Millisecond})

	s, err := b.Create(context.Background())
	require.NoError(t, err)

	res, err := s.Execute(context.Background(), Request{Code: "1"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.True(t, res.Err.Transport)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, StateError, s.State(), "transport failures poison the session")

	_, err = s.Execute(context.Background(), Request{Code: "1"})
	assert.ErrorIs(t, err, ErrFailed)
}

func TestTransport_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	b, err := NewRemoteStateless(RemoteConfig{URL: "http://" + addr, RetryInterval: time.Millisecond})
	require.NoError(t, err)

	_, err = b.ExecuteRaw(context.Background(), Request{Code: "1"})
	require.Error(t, err)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.True(t, err.(*Error).Temporary())
}

func TestTransport_CancelledContext(t *testing.T) {
	b := statelessAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, RemoteConfig{RetryInterval: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := b.ExecuteRaw(ctx, Request{Code: "1"})
	require.Error(t, err)
	assert.Less(t, time.Since(started), time.Second, "retry wait must honour ctx")
}

func TestRemoteConfig_ExecTimeout(t *testing.T) {
	cfg, err := RemoteConfig{URL: "http://x", TransportTimeout: 35 * time.Second}.withDefaults()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.execTimeout(10*time.Second))
	assert.Equal(t, 30*time.Second, cfg.execTimeout(0), "default capped at transport minus buffer")
	assert.Equal(t, 30*time.Second, cfg.execTimeout(time.Minute))
}

func TestRemoteConfig_Validation(t *testing.T) {
	_, err := RemoteConfig{}.withDefaults()
	assert.Error(t, err, "URL required")

	_, err = RemoteConfig{URL: "http://x", TransportTimeout: 5 * time.Second}.withDefaults()
	assert.Error(t, err, "transport timeout must exceed the buffer")

	cfg, err := RemoteConfig{URL: "http://x/", MaxRetries: -1}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, "http://x", cfg.URL)
	assert.Equal(t, 0, cfg.MaxRetries)
}

func TestRemoteStateless_SessionMergesLocals(t *testing.T) {
	var seen []map[string]interface{}
	b := statelessAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req.Context)
		okResponse(w, ExecuteResponse{Success: true, Locals: map[string]interface{}{"n": float64(len(seen))}})
	}, RemoteConfig{})

	ctx := context.Background()
	s, err := b.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Bind(ctx, map[string]interface{}{"context": "doc"}))

	_, err = s.Execute(ctx, Request{Code: "a"})
	require.NoError(t, err)
	_, err = s.Execute(ctx, Request{Code: "b"})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, map[string]interface{}{"context": "doc"}, seen[0])
	assert.Equal(t, map[string]interface{}{"context": "doc", "n": float64(1)}, seen[1])

	v, ok, err := s.Lookup(ctx, "n")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(2), v)
}
