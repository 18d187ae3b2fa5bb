package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howlerops/recursive-llm-go/rlm"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.StartRun(ctx, "run-1", "gpt-4o-mini", "find the needle"))
	require.NoError(t, s.FinishRun(ctx, "run-1", "ABC123", rlm.RLMStats{LlmCalls: 3, Iterations: 2}, nil))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", run.Model)
	assert.Equal(t, "ABC123", run.Answer)
	assert.Empty(t, run.Error)
	assert.False(t, run.FinishedAt.IsZero())
	assert.JSONEq(t, `3`, string(mustField(t, run.Stats, "llm_calls")))
}

func TestStore_FinishRunRecordsError(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.StartRun(ctx, "run-2", "m", "q"))
	require.NoError(t, s.FinishRun(ctx, "run-2", "", nil, errors.New("model unavailable")))

	run, err := s.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, "model unavailable", run.Error)

	assert.Error(t, s.FinishRun(ctx, "unknown", "", nil, nil))
}

func TestStore_HookRecordsEvents(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.StartRun(ctx, "run-3", "m", "q"))

	var hookErr error
	hook := s.Hook("run-3", func(err error) { hookErr = err })

	obs := rlm.NewObserver(rlm.ObservabilityConfig{OnEvent: hook})
	obs.Event(ctx, "iteration", map[string]string{"n": "1", "api_key": "sk-secret"})
	obs.LLMCall(ctx, "m", 2, 10, 15*time.Millisecond, nil)
	require.NoError(t, hookErr)

	events, err := s.Events(ctx, "run-3")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "event", events[0].Type)
	assert.Equal(t, "iteration", events[0].Name)
	assert.Equal(t, "1", events[0].Attributes["n"])
	assert.Equal(t, "[REDACTED]", events[0].Attributes["api_key"])
	assert.Equal(t, "llm_call", events[1].Type)
	assert.Equal(t, 15*time.Millisecond, events[1].Duration)
}

func TestStore_HookReportsWriteFailures(t *testing.T) {
	s := openStore(t)

	var hookErr error
	hook := s.Hook("no-such-run", func(err error) { hookErr = err })
	hook(rlm.ObservabilityEvent{Timestamp: time.Now(), Type: "event", Name: "x"})
	assert.Error(t, hookErr, "foreign key rejects events for unknown runs")
}

func TestStore_PersistsToDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "telemetry.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.StartRun(ctx, "run-4", "m", "q"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	run, err := s.GetRun(ctx, "run-4")
	require.NoError(t, err)
	assert.Equal(t, "q", run.Query)
}

func mustField(t *testing.T, raw []byte, field string) []byte {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	v, ok := m[field]
	require.True(t, ok, "missing field %s in %s", field, raw)
	return v
}
