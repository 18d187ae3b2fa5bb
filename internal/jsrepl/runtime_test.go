package jsrepl

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	return r
}

func TestRuntime_BasicExecution(t *testing.T) {
	tests := []struct {
		name string
		code string
		env  map[string]interface{}
		want string
	}{
		{name: "Simple print", code: `console.log("Hello World")`, want: "Hello World"},
		{name: "Variable access", code: `console.log(context)`, env: map[string]interface{}{"context": "Test Context"}, want: "Test Context"},
		{name: "String slicing", code: `console.log(context.slice(0, 5))`, env: map[string]interface{}{"context": "Hello World"}, want: "Hello"},
		{name: "len function", code: `console.log(len(context))`, env: map[string]interface{}{"context": "Hello"}, want: "5"},
		{name: "regex findall", code: `console.log(re.findall("ERROR", context))`, env: map[string]interface{}{"context": "ERROR 1 ERROR 2"}, want: "ERROR,ERROR"},
		{name: "Last expression evaluation", code: `const x = 42; x`, want: "42"},
		{name: "Array operations", code: `const arr = [1, 2, 3]; console.log(arr.length)`, want: "3"},
		{name: "range and sum", code: `sum(range(5))`, want: "10"},
		{name: "Counter", code: `json.dumps(Counter("aab"))`, want: `{"a":2,"b":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRuntime(t)
			require.NoError(t, r.SetAll(tt.env))

			out := r.Run(context.Background(), tt.code, time.Second)
			require.True(t, out.OK(), "unexpected failure: %s", out.Message)
			assert.Equal(t, tt.want, strings.TrimSpace(out.Stdout))
		})
	}
}

func TestRuntime_StatePersistsAcrossRuns(t *testing.T) {
	r := newRuntime(t)

	first := r.Run(context.Background(), "x = 42", time.Second)
	require.True(t, first.OK())
	assert.Empty(t, first.Stdout, "assignment should not echo")

	second := r.Run(context.Background(), "x * 2", time.Second)
	require.True(t, second.OK())
	assert.Equal(t, "84", strings.TrimSpace(second.Stdout))
}

func TestRuntime_TopLevelDeclarationsAreRedeclarable(t *testing.T) {
	r := newRuntime(t)

	require.True(t, r.Run(context.Background(), "const total = 1", time.Second).OK())
	out := r.Run(context.Background(), "let total = 2\nprint(total)", time.Second)
	require.True(t, out.OK(), out.Message)
	assert.Equal(t, "2", strings.TrimSpace(out.Stdout))

	value, ok := r.Get("total")
	require.True(t, ok)
	assert.EqualValues(t, 2, value)
}

func TestRuntime_ErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		code string
		kind Kind
	}{
		{"undefined name", "missing * 2", KindName},
		{"syntax", "function (", KindSyntax},
		{"thrown error", `throw new Error("boom")`, KindRuntime},
		{"type error", "null.foo", KindRuntime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRuntime(t)
			out := r.Run(context.Background(), tt.code, time.Second)
			assert.False(t, out.OK())
			assert.Equal(t, tt.kind, out.Kind)
			assert.NotEmpty(t, out.Stderr)
		})
	}
}

func TestRuntime_Timeout(t *testing.T) {
	r := newRuntime(t)

	start := time.Now()
	out := r.Run(context.Background(), "while (true) {}", 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, KindTimeout, out.Kind)
	assert.Less(t, elapsed, 2*time.Second)

	// the runtime stays usable after an interrupt
	next := r.Run(context.Background(), "1 + 1", time.Second)
	require.True(t, next.OK(), next.Message)
	assert.Equal(t, "2", strings.TrimSpace(next.Stdout))
}

func TestRuntime_ContextCancellation(t *testing.T) {
	r := newRuntime(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	out := r.Run(ctx, "while (true) {}", 0)
	assert.Equal(t, KindCancelled, out.Kind)
}

func TestRuntime_ChangedReportsOnlyNewAndModified(t *testing.T) {
	r := newRuntime(t)
	require.NoError(t, r.Set("context", strings.Repeat("filler ", 100)))

	out := r.Run(context.Background(), "n = context.length\nlabel = 'x'", time.Second)
	require.True(t, out.OK())
	assert.Len(t, out.Changed, 2)
	assert.Contains(t, out.Changed, "n")
	assert.Contains(t, out.Changed, "label")

	out = r.Run(context.Background(), "label = 'y'", time.Second)
	require.True(t, out.OK())
	assert.Equal(t, map[string]interface{}{"label": "y"}, out.Changed)
}

func TestRuntime_BindingsExcludeHelpers(t *testing.T) {
	r := newRuntime(t)
	require.True(t, r.Run(context.Background(), "answer = 'ok'\nfunction helper() {}", time.Second).OK())

	bindings := r.Bindings()
	assert.Equal(t, map[string]interface{}{"answer": "ok"}, bindings)
}

func TestRuntime_HostFunctions(t *testing.T) {
	r := newRuntime(t)
	require.NoError(t, r.SetFunc("shout", func(ctx context.Context, args []interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, errors.New("shout needs an argument")
		}
		return strings.ToUpper(args[0].(string)), nil
	}))

	out := r.Run(context.Background(), `print(shout("quiet"))`, time.Second)
	require.True(t, out.OK(), out.Message)
	assert.Equal(t, "QUIET", strings.TrimSpace(out.Stdout))

	out = r.Run(context.Background(), `shout()`, time.Second)
	assert.Equal(t, KindRuntime, out.Kind)
	assert.Contains(t, out.Stderr, "shout needs an argument")
	assert.NotContains(t, r.Bindings(), "shout")
}

func TestRuntime_BlockedHostFunctionHonoursTimeout(t *testing.T) {
	r := newRuntime(t)
	require.NoError(t, r.SetFunc("slow", func(ctx context.Context, _ []interface{}) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
			return "late", nil
		}
	}))

	start := time.Now()
	out := r.Run(context.Background(), "slow()", 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, KindTimeout, out.Kind)
	assert.Less(t, elapsed, time.Second)
}

func TestRuntime_OutputLimit(t *testing.T) {
	r, err := New(WithMaxOutput(32))
	require.NoError(t, err)

	out := r.Run(context.Background(), `for (var i = 0; i < 100; i++) { print("line " + i) }`, time.Second)
	require.True(t, out.OK())
	assert.Contains(t, out.Stdout, "[output truncated at 32 chars]")
}

func TestLooksLikeExpression(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"x * 2", true},
		{"x = 42", false},
		{"x == 42", true},
		{"items.filter(i => i > 1)", true},
		{"var y = 1", false},
		{"if (x) { y() }", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, looksLikeExpression(tt.line), tt.line)
	}
}
