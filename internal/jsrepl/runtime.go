// Package jsrepl hosts the goja JavaScript runtime that backs every sandbox
// session. A Runtime keeps its global scope between runs so bound names
// persist, captures console output, enforces per-run timeouts and reports
// which globals a run created or changed.
package jsrepl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dop251/goja"
)

// DefaultMaxOutput caps captured stdout/stderr per run.
const DefaultMaxOutput = 1 << 20

// Kind classifies a failed run.
type Kind string

const (
	KindNone      Kind = ""
	KindSyntax    Kind = "SyntaxError"
	KindName      Kind = "NameError"
	KindRuntime   Kind = "RuntimeError"
	KindTimeout   Kind = "Timeout"
	KindCancelled Kind = "Cancelled"
)

var errTimeout = errors.New("execution timeout")

// Outcome is the result of a single Run.
type Outcome struct {
	Stdout   string
	Stderr   string
	Kind     Kind
	Message  string
	Duration time.Duration
	// Changed holds the JSON-safe globals created or modified by the run.
	Changed map[string]interface{}
}

// OK reports whether the run finished without an error.
func (o Outcome) OK() bool {
	return o.Kind == KindNone
}

// HostFunc is a Go function exposed to sandboxed code. Arguments arrive as
// exported Go values; a returned error is thrown as a JS exception.
type HostFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// Runtime is a persistent JavaScript global scope. It is safe for use from
// multiple goroutines, but runs are serialized.
type Runtime struct {
	mu        sync.Mutex
	vm        *goja.Runtime
	stdout    boundedBuffer
	stderr    boundedBuffer
	baseline  map[string]struct{}
	prints    map[string]uint64
	runCtx    context.Context
	maxOutput int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMaxOutput sets the capture limit for stdout and stderr per run.
func WithMaxOutput(n int) Option {
	return func(r *Runtime) {
		r.maxOutput = n
	}
}

// New creates a Runtime with the console, print, len and regex helpers and the
// Python-flavoured bootstrap installed.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		vm:        goja.New(),
		baseline:  make(map[string]struct{}),
		prints:    make(map[string]uint64),
		runCtx:    context.Background(),
		maxOutput: DefaultMaxOutput,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.stdout.limit = r.maxOutput
	r.stderr.limit = r.maxOutput

	console := map[string]func(goja.FunctionCall) goja.Value{
		"log":   r.writer(&r.stdout),
		"info":  r.writer(&r.stdout),
		"warn":  r.writer(&r.stderr),
		"error": r.writer(&r.stderr),
	}
	globals := map[string]interface{}{
		"console": console,
		"print":   r.writer(&r.stdout),
		"len":     jsLen,
		"re":      NewRegexHelper(),
	}
	for name, value := range globals {
		if err := r.vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", name, err)
		}
	}

	if _, err := r.vm.RunString(bootstrap); err != nil {
		return nil, fmt.Errorf("bootstrap execution error: %w", err)
	}

	for _, name := range r.vm.GlobalObject().Keys() {
		r.baseline[name] = struct{}{}
	}
	return r, nil
}

func (r *Runtime) writer(buf *boundedBuffer) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		buf.WriteString(strings.Join(parts, " "))
		buf.WriteString("\n")
		return goja.Undefined()
	}
}

// Set binds a global name.
func (r *Runtime) Set(name string, value interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set(name, value)
}

// SetAll binds every entry of bindings.
func (r *Runtime) SetAll(bindings map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, value := range bindings {
		if err := r.set(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) set(name string, value interface{}) error {
	if err := r.vm.Set(name, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", name, err)
	}
	if _, sum, ok := r.export(name); ok {
		r.prints[name] = sum
	}
	return nil
}

// SetFunc exposes fn to sandboxed code under name. Host functions are not
// reported as bound names.
func (r *Runtime) SetFunc(name string, fn HostFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wrapped := func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			args = append(args, arg.Export())
		}
		// runCtx is only swapped while mu is held by Run, which is the
		// goroutine executing this call.
		out, err := fn(r.runCtx, args)
		if err != nil {
			panic(r.vm.NewGoError(err))
		}
		return r.vm.ToValue(out)
	}
	if err := r.vm.Set(name, wrapped); err != nil {
		return fmt.Errorf("failed to set %s: %w", name, err)
	}
	r.baseline[name] = struct{}{}
	return nil
}

// Get returns the exported value of a global name.
func (r *Runtime) Get(name string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.vm.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	return v.Export(), true
}

// Bindings returns every JSON-safe user global.
func (r *Runtime) Bindings() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]interface{})
	for _, name := range r.vm.GlobalObject().Keys() {
		if _, skip := r.baseline[name]; skip {
			continue
		}
		if value, _, ok := r.export(name); ok {
			out[name] = value
		}
	}
	return out
}

// Run executes code in the persistent scope. A non-positive timeout leaves the
// run bounded only by ctx.
func (r *Runtime) Run(ctx context.Context, code string, timeout time.Duration) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Outcome{Kind: KindCancelled, Message: err.Error(), Changed: map[string]interface{}{}}
	}

	r.stdout.Reset()
	r.stderr.Reset()

	// Interrupts are not delivered while a host function blocks, so host
	// functions get a context that expires with the run.
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	r.runCtx = runCtx
	defer func() { r.runCtx = context.Background() }()

	code = hoistDeclarations(code)
	stop := r.watch(ctx, timeout)
	value, err := r.vm.RunString(code)
	stop()
	r.vm.ClearInterrupt()

	var out Outcome
	if err != nil {
		out.Kind, out.Message = r.classify(err, timeout)
		if out.Kind != KindTimeout && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			out.Kind, out.Message = KindTimeout, fmt.Sprintf("TimeoutError: execution exceeded %s", timeout)
		}
		r.stderr.WriteString(out.Message)
		r.stderr.WriteString("\n")
	} else if r.stdout.Len() == 0 && value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		if looksLikeExpression(lastStatement(code)) {
			r.stdout.WriteString(value.String())
			r.stdout.WriteString("\n")
		}
	}

	out.Stdout = r.stdout.String()
	out.Stderr = r.stderr.String()
	out.Changed = r.diff()
	out.Duration = time.Since(start)
	return out
}

// watch arms the timeout and cancellation interrupts for one run. The returned
// func disarms them; no interrupt is delivered after it returns.
func (r *Runtime) watch(ctx context.Context, timeout time.Duration) func() {
	var (
		mu       sync.Mutex
		finished bool
		timer    *time.Timer
	)
	interrupt := func(v interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if !finished {
			r.vm.Interrupt(v)
		}
	}

	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { interrupt(errTimeout) })
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			interrupt(ctx.Err())
		case <-done:
		}
	}()

	return func() {
		mu.Lock()
		finished = true
		mu.Unlock()
		close(done)
		if timer != nil {
			timer.Stop()
		}
	}
}

func (r *Runtime) classify(err error, timeout time.Duration) (Kind, string) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause, _ := interrupted.Value().(error)
		switch {
		case errors.Is(cause, errTimeout), errors.Is(cause, context.DeadlineExceeded):
			return KindTimeout, fmt.Sprintf("TimeoutError: execution exceeded %s", timeout)
		case errors.Is(cause, context.Canceled):
			return KindCancelled, "execution cancelled"
		}
		return KindRuntime, interrupted.Error()
	}

	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return KindSyntax, "SyntaxError: " + syntaxErr.Error()
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		msg := exc.Error()
		if v := exc.Value(); v != nil {
			msg = v.String()
		}
		switch exceptionName(exc) {
		case "ReferenceError":
			return KindName, msg
		case "SyntaxError":
			return KindSyntax, msg
		}
		return KindRuntime, msg
	}
	return KindRuntime, err.Error()
}

func exceptionName(exc *goja.Exception) string {
	obj, ok := exc.Value().(*goja.Object)
	if !ok || obj == nil {
		return ""
	}
	name := obj.Get("name")
	if name == nil || goja.IsUndefined(name) {
		return ""
	}
	return name.String()
}

func (r *Runtime) diff() map[string]interface{} {
	changed := make(map[string]interface{})
	current := make(map[string]uint64)
	for _, name := range r.vm.GlobalObject().Keys() {
		if _, skip := r.baseline[name]; skip {
			continue
		}
		value, sum, ok := r.export(name)
		if !ok {
			continue
		}
		current[name] = sum
		if prev, seen := r.prints[name]; !seen || prev != sum {
			changed[name] = value
		}
	}
	r.prints = current
	return changed
}

// export returns the Go value of a global and the xxhash of its JSON form.
// Functions, undefined and values that do not encode are skipped.
func (r *Runtime) export(name string) (interface{}, uint64, bool) {
	v := r.vm.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil, 0, false
	}
	if _, isFunc := goja.AssertFunction(v); isFunc {
		return nil, 0, false
	}
	exported := v.Export()
	data, err := json.Marshal(exported)
	if err != nil {
		return nil, 0, false
	}
	return exported, xxhash.Sum64(data), true
}

func jsLen(value goja.Value) int {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return 0
	}
	if exported := value.Export(); exported != nil {
		switch typed := exported.(type) {
		case string:
			return len(typed)
		case []interface{}:
			return len(typed)
		case []string:
			return len(typed)
		case map[string]interface{}:
			return len(typed)
		}
	}
	if obj, ok := value.(*goja.Object); ok {
		if length := obj.Get("length"); length != nil && !goja.IsUndefined(length) {
			return int(length.ToInteger())
		}
	}
	return len(value.String())
}

type boundedBuffer struct {
	strings.Builder
	limit     int
	truncated bool
}

func (b *boundedBuffer) WriteString(s string) {
	if b.limit > 0 && b.Builder.Len()+len(s) > b.limit {
		remaining := b.limit - b.Builder.Len()
		if remaining > 0 {
			b.Builder.WriteString(s[:remaining])
		}
		b.truncated = true
		return
	}
	b.Builder.WriteString(s)
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.Builder.String() + fmt.Sprintf("\n[output truncated at %d chars]\n", b.limit)
	}
	return b.Builder.String()
}

func (b *boundedBuffer) Reset() {
	b.Builder.Reset()
	b.truncated = false
}
