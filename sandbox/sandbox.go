// Package sandbox runs model-authored code in isolated, optionally stateful
// execution sessions.
//
// Three backends implement the same contract:
//
//   - InProcess: a goja runtime per session inside the calling process.
//   - RemoteStateless: every call ships the full binding map to a remote
//     executor's POST /execute and merges the returned locals client side.
//   - RemoteSession: a remote executor keeps a dedicated runtime per session
//     id (POST /session, POST /session/{id}/execute, DELETE /session/{id}).
//
// Backend is sealed; switch over the concrete types to cover every variant.
//
// Program errors (syntax errors, undefined names, thrown exceptions, timeouts
// reported by the sandbox itself) come back as a failed Result with a nil
// error. Infrastructure failures come back as a failed Result and a non-nil
// *Error; the session then moves to StateError and must be replaced.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Variant tags a backend implementation.
type Variant string

const (
	VariantInProcess       Variant = "in_process"
	VariantRemoteStateless Variant = "remote_stateless"
	VariantRemoteSession   Variant = "remote_session"
)

// Variants lists every backend variant.
func Variants() []Variant {
	return []Variant{VariantInProcess, VariantRemoteStateless, VariantRemoteSession}
}

// Backend creates sessions. Implementations must be safe for concurrent use.
type Backend interface {
	Variant() Variant
	Create(ctx context.Context) (Session, error)
	sealed()
}

// Session is a single execution context. A session is owned by one caller at
// a time; concurrent Execute calls fail with ErrBusy.
type Session interface {
	ID() string
	Variant() Variant
	State() State
	// Bind installs bindings as bound names before the next execution.
	Bind(ctx context.Context, bindings map[string]interface{}) error
	Execute(ctx context.Context, req Request) (*Result, error)
	// Lookup returns the current value of a bound name.
	Lookup(ctx context.Context, name string) (interface{}, bool, error)
	// Destroy releases the session. It is idempotent and never fails; problems
	// are logged.
	Destroy(ctx context.Context)
}

// FuncBinder is implemented by sessions that can expose Go functions to
// sandboxed code. Only in-process sessions share an address space with the
// caller, so only they implement it.
type FuncBinder interface {
	BindFunc(name string, fn HostFunc) error
}

// HostFunc is a Go function callable from sandboxed code.
type HostFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// Prober is implemented by backends with liveness and readiness endpoints.
type Prober interface {
	Health(ctx context.Context) error
	Ready(ctx context.Context) error
}

// Logger receives backend diagnostics. *rlm.Observer satisfies it.
type Logger interface {
	Debug(component string, format string, args ...interface{})
	Error(component string, format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, string, ...interface{}) {}
func (nopLogger) Error(string, string, ...interface{}) {}

// Request is one execution. Bindings are merged into the session before Code
// runs. A zero Timeout uses the backend default.
type Request struct {
	Code     string
	Bindings map[string]interface{}
	Timeout  time.Duration
}

// Result is the outcome of one execution attempt.
type Result struct {
	Stdout   string
	Stderr   string
	Success  bool
	Duration time.Duration
	// Locals holds the bound names created or changed by this execution.
	Locals map[string]interface{}
	Err    *ExecError
}

// ExecError describes why an execution failed.
type ExecError struct {
	Kind    ErrorKind
	Message string
	// Transport is set when the failure came from the infrastructure rather
	// than the code.
	Transport bool
}

func (e *ExecError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Output renders the result as an observation for the model.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	out := r.Stdout
	if r.Stderr != "" {
		if out != "" && out[len(out)-1] != '\n' {
			out += "\n"
		}
		out += r.Stderr
	}
	if !r.Success && r.Err != nil && r.Stderr == "" {
		if out != "" && out[len(out)-1] != '\n' {
			out += "\n"
		}
		out += r.Err.Error()
	}
	return out
}

func failedResult(err *Error, started time.Time) *Result {
	return &Result{
		Stderr:   err.Error(),
		Success:  false,
		Duration: time.Since(started),
		Locals:   map[string]interface{}{},
		Err: &ExecError{
			Kind:      err.Kind,
			Message:   err.Error(),
			Transport: true,
		},
	}
}

func cloneBindings(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
