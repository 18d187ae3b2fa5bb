package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/howlerops/recursive-llm-go/internal/jsrepl"
)

// DefaultExecTimeout bounds a single execution when the request sets none.
const DefaultExecTimeout = 30 * time.Second

// InProcessConfig configures the in-process backend.
type InProcessConfig struct {
	DefaultTimeout time.Duration
	MaxOutput      int
	Logger         Logger
}

// InProcess runs code in a goja runtime inside the current process. Bound
// names live in the runtime's global scope. Use it for development and
// trusted contexts only.
type InProcess struct {
	cfg    InProcessConfig
	logger Logger
}

// NewInProcess creates an in-process backend.
func NewInProcess(cfg InProcessConfig) *InProcess {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultExecTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &InProcess{cfg: cfg, logger: logger}
}

func (b *InProcess) Variant() Variant { return VariantInProcess }

func (b *InProcess) sealed() {}

// Create starts a fresh runtime.
func (b *InProcess) Create(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindBackendUnavailable, "create", err)
	}

	var opts []jsrepl.Option
	if b.cfg.MaxOutput > 0 {
		opts = append(opts, jsrepl.WithMaxOutput(b.cfg.MaxOutput))
	}
	rt, err := jsrepl.New(opts...)
	if err != nil {
		return nil, newError(KindBackendUnavailable, "create", err)
	}

	s := &inProcessSession{
		id:      "inproc-" + uuid.Must(uuid.NewV7()).String(),
		rt:      rt,
		backend: b,
	}
	s.lc.ready()
	b.logger.Debug("sandbox", "created in-process session %s", s.id)
	return s, nil
}

type inProcessSession struct {
	id      string
	rt      *jsrepl.Runtime
	backend *InProcess
	lc      lifecycle
}

func (s *inProcessSession) ID() string       { return s.id }
func (s *inProcessSession) Variant() Variant { return VariantInProcess }
func (s *inProcessSession) State() State     { return s.lc.State() }

func (s *inProcessSession) Bind(_ context.Context, bindings map[string]interface{}) error {
	if err := s.lc.check(); err != nil {
		return newError(KindSessionState, "bind", err)
	}
	return s.rt.SetAll(bindings)
}

func (s *inProcessSession) BindFunc(name string, fn HostFunc) error {
	if err := s.lc.check(); err != nil {
		return newError(KindSessionState, "bind", err)
	}
	return s.rt.SetFunc(name, jsrepl.HostFunc(fn))
}

func (s *inProcessSession) Execute(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	if err := s.lc.begin(); err != nil {
		sbErr := newError(KindSessionState, "execute", err)
		return failedResult(sbErr, started), sbErr
	}
	defer s.lc.end(false)

	if len(req.Bindings) > 0 {
		if err := s.rt.SetAll(req.Bindings); err != nil {
			return &Result{
				Stderr:   err.Error(),
				Duration: time.Since(started),
				Locals:   map[string]interface{}{},
				Err:      &ExecError{Kind: KindRuntimeError, Message: err.Error()},
			}, nil
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.backend.cfg.DefaultTimeout
	}
	out := s.rt.Run(ctx, req.Code, timeout)
	return resultFromOutcome(out), nil
}

func (s *inProcessSession) Lookup(_ context.Context, name string) (interface{}, bool, error) {
	if s.lc.State() == StateDestroyed {
		return nil, false, newError(KindSessionState, "lookup", ErrDestroyed)
	}
	value, ok := s.rt.Get(name)
	return value, ok, nil
}

func (s *inProcessSession) Destroy(context.Context) {
	if s.lc.destroy() {
		return
	}
	s.backend.logger.Debug("sandbox", "destroyed in-process session %s", s.id)
}

func resultFromOutcome(out jsrepl.Outcome) *Result {
	res := &Result{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Success:  out.OK(),
		Duration: out.Duration,
		Locals:   out.Changed,
	}
	if !out.OK() {
		res.Err = &ExecError{Kind: ErrorKind(out.Kind), Message: out.Message}
	}
	return res
}
