package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RemoteStateless executes against a stateless executor. The executor keeps
// nothing between calls, so each session holds its bindings client side and
// ships all of them with every execution.
type RemoteStateless struct {
	t *transport
}

// NewRemoteStateless validates cfg and returns a stateless remote backend.
func NewRemoteStateless(cfg RemoteConfig) (*RemoteStateless, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &RemoteStateless{t: &transport{cfg: cfg}}, nil
}

func (b *RemoteStateless) Variant() Variant { return VariantRemoteStateless }

func (b *RemoteStateless) sealed() {}

func (b *RemoteStateless) Health(ctx context.Context) error { return b.t.probe(ctx, "/health") }
func (b *RemoteStateless) Ready(ctx context.Context) error  { return b.t.probe(ctx, "/ready") }

// Create returns a client-side session. No request is made.
func (b *RemoteStateless) Create(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindBackendUnavailable, "create", err)
	}
	s := &statelessSession{
		id:      "stateless-" + uuid.NewString(),
		backend: b,
		vars:    make(map[string]interface{}),
	}
	s.lc.ready()
	return s, nil
}

// ExecuteRaw runs req.Code with exactly req.Bindings and nothing else. The
// returned Locals are the executor's view of that single run.
func (b *RemoteStateless) ExecuteRaw(ctx context.Context, req Request) (*Result, error) {
	return b.executeRaw(ctx, "", req)
}

func (b *RemoteStateless) executeRaw(ctx context.Context, sessionID string, req Request) (*Result, error) {
	started := time.Now()
	resp, err := b.t.execute(ctx, "execute", "/execute", ExecuteRequest{
		Code:      req.Code,
		Context:   req.Bindings,
		Timeout:   b.t.cfg.execTimeout(req.Timeout).Seconds(),
		SessionID: sessionID,
	})
	if err != nil {
		sbErr := asError("execute", err)
		b.t.cfg.Logger.Error("sandbox", "stateless execute failed: %v", sbErr)
		return failedResult(sbErr, started), sbErr
	}
	return resp.ToResult(), nil
}

type statelessSession struct {
	id      string
	backend *RemoteStateless
	lc      lifecycle

	mu   sync.Mutex
	vars map[string]interface{}
}

func (s *statelessSession) ID() string       { return s.id }
func (s *statelessSession) Variant() Variant { return VariantRemoteStateless }
func (s *statelessSession) State() State     { return s.lc.State() }

func (s *statelessSession) Bind(_ context.Context, bindings map[string]interface{}) error {
	if err := s.lc.check(); err != nil {
		return newError(KindSessionState, "bind", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range bindings {
		s.vars[k] = v
	}
	return nil
}

func (s *statelessSession) Execute(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	if err := s.lc.begin(); err != nil {
		sbErr := newError(KindSessionState, "execute", err)
		return failedResult(sbErr, started), sbErr
	}

	s.mu.Lock()
	for k, v := range req.Bindings {
		s.vars[k] = v
	}
	sent := cloneBindings(s.vars)
	s.mu.Unlock()

	res, err := s.backend.executeRaw(ctx, s.id, Request{Code: req.Code, Bindings: sent, Timeout: req.Timeout})
	if err != nil {
		s.lc.end(true)
		return res, err
	}

	s.mu.Lock()
	for k, v := range res.Locals {
		s.vars[k] = v
	}
	s.mu.Unlock()
	s.lc.end(false)
	return res, nil
}

func (s *statelessSession) Lookup(_ context.Context, name string) (interface{}, bool, error) {
	if s.lc.State() == StateDestroyed {
		return nil, false, newError(KindSessionState, "lookup", ErrDestroyed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok, nil
}

func (s *statelessSession) Destroy(context.Context) {
	if s.lc.destroy() {
		return
	}
	s.mu.Lock()
	s.vars = make(map[string]interface{})
	s.mu.Unlock()
	s.backend.t.cfg.Logger.Debug("sandbox", "released stateless session %s", s.id)
}
