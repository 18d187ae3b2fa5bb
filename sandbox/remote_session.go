package sandbox

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// RemoteSession talks to a sidecar executor that keeps one runtime per
// session id. Bound names live on the executor; the session keeps a snapshot
// of the locals it has seen for Lookup.
type RemoteSession struct {
	t *transport
}

// NewRemoteSession validates cfg and returns a session-based remote backend.
func NewRemoteSession(cfg RemoteConfig) (*RemoteSession, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &RemoteSession{t: &transport{cfg: cfg}}, nil
}

func (b *RemoteSession) Variant() Variant { return VariantRemoteSession }

func (b *RemoteSession) sealed() {}

func (b *RemoteSession) Health(ctx context.Context) error { return b.t.probe(ctx, "/health") }
func (b *RemoteSession) Ready(ctx context.Context) error  { return b.t.probe(ctx, "/ready") }

// Create asks the executor for a new session.
func (b *RemoteSession) Create(ctx context.Context) (Session, error) {
	data, err := b.t.do(ctx, call{op: "create", method: http.MethodPost, path: "/session", retry: true})
	if err != nil {
		sbErr := asError("create", err)
		return nil, &Error{Kind: KindBackendUnavailable, Op: "create", StatusCode: sbErr.StatusCode, Cause: sbErr}
	}
	created, err := DecodeCreateSessionResponse(data)
	if err != nil {
		return nil, &Error{Kind: KindBackendUnavailable, Op: "create", Cause: newError(KindMalformedResponse, "create", err)}
	}

	s := &remoteSession{
		id:      created.SessionID,
		backend: b,
		pending: make(map[string]interface{}),
		seen:    make(map[string]interface{}),
	}
	s.lc.ready()
	b.t.cfg.Logger.Debug("sandbox", "created remote session %s", s.id)
	return s, nil
}

type remoteSession struct {
	id      string
	backend *RemoteSession
	lc      lifecycle

	mu      sync.Mutex
	pending map[string]interface{}
	seen    map[string]interface{}
}

func (s *remoteSession) ID() string       { return s.id }
func (s *remoteSession) Variant() Variant { return VariantRemoteSession }
func (s *remoteSession) State() State     { return s.lc.State() }

func (s *remoteSession) path(suffix string) string {
	return "/session/" + url.PathEscape(s.id) + suffix
}

// Bind queues bindings; they are sent with the next execution.
func (s *remoteSession) Bind(_ context.Context, bindings map[string]interface{}) error {
	if err := s.lc.check(); err != nil {
		return newError(KindSessionState, "bind", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range bindings {
		s.pending[k] = v
	}
	return nil
}

func (s *remoteSession) Execute(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	if err := s.lc.begin(); err != nil {
		sbErr := newError(KindSessionState, "execute", err)
		return failedResult(sbErr, started), sbErr
	}

	s.mu.Lock()
	outgoing := cloneBindings(s.pending)
	for k, v := range req.Bindings {
		outgoing[k] = v
	}
	s.mu.Unlock()

	cfg := s.backend.t.cfg
	resp, err := s.backend.t.execute(ctx, "execute", s.path("/execute"), ExecuteRequest{
		Code:      req.Code,
		Context:   outgoing,
		Timeout:   cfg.execTimeout(req.Timeout).Seconds(),
		SessionID: s.id,
	})
	if err != nil {
		sbErr := asError("execute", err)
		cfg.Logger.Error("sandbox", "remote session %s execute failed: %v", s.id, sbErr)
		s.lc.end(true)
		return failedResult(sbErr, started), sbErr
	}

	res := resp.ToResult()
	s.mu.Lock()
	for k, v := range outgoing {
		s.seen[k] = v
		delete(s.pending, k)
	}
	for k, v := range res.Locals {
		s.seen[k] = v
	}
	s.mu.Unlock()
	s.lc.end(false)
	return res, nil
}

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Lookup answers from pending bindings and seen locals first. Names the
// session has not observed are evaluated on the executor and returned as
// their printed form.
func (s *remoteSession) Lookup(ctx context.Context, name string) (interface{}, bool, error) {
	if s.lc.State() == StateDestroyed {
		return nil, false, newError(KindSessionState, "lookup", ErrDestroyed)
	}
	s.mu.Lock()
	if v, ok := s.pending[name]; ok {
		s.mu.Unlock()
		return v, true, nil
	}
	if v, ok := s.seen[name]; ok {
		s.mu.Unlock()
		return v, true, nil
	}
	s.mu.Unlock()

	if !identifier.MatchString(name) {
		return nil, false, nil
	}
	res, err := s.Execute(ctx, Request{Code: name})
	if err != nil {
		return nil, false, err
	}
	if !res.Success {
		return nil, false, nil
	}
	return strings.TrimRight(res.Stdout, "\n"), true, nil
}

// Destroy deletes the session on the executor. Failures are logged.
func (s *remoteSession) Destroy(ctx context.Context) {
	if s.lc.destroy() {
		return
	}
	cfg := s.backend.t.cfg
	_, err := s.backend.t.do(ctx, call{op: "destroy", method: http.MethodDelete, path: s.path(""), retry: true})
	if err != nil {
		cfg.Logger.Error("sandbox", "failed to destroy remote session %s: %v", s.id, err)
		return
	}
	cfg.Logger.Debug("sandbox", "destroyed remote session %s", s.id)
}
