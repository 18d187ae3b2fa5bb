// Package sidecar implements the remote executor: an HTTP server that keeps
// one JavaScript runtime per session and also serves stateless executions.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/howlerops/recursive-llm-go/internal/jsrepl"
	"github.com/howlerops/recursive-llm-go/sandbox"
)

var (
	// ErrSessionNotFound is returned for unknown or reaped session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAtCapacity is returned when MaxSessions sessions are live.
	ErrAtCapacity = errors.New("session limit reached")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("manager closed")
)

// Config bounds what the executor accepts.
type Config struct {
	MaxSessions int
	// SessionTTL is how long an idle session survives before it is reaped.
	SessionTTL time.Duration
	// ReapInterval is how often Run checks for idle sessions.
	ReapInterval   time.Duration
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutput      int
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:    64,
		SessionTTL:     time.Hour,
		ReapInterval:   time.Minute,
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     5 * time.Minute,
		MaxOutput:      jsrepl.DefaultMaxOutput,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = d.MaxOutput
	}
	return c
}

type entry struct {
	id      string
	rt      *jsrepl.Runtime
	created time.Time

	mu       sync.Mutex // serializes executions
	lastUsed time.Time
}

// Manager owns the live sessions.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// NewManager creates an empty session manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

func (m *Manager) newRuntime() (*jsrepl.Runtime, error) {
	return jsrepl.New(jsrepl.WithMaxOutput(m.cfg.MaxOutput))
}

// Create starts a new session and returns its id.
func (m *Manager) Create() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return "", ErrAtCapacity
	}

	rt, err := m.newRuntime()
	if err != nil {
		return "", fmt.Errorf("failed to start runtime: %w", err)
	}
	now := m.now()
	e := &entry{id: uuid.NewString(), rt: rt, created: now, lastUsed: now}
	m.sessions[e.id] = e
	m.logger.Info("session created", "session_id", e.id, "live", len(m.sessions))
	return e.id, nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// live reports whether e is still registered under its id.
func (m *Manager) live(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[e.id] == e
}

// Execute runs req in session id. Context bindings are installed first.
func (m *Manager) Execute(ctx context.Context, id string, req *sandbox.ExecuteRequest) (*sandbox.ExecuteResponse, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !m.live(e) {
		return nil, ErrSessionNotFound
	}
	e.lastUsed = m.now()

	resp := m.run(ctx, e.rt, req)
	m.logger.Debug("session execute",
		"session_id", id,
		"success", resp.Success,
		"error_kind", resp.ErrorKind,
		"duration", resp.ExecutionTime)
	return resp, nil
}

// ExecuteStateless runs req in a throwaway runtime.
func (m *Manager) ExecuteStateless(ctx context.Context, req *sandbox.ExecuteRequest) (*sandbox.ExecuteResponse, error) {
	rt, err := m.newRuntime()
	if err != nil {
		return nil, fmt.Errorf("failed to start runtime: %w", err)
	}
	resp := m.run(ctx, rt, req)
	m.logger.Debug("stateless execute",
		"session_id", req.SessionID,
		"success", resp.Success,
		"error_kind", resp.ErrorKind)
	return resp, nil
}

func (m *Manager) run(ctx context.Context, rt *jsrepl.Runtime, req *sandbox.ExecuteRequest) *sandbox.ExecuteResponse {
	started := time.Now()
	if err := rt.SetAll(req.Context); err != nil {
		return &sandbox.ExecuteResponse{
			Stderr:        err.Error(),
			Locals:        map[string]interface{}{},
			ExecutionTime: time.Since(started).Seconds(),
			Error:         err.Error(),
			ErrorKind:     string(sandbox.KindRuntimeError),
		}
	}
	out := rt.Run(ctx, req.Code, m.timeout(req.Timeout))
	return responseFrom(out)
}

func (m *Manager) timeout(seconds float64) time.Duration {
	d := time.Duration(seconds * float64(time.Second))
	if d <= 0 {
		d = m.cfg.DefaultTimeout
	}
	if d > m.cfg.MaxTimeout {
		d = m.cfg.MaxTimeout
	}
	return d
}

func responseFrom(out jsrepl.Outcome) *sandbox.ExecuteResponse {
	resp := &sandbox.ExecuteResponse{
		Stdout:        out.Stdout,
		Stderr:        out.Stderr,
		Locals:        out.Changed,
		ExecutionTime: out.Duration.Seconds(),
		Success:       out.OK(),
	}
	if resp.Locals == nil {
		resp.Locals = map[string]interface{}{}
	}
	if !out.OK() {
		resp.Error = out.Message
		resp.ErrorKind = string(out.Kind)
	}
	return resp
}

// Destroy removes session id and reports whether it existed.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	live := len(m.sessions)
	m.mu.Unlock()
	if ok {
		m.logger.Info("session destroyed", "session_id", id, "live", live)
	}
	return ok
}

// List returns the live session ids in sorted order.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Full reports whether no more sessions can be created.
func (m *Manager) Full() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || len(m.sessions) >= m.cfg.MaxSessions
}

// Reap removes sessions idle for longer than the TTL and returns how many
// were removed. Sessions with an execution in flight are skipped.
func (m *Manager) Reap() int {
	now := m.now()
	m.mu.Lock()
	var expired []string
	for id, e := range m.sessions {
		if !e.mu.TryLock() {
			continue
		}
		idle := now.Sub(e.lastUsed)
		e.mu.Unlock()
		if idle > m.cfg.SessionTTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("session expired", "session_id", id, "ttl", m.cfg.SessionTTL)
	}
	return len(expired)
}

// Run reaps idle sessions every ReapInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Close drops every session and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions)
	m.sessions = make(map[string]*entry)
	m.closed = true
	m.logger.Info("session manager closed", "dropped", n)
}
