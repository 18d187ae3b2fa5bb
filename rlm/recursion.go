package rlm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/howlerops/recursive-llm-go/sandbox"
)

// RecursionContext is the position of one engine in a recursion chain. It is
// a value: each level gets its own copy from Child.
type RecursionContext struct {
	Depth    int
	MaxDepth int
	// Candidates[d] serves sub-calls issued at depth d; the last entry is
	// reused for deeper levels.
	Candidates []Candidate
	Parent     *RecursionContext
	TraceID    string
}

// NewRecursionContext returns the root context of a new chain.
func NewRecursionContext(maxDepth int, candidates []Candidate) RecursionContext {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return RecursionContext{
		Depth:      0,
		MaxDepth:   maxDepth,
		Candidates: candidates,
		TraceID:    uuid.NewString(),
	}
}

// ShouldRecurse reports whether a sub-call from this level may get its own
// engine. At MaxDepth-1 sub-calls are terminal model calls.
func (rc RecursionContext) ShouldRecurse() bool {
	return rc.Depth+1 < rc.MaxDepth
}

// NextCandidate returns the candidate used by sub-calls issued at this depth.
func (rc RecursionContext) NextCandidate() (Candidate, bool) {
	return rc.CandidateAt(rc.Depth)
}

// CandidateAt returns Candidates[depth], saturating at the last entry.
func (rc RecursionContext) CandidateAt(depth int) (Candidate, bool) {
	n := len(rc.Candidates)
	if n == 0 || depth < 0 {
		return Candidate{}, false
	}
	if depth >= n {
		return rc.Candidates[n-1], true
	}
	return rc.Candidates[depth], true
}

// Child returns the context one level down.
func (rc RecursionContext) Child() (RecursionContext, error) {
	if !rc.ShouldRecurse() {
		return RecursionContext{}, NewMaxDepthError(rc.Depth+1, rc.MaxDepth)
	}
	parent := rc
	return RecursionContext{
		Depth:      rc.Depth + 1,
		MaxDepth:   rc.MaxDepth,
		Candidates: rc.Candidates,
		Parent:     &parent,
		TraceID:    rc.TraceID,
	}, nil
}

// SubCaller answers a sub-query issued from sandboxed code.
type SubCaller interface {
	Call(ctx context.Context, query string, contextData interface{}) (string, RLMStats, error)
}

// RecursionController builds the sub-caller for each level of a chain.
type RecursionController struct {
	config   Config
	observer *Observer
}

func newRecursionController(config Config, observer *Observer) *RecursionController {
	return &RecursionController{config: config, observer: observer}
}

// Spawn returns the sub-caller for sub-calls issued at rc.Depth: a nested
// engine with a fresh session while recursion is allowed, otherwise a single
// model call.
func (c *RecursionController) Spawn(rc RecursionContext, parentBackend sandbox.Backend) (SubCaller, error) {
	candidate, ok := rc.NextCandidate()
	if !ok {
		return nil, fmt.Errorf("no sub-call model configured at depth %d", rc.Depth)
	}

	if !rc.ShouldRecurse() {
		c.observer.Debug("recursion", "depth %d: terminal call to %s", rc.Depth, candidate.Model)
		return &terminalCaller{
			model:    candidate.Model,
			client:   c.client(candidate),
			depth:    rc.Depth + 1,
			observer: c.observer,
		}, nil
	}

	child, err := rc.Child()
	if err != nil {
		return nil, err
	}
	backend := candidate.Backend
	if backend == nil {
		backend = parentBackend
	}
	c.observer.Debug("recursion", "depth %d: nested engine on %s", child.Depth, candidate.Model)
	return newEngine(candidate.Model, c.client(candidate), backend, child, c.config, c.observer), nil
}

func (c *RecursionController) client(candidate Candidate) Client {
	if c.config.NewClient != nil {
		return c.config.NewClient(candidate)
	}
	return NewOpenAIClient(candidate, c.config)
}

// terminalCaller is the base case: one model call, no session, no recursion.
type terminalCaller struct {
	model    string
	client   Client
	depth    int
	observer *Observer
}

func (t *terminalCaller) Call(ctx context.Context, query string, contextData interface{}) (string, RLMStats, error) {
	stats := RLMStats{Depth: t.depth, LlmCalls: 1}
	_, text, err := normalizeContext(contextData)
	if err != nil {
		return "", stats, err
	}

	messages := terminalPrompt(query, text)
	start := time.Now()
	answer, err := t.client.Complete(ctx, messages)
	t.observer.LLMCall(ctx, t.model, len(messages), 0, time.Since(start), err)
	if err != nil {
		return "", stats, NewModelClientError(t.model, err)
	}
	return strings.TrimSpace(answer), stats, nil
}
