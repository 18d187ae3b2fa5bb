package rlm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/howlerops/recursive-llm-go/sandbox"
)

// RLM is a completion engine at one depth of a recursion chain. Calls on one
// engine are serialized; use a Pool for concurrency.
type RLM struct {
	model      string
	client     Client
	backend    sandbox.Backend
	rc         RecursionContext
	config     Config
	controller *RecursionController
	observer   *Observer
	tokens     *tokenCounter

	mu           sync.Mutex
	sessions     *sessionHolder
	conversation *Conversation
	stats        RLMStats
}

// New builds a root engine answering with model.
func New(model string, config Config) *RLM {
	if config.MaxDepth <= 0 {
		config.MaxDepth = DefaultMaxDepth
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if len(config.Candidates) == 0 {
		sub := config.RecursiveModel
		if sub == "" {
			sub = model
		}
		config.Candidates = []Candidate{{Model: sub}}
	}

	obs := config.Observer
	if obs == nil {
		if config.Observability != nil {
			obs = NewObserver(*config.Observability)
		} else {
			obs = NewNoopObserver()
		}
		config.Observer = obs
	}

	backend := config.Backend
	if backend == nil {
		backend = sandbox.NewInProcess(sandbox.InProcessConfig{
			DefaultTimeout: config.ExecTimeout,
			Logger:         obs,
		})
	}

	client := config.Client
	if client == nil {
		root := Candidate{Model: model, APIBase: config.APIBase, APIKey: config.APIKey}
		if config.NewClient != nil {
			client = config.NewClient(root)
		} else {
			client = NewOpenAIClient(root, config)
		}
	}

	rc := NewRecursionContext(config.MaxDepth, config.Candidates)
	return newEngine(model, client, backend, rc, config, obs)
}

func newEngine(model string, client Client, backend sandbox.Backend, rc RecursionContext, config Config, obs *Observer) *RLM {
	r := &RLM{
		model:      model,
		client:     client,
		backend:    backend,
		rc:         rc,
		config:     config,
		controller: newRecursionController(config, obs),
		observer:   obs,
	}
	if config.CountTokens {
		r.tokens = newTokenCounter(model)
	}
	return r
}

// Completion answers query over contextData, which may be a string, a
// []string, a []Message, or a list of role/content maps.
func (r *RLM) Completion(ctx context.Context, query string, contextData interface{}) (string, RLMStats, error) {
	answer, stats, err := r.Complete(ctx, query, contextData)
	if err != nil {
		return "", stats, err
	}
	return answer.Text, stats, nil
}

// Call implements SubCaller for nested engines.
func (r *RLM) Call(ctx context.Context, query string, contextData interface{}) (string, RLMStats, error) {
	return r.Completion(ctx, query, contextData)
}

// Complete is Completion with the best-effort flag and iteration count.
func (r *RLM) Complete(ctx context.Context, query string, contextData interface{}) (FinalAnswer, RLMStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isEmptyContext(contextData) && query != "" {
		contextData = query
	}

	if r.rc.Depth == 0 && r.config.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.CompletionTimeout)
		defer cancel()
	}

	attrs := map[string]string{
		"model":    r.model,
		"depth":    fmt.Sprintf("%d", r.rc.Depth),
		"trace_id": r.rc.TraceID,
		"backend":  string(r.backend.Variant()),
	}
	if r.rc.Depth == 0 {
		ctx = r.observer.StartTrace(ctx, "rlm.completion", attrs)
		defer r.observer.EndTrace(ctx)
	} else {
		ctx = r.observer.StartSpan(ctx, "rlm.sub_completion", attrs)
		defer r.observer.EndSpan(ctx)
	}

	r.stats = RLMStats{Depth: r.rc.Depth, MaxDepthReached: r.rc.Depth}

	bindings, size, err := contextBindings(query, contextData)
	if err != nil {
		return FinalAnswer{}, r.stats, err
	}

	r.sessions = &sessionHolder{
		backend:  r.backend,
		bindings: bindings,
		funcs:    r.hostFuncs(),
		observer: r.observer,
	}
	defer r.teardown(ctx)

	if _, err := r.sessions.open(ctx); err != nil {
		r.observer.Error("rlm", "session create failed: %v", err)
		return FinalAnswer{}, r.stats, NewSessionError(string(r.backend.Variant()), err)
	}

	r.conversation = NewConversation(BuildSystemPrompt(PromptParams{
		ContextSize:      size,
		Depth:            r.rc.Depth,
		Query:            query,
		SubCalls:         r.backend.Variant() == sandbox.VariantInProcess,
		CanRecurse:       r.rc.ShouldRecurse(),
		UseMetacognitive: r.config.UseMetacognitive,
	}))
	r.conversation.Append(RoleUser, query)

	loop := &ConversationLoop{
		Client:              r.client,
		Model:               r.model,
		Conversation:        r.conversation,
		Query:               query,
		ExecTimeout:         r.config.ExecTimeout,
		MaxObservationChars: r.config.MaxObservationChars,
		Observer:            r.observer,
		Stats:               &r.stats,
		Tokens:              r.tokens,
		sessions:            r.sessions,
	}

	answer, err := loop.Run(ctx, r.config.MaxIterations)
	if err != nil {
		r.observer.Error("rlm", "completion failed at depth %d: %v", r.rc.Depth, err)
		return FinalAnswer{}, r.stats, err
	}

	r.observer.Event(ctx, "rlm.completion_success", map[string]string{
		"iterations":  fmt.Sprintf("%d", r.stats.Iterations),
		"llm_calls":   fmt.Sprintf("%d", r.stats.LlmCalls),
		"best_effort": fmt.Sprintf("%t", answer.BestEffort),
	})
	return answer, r.stats, nil
}

// teardown destroys the session even when ctx is already cancelled.
func (r *RLM) teardown(ctx context.Context) {
	if r.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTeardownTimeout)
	defer cancel()
	r.sessions.close(ctx)
}

// hostFuncs are the sub-call entry points exposed to in-process code.
func (r *RLM) hostFuncs() map[string]sandbox.HostFunc {
	call := func(ctx context.Context, args []interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("llm_query requires a prompt")
		}
		query := formatValue(args[0])
		var subContext interface{}
		if len(args) > 1 {
			subContext = args[1]
		}

		caller, err := r.controller.Spawn(r.rc, r.backend)
		if err != nil {
			return nil, err
		}
		answer, stats, err := caller.Call(ctx, query, subContext)
		r.stats.absorb(stats)
		if err != nil {
			return nil, err
		}
		return answer, nil
	}
	return map[string]sandbox.HostFunc{
		"llm_query":     call,
		"recursive_llm": call,
	}
}

// Reset drops the conversation and any live session. It is safe to call
// repeatedly.
func (r *RLM) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTeardownTimeout)
		r.sessions.close(ctx)
		cancel()
		r.sessions = nil
	}
	r.conversation = nil
	r.stats = RLMStats{}
}

// Messages returns the conversation of the last completion.
func (r *RLM) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conversation == nil {
		return nil
	}
	return r.conversation.Messages()
}

// Depth returns the engine's recursion depth.
func (r *RLM) Depth() int {
	return r.rc.Depth
}

// GetObserver returns the observer for this RLM instance.
func (r *RLM) GetObserver() *Observer {
	return r.observer
}

// Shutdown gracefully shuts down the RLM engine and its observer.
func (r *RLM) Shutdown() {
	if r.observer != nil {
		r.observer.Shutdown()
	}
}

func isEmptyContext(contextData interface{}) bool {
	switch v := contextData.(type) {
	case nil:
		return true
	case string:
		return v == ""
	}
	return false
}

// sessionHolder owns the session of one completion and can replace it after a
// transport failure, re-binding the initial names.
type sessionHolder struct {
	backend  sandbox.Backend
	bindings map[string]interface{}
	funcs    map[string]sandbox.HostFunc
	observer *Observer
	session  sandbox.Session
}

func (h *sessionHolder) current() sandbox.Session {
	return h.session
}

func (h *sessionHolder) open(ctx context.Context) (sandbox.Session, error) {
	session, err := h.backend.Create(ctx)
	if err != nil {
		return nil, err
	}
	if err := session.Bind(ctx, h.bindings); err != nil {
		session.Destroy(ctx)
		return nil, err
	}
	if binder, ok := session.(sandbox.FuncBinder); ok {
		for name, fn := range h.funcs {
			if err := binder.BindFunc(name, fn); err != nil {
				session.Destroy(ctx)
				return nil, err
			}
		}
	}
	h.session = session
	h.observer.Debug("rlm", "opened %s session %s", session.Variant(), session.ID())
	return session, nil
}

func (h *sessionHolder) restart(ctx context.Context) (sandbox.Session, error) {
	if h.session != nil {
		h.destroy(ctx, h.session)
		h.session = nil
	}
	return h.open(ctx)
}

func (h *sessionHolder) close(ctx context.Context) {
	if h.session == nil {
		return
	}
	h.destroy(ctx, h.session)
	h.session = nil
}

func (h *sessionHolder) destroy(ctx context.Context, session sandbox.Session) {
	start := time.Now()
	session.Destroy(ctx)
	h.observer.Debug("rlm", "destroyed session %s in %s", session.ID(), time.Since(start))
}
