package rlm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/howlerops/recursive-llm-go/sandbox"
)

// FinalAnswer is the result of a conversation loop.
type FinalAnswer struct {
	Text string
	// BestEffort is set when the iteration budget ran out and Text came from
	// the forced final call.
	BestEffort bool
	Iterations int
}

// ConversationLoop drives one conversation between a model and a session
// until the model answers or the iteration budget is spent.
type ConversationLoop struct {
	Client       Client
	Model        string
	Conversation *Conversation
	Query        string
	// ExecTimeout bounds each execution; zero uses the backend default.
	ExecTimeout time.Duration
	// MaxObservationChars caps the output shown to the model; zero means
	// unlimited.
	MaxObservationChars int
	Observer            *Observer
	Stats               *RLMStats
	Tokens              *tokenCounter

	sessions *sessionHolder
}

// Run iterates until a final answer. When the budget is spent the model gets
// one last call to answer from what it has seen.
func (l *ConversationLoop) Run(ctx context.Context, maxIterations int) (FinalAnswer, error) {
	for iteration := 0; iteration < maxIterations; iteration++ {
		l.Stats.Iterations = iteration + 1
		l.Observer.Debug("loop", "Iteration %d/%d at depth %d", iteration+1, maxIterations, l.Stats.Depth)

		response, err := l.ask(ctx, l.Conversation.With(Message{
			Role:    RoleUser,
			Content: nextActionPrompt(l.Query, iteration),
		}))
		if err != nil {
			return FinalAnswer{}, err
		}

		action := Classify(response)
		l.Observer.Event(ctx, "rlm.action", map[string]string{
			"iteration": fmt.Sprintf("%d", iteration+1),
			"kind":      action.Kind.String(),
		})

		switch action.Kind {
		case ActionExecuteCode:
			l.Conversation.Append(RoleAssistant, response)
			l.Conversation.Append(RoleUser, l.executeBlocks(ctx, action.Blocks))

		case ActionFinal:
			if action.Var == "" {
				return FinalAnswer{Text: action.Answer, Iterations: iteration + 1}, nil
			}
			if text, ok := l.lookup(ctx, action.Var); ok {
				return FinalAnswer{Text: text, Iterations: iteration + 1}, nil
			}
			l.Conversation.Append(RoleAssistant, response)
			l.Conversation.Append(RoleUser, fmt.Sprintf(
				"Variable %q is not defined in the REPL environment. Assign it in a code block first, or answer with FINAL(\"...\").",
				action.Var))

		default:
			l.Conversation.Append(RoleAssistant, "You responded with:\n"+response)
		}

		if err := ctx.Err(); err != nil {
			return FinalAnswer{}, fmt.Errorf("completion cancelled: %w", err)
		}
	}

	return l.forceFinal(ctx, maxIterations)
}

func (l *ConversationLoop) forceFinal(ctx context.Context, maxIterations int) (FinalAnswer, error) {
	l.Observer.Debug("loop", "Iteration budget of %d spent; forcing a final answer", maxIterations)
	l.Conversation.Append(RoleUser, finalAnswerPrompt(l.Query))

	response, err := l.ask(ctx, l.Conversation.Messages())
	if err != nil {
		return FinalAnswer{}, err
	}
	if strings.TrimSpace(response) == "" {
		return FinalAnswer{}, NewMaxIterationsError(maxIterations)
	}

	l.Stats.BestEffort = true
	return FinalAnswer{Text: response, BestEffort: true, Iterations: maxIterations}, nil
}

func (l *ConversationLoop) ask(ctx context.Context, messages []Message) (string, error) {
	l.Stats.LlmCalls++
	tokens := l.Tokens.Count(messages)
	l.Stats.PromptTokens += tokens

	start := time.Now()
	response, err := l.Client.Complete(ctx, messages)
	l.Observer.LLMCall(ctx, l.Model, len(messages), tokens, time.Since(start), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("completion cancelled: %w", ctxErr)
		}
		l.Observer.Error("loop", "LLM call failed on iteration %d: %v", l.Stats.Iterations, err)
		return "", NewModelClientError(l.Model, err)
	}
	return response, nil
}

// executeBlocks runs blocks in order and renders one observation. A transport
// failure replaces the session and skips the remaining blocks.
func (l *ConversationLoop) executeBlocks(ctx context.Context, blocks []string) string {
	var obs strings.Builder
	for i, code := range blocks {
		if i > 0 {
			obs.WriteString("\n\n")
		}

		session, note := l.session(ctx)
		if note != "" {
			obs.WriteString(note)
			obs.WriteString("\n\n")
		}
		if session == nil {
			break
		}

		res, err := session.Execute(ctx, sandbox.Request{Code: code, Timeout: l.ExecTimeout})
		l.Stats.Executions++
		if res == nil || !res.Success {
			l.Stats.ExecutionErrors++
		}

		kind := ""
		if res != nil && res.Err != nil {
			kind = string(res.Err.Kind)
		}
		var duration time.Duration
		if res != nil {
			duration = res.Duration
		}
		l.Observer.Execution(ctx, session.ID(), res != nil && res.Success, kind, duration)
		l.Observer.Debug("loop", "exec %016x: %s", xxhash.Sum64String(code), preview(res.Output(), debugPreviewChars))

		obs.WriteString(l.observation(code, res))

		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.Observer.Error("loop", "sandbox transport failure in session %s: %v", session.ID(), err)
			obs.WriteString(fmt.Sprintf("\n\nThe sandbox connection failed (%v). A fresh session will be used for the next code block; variables you created earlier are gone, context is still bound.", err))
			break
		}
	}
	return obs.String()
}

// session returns the live session, replacing a failed one first.
func (l *ConversationLoop) session(ctx context.Context) (sandbox.Session, string) {
	current := l.sessions.current()
	if current != nil && current.State() != sandbox.StateError {
		return current, ""
	}

	l.Stats.SessionRestarts++
	fresh, err := l.sessions.restart(ctx)
	if err != nil {
		l.Observer.Error("loop", "session restart failed: %v", err)
		return nil, fmt.Sprintf("The sandbox is unavailable (%v); code was not executed.", err)
	}
	return fresh, "(The previous sandbox session failed and was replaced; only context and query are bound.)"
}

func (l *ConversationLoop) observation(code string, res *sandbox.Result) string {
	output := strings.TrimRight(res.Output(), "\n")
	if output == "" {
		output = "No output"
	}
	if l.MaxObservationChars > 0 && len(output) > l.MaxObservationChars {
		output = output[:l.MaxObservationChars] + fmt.Sprintf("\n... (truncated, %d characters total)", len(output))
	}
	return fmt.Sprintf("Code executed:\n```js\n%s\n```\n\nREPL output:\n%s", code, output)
}

func (l *ConversationLoop) lookup(ctx context.Context, name string) (string, bool) {
	session := l.sessions.current()
	if session == nil {
		return "", false
	}
	value, ok, err := session.Lookup(ctx, name)
	if err != nil {
		l.Observer.Error("loop", "lookup of %s failed: %v", name, err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return formatValue(value), true
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
