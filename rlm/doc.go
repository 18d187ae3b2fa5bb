// Package rlm provides a Recursive Language Model (RLM) engine for Go.
//
// An RLM answers a query over a context far larger than the model's window.
// The context is bound as a variable inside a sandbox session; the model
// writes JavaScript that inspects it, sees the output, and may hand slices of
// it to a cheaper model through llm_query. Each sub-call runs one level deeper
// until the configured maximum depth, where sub-calls become single model
// calls.
//
// # Basic Usage
//
//	config := rlm.Config{
//	    MaxDepth:      3,
//	    MaxIterations: 20,
//	    APIKey:        apiKey,
//	    Candidates: []rlm.Candidate{
//	        {Model: "gpt-4o-mini"},
//	    },
//	}
//
//	engine := rlm.New("gpt-4o", config)
//	answer, stats, err := engine.Completion(ctx, "find the needle", hugeDocument)
//
// # Sandboxes
//
// Config.Backend selects where code runs. The default is an in-process goja
// runtime. sandbox.NewRemoteStateless and sandbox.NewRemoteSession talk to an
// executor such as cmd/sandboxd. Sub-calls from code (llm_query and
// recursive_llm) are only available in-process.
//
// # Model Selection
//
// Candidates[d] serves sub-calls issued by the engine at depth d; the root
// engine uses the model passed to New. Depths past the end of the list reuse
// its last entry.
//
// # Supported Providers
//
// RLM works with any OpenAI-compatible API:
//   - OpenAI (default)
//   - Azure OpenAI
//   - Ollama
//   - LiteLLM
//   - Any OpenAI-compatible endpoint
//
// Set Config.Client or Config.NewClient to use anything else.
//
// # Error Handling
//
// Completion returns an answer or one typed error, checkable with errors.As:
//
//	var clientErr *rlm.ModelClientError
//	if errors.As(err, &clientErr) {
//	    fmt.Printf("model %s failed: %v\n", clientErr.Model, clientErr.Cause)
//	}
//
// Running out of iterations is not an error: the model is asked for a best
// effort answer and stats.BestEffort is set. *MaxIterationsError is returned
// only when that answer is empty.
package rlm
