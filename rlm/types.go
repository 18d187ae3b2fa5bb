package rlm

import (
	"fmt"
	"strconv"
	"time"

	"github.com/howlerops/recursive-llm-go/sandbox"
)

const (
	DefaultMaxDepth        = 5
	DefaultMaxIterations   = 30
	DefaultTeardownTimeout = 10 * time.Second
	debugPreviewChars      = 200
)

type RLMStats struct {
	LlmCalls        int  `json:"llm_calls"`
	Iterations      int  `json:"iterations"`
	Depth           int  `json:"depth"`
	MaxDepthReached int  `json:"max_depth_reached"`
	SubCalls        int  `json:"sub_calls,omitempty"`
	Executions      int  `json:"executions,omitempty"`
	ExecutionErrors int  `json:"execution_errors,omitempty"`
	SessionRestarts int  `json:"session_restarts,omitempty"`
	PromptTokens    int  `json:"prompt_tokens,omitempty"`
	BestEffort      bool `json:"best_effort,omitempty"`
}

// absorb folds the stats of a sub-call into r.
func (r *RLMStats) absorb(child RLMStats) {
	r.SubCalls++
	r.LlmCalls += child.LlmCalls
	r.SubCalls += child.SubCalls
	r.Executions += child.Executions
	r.ExecutionErrors += child.ExecutionErrors
	r.PromptTokens += child.PromptTokens
	if child.MaxDepthReached > r.MaxDepthReached {
		r.MaxDepthReached = child.MaxDepthReached
	}
}

// Candidate is the model and sandbox configuration used at one recursion
// depth.
type Candidate struct {
	Model   string `json:"model"`
	APIBase string `json:"api_base,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	// Backend overrides the parent's sandbox backend for this depth.
	Backend sandbox.Backend `json:"-"`
}

// ClientFactory builds the model client for a candidate.
type ClientFactory func(c Candidate) Client

type Config struct {
	// RecursiveModel is the sub-call model when Candidates is empty.
	RecursiveModel string
	APIBase        string
	APIKey         string
	MaxDepth       int
	MaxIterations  int
	// TimeoutSeconds bounds each model call.
	TimeoutSeconds int
	// CompletionTimeout bounds a whole Completion call, teardown excluded.
	CompletionTimeout time.Duration
	// ExecTimeout bounds each sandbox execution; zero uses the backend default.
	ExecTimeout time.Duration
	// Candidates lists the model and backend used at each recursion depth;
	// Candidates[d] serves sub-calls made at depth d. The last entry repeats
	// for deeper levels.
	Candidates       []Candidate
	UseMetacognitive bool // Enable step-by-step reasoning guidance in prompts
	// MaxObservationChars caps the execution output shown to the model;
	// zero means unlimited.
	MaxObservationChars int
	// CountTokens enables tiktoken prompt accounting.
	CountTokens bool
	ExtraParams map[string]interface{}

	// Backend runs model code. Nil uses an in-process backend.
	Backend sandbox.Backend
	// Client answers root model calls. Nil uses NewClient(Candidate{Model: model}).
	Client Client
	// NewClient builds clients for sub-calls. Nil builds OpenAI clients.
	NewClient ClientFactory

	Observability *ObservabilityConfig
	// Observer is shared instead of building one from Observability.
	Observer *Observer
}

func ConfigFromMap(config map[string]interface{}) Config {
	parsed := Config{
		MaxDepth:      DefaultMaxDepth,
		MaxIterations: DefaultMaxIterations,
		ExtraParams:   map[string]interface{}{},
	}

	if config == nil {
		return parsed
	}

	// Extract observability config first
	obsConfigMap := ExtractObservabilityConfig(config)
	if len(obsConfigMap) > 0 {
		obsConfig := ObservabilityConfigFromMap(obsConfigMap)
		parsed.Observability = &obsConfig
	}

	for key, value := range config {
		switch key {
		case "recursive_model":
			parsed.RecursiveModel = toString(value)
		case "recursive_models":
			parsed.Candidates = candidatesFromValue(value, config["recursive_base_urls"])
		case "api_base":
			parsed.APIBase = toString(value)
		case "api_key":
			parsed.APIKey = toString(value)
		case "max_depth":
			if v, ok := toInt(value); ok {
				parsed.MaxDepth = v
			}
		case "max_iterations":
			if v, ok := toInt(value); ok {
				parsed.MaxIterations = v
			}
		case "timeout":
			if v, ok := toInt(value); ok {
				parsed.TimeoutSeconds = v
			}
		case "completion_timeout":
			if v, ok := toInt(value); ok {
				parsed.CompletionTimeout = time.Duration(v) * time.Second
			}
		case "exec_timeout":
			if v, ok := toInt(value); ok {
				parsed.ExecTimeout = time.Duration(v) * time.Second
			}
		case "max_observation_chars":
			if v, ok := toInt(value); ok {
				parsed.MaxObservationChars = v
			}
		case "count_tokens":
			if v, ok := value.(bool); ok {
				parsed.CountTokens = v
			}
		case "use_metacognitive", "metacognitive":
			if v, ok := value.(bool); ok {
				parsed.UseMetacognitive = v
			}
		case "recursive_base_urls", "sandbox", "telemetry_db",
			"observability", "debug", "trace_enabled",
			"trace_endpoint", "service_name", "log_output":
			// handled with recursive_models, by the caller, or above
		default:
			parsed.ExtraParams[key] = value
		}
	}

	return parsed
}

func candidatesFromValue(models, baseURLs interface{}) []Candidate {
	list, ok := models.([]interface{})
	if !ok {
		if s := toString(models); s != "" {
			return []Candidate{{Model: s}}
		}
		return nil
	}
	urls, _ := baseURLs.([]interface{})

	out := make([]Candidate, 0, len(list))
	for i, m := range list {
		c := Candidate{Model: toString(m)}
		if c.Model == "" {
			continue
		}
		switch {
		case i < len(urls):
			c.APIBase = toString(urls[i])
		case len(urls) > 0:
			c.APIBase = toString(urls[len(urls)-1])
		}
		out = append(out, c)
	}
	return out
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func toInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float32:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		parsed, err := strconv.Atoi(v)
		if err == nil {
			return parsed, true
		}
	default:
		return 0, false
	}

	return 0, false
}
