package rlm

import "fmt"

// RLMError is the base error type for all RLM errors
type RLMError struct {
	Message string
	Cause   error
}

func (e *RLMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RLMError) Unwrap() error {
	return e.Cause
}

// MaxIterationsError is returned when the iteration budget is spent and the
// forced final call produced no answer either.
type MaxIterationsError struct {
	MaxIterations int
	*RLMError
}

func NewMaxIterationsError(maxIterations int) *MaxIterationsError {
	return &MaxIterationsError{
		MaxIterations: maxIterations,
		RLMError: &RLMError{
			Message: fmt.Sprintf("max iterations (%d) exceeded without an answer", maxIterations),
		},
	}
}

// MaxDepthError is returned when a nested engine would exceed the depth ceiling
type MaxDepthError struct {
	Depth    int
	MaxDepth int
	*RLMError
}

func NewMaxDepthError(depth, maxDepth int) *MaxDepthError {
	return &MaxDepthError{
		Depth:    depth,
		MaxDepth: maxDepth,
		RLMError: &RLMError{
			Message: fmt.Sprintf("recursion depth %d exceeds max depth (%d)", depth, maxDepth),
		},
	}
}

// ModelClientError is returned when a model call fails. It aborts the
// completion.
type ModelClientError struct {
	Model string
	*RLMError
}

func NewModelClientError(model string, cause error) *ModelClientError {
	return &ModelClientError{
		Model: model,
		RLMError: &RLMError{
			Message: fmt.Sprintf("model call to %s failed", model),
			Cause:   cause,
		},
	}
}

// SessionError is returned when no sandbox session can be created for a
// completion.
type SessionError struct {
	Variant string
	*RLMError
}

func NewSessionError(variant string, cause error) *SessionError {
	return &SessionError{
		Variant: variant,
		RLMError: &RLMError{
			Message: fmt.Sprintf("failed to create %s sandbox session", variant),
			Cause:   cause,
		},
	}
}

// APIError is returned when LLM API calls fail
type APIError struct {
	StatusCode int
	Response   string
	*RLMError
}

func NewAPIError(statusCode int, response string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Response:   response,
		RLMError: &RLMError{
			Message: fmt.Sprintf("LLM request failed (%d): %s", statusCode, response),
		},
	}
}
