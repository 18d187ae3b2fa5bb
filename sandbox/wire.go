package sandbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Wire types of the remote executor protocol.
//
//	POST   /session                -> CreateSessionResponse
//	POST   /execute                ExecuteRequest -> ExecuteResponse
//	POST   /session/{id}/execute   ExecuteRequest -> ExecuteResponse
//	DELETE /session/{id}           -> StatusResponse
//	GET    /health, /ready         -> StatusResponse
//	GET    /sessions               -> SessionsResponse

type ExecuteRequest struct {
	Code      string                 `json:"code"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timeout   float64                `json:"timeout"`
	SessionID string                 `json:"session_id,omitempty"`
}

type ExecuteResponse struct {
	Stdout        string                 `json:"stdout"`
	Stderr        string                 `json:"stderr"`
	Locals        map[string]interface{} `json:"locals,omitempty"`
	ExecutionTime float64                `json:"execution_time"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	ErrorKind     string                 `json:"error_kind,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type SessionsResponse struct {
	Sessions []string `json:"sessions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

const executeResponseSchemaJSON = `{
  "type": "object",
  "properties": {
    "stdout": {"type": ["string", "null"]},
    "stderr": {"type": ["string", "null"]},
    "locals": {"type": ["object", "null"]},
    "execution_time": {"type": ["number", "null"]},
    "success": {"type": "boolean"},
    "error": {"type": ["string", "null"]},
    "error_kind": {"type": ["string", "null"]}
  },
  "required": ["success"]
}`

const executeRequestSchemaJSON = `{
  "type": "object",
  "properties": {
    "code": {"type": "string"},
    "context": {"type": ["object", "null"]},
    "timeout": {"type": ["number", "null"], "minimum": 0},
    "session_id": {"type": ["string", "null"]}
  },
  "required": ["code"]
}`

const createSessionSchemaJSON = `{
  "type": "object",
  "properties": {
    "session_id": {"type": "string", "minLength": 1}
  },
  "required": ["session_id"]
}`

var (
	schemaOnce       sync.Once
	executeReqSchema *jsonschema.Resolved
	executeSchema    *jsonschema.Resolved
	createSchema     *jsonschema.Resolved
	schemaErr        error
)

func resolveSchema(raw string) (*jsonschema.Resolved, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}

func resolveSchemas() error {
	schemaOnce.Do(func() {
		if executeSchema, schemaErr = resolveSchema(executeResponseSchemaJSON); schemaErr != nil {
			return
		}
		if executeReqSchema, schemaErr = resolveSchema(executeRequestSchemaJSON); schemaErr != nil {
			return
		}
		createSchema, schemaErr = resolveSchema(createSessionSchemaJSON)
	})
	return schemaErr
}

func decodeValidated(data []byte, schema func() *jsonschema.Resolved, out interface{}) error {
	if err := resolveSchemas(); err != nil {
		return fmt.Errorf("failed to resolve wire schema: %w", err)
	}
	var instance interface{}
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	if err := schema().Validate(instance); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return json.Unmarshal(data, out)
}

// DecodeExecuteResponse parses and validates an executor response.
func DecodeExecuteResponse(data []byte) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := decodeValidated(data, func() *jsonschema.Resolved { return executeSchema }, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeExecuteRequest parses and validates an execute request body.
func DecodeExecuteRequest(data []byte) (*ExecuteRequest, error) {
	var req ExecuteRequest
	if err := decodeValidated(data, func() *jsonschema.Resolved { return executeReqSchema }, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeCreateSessionResponse parses and validates a session creation reply.
func DecodeCreateSessionResponse(data []byte) (*CreateSessionResponse, error) {
	var resp CreateSessionResponse
	if err := decodeValidated(data, func() *jsonschema.Resolved { return createSchema }, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ToResult converts a wire response into a Result.
func (r *ExecuteResponse) ToResult() *Result {
	res := &Result{
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		Success:  r.Success,
		Duration: time.Duration(r.ExecutionTime * float64(time.Second)),
		Locals:   r.Locals,
	}
	if res.Locals == nil {
		res.Locals = map[string]interface{}{}
	}
	if !r.Success {
		kind := ErrorKind(r.ErrorKind)
		if kind == "" {
			kind = KindRuntimeError
		}
		msg := r.Error
		if msg == "" {
			msg = r.Stderr
		}
		res.Err = &ExecError{Kind: kind, Message: msg}
	}
	return res
}

// NewExecuteResponse converts a Result into its wire form.
func NewExecuteResponse(res *Result) *ExecuteResponse {
	resp := &ExecuteResponse{
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		Locals:        res.Locals,
		ExecutionTime: res.Duration.Seconds(),
		Success:       res.Success,
	}
	if res.Err != nil {
		resp.Error = res.Err.Message
		resp.ErrorKind = string(res.Err.Kind)
	}
	return resp
}
