package rlm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client is the model boundary: it turns a conversation into the next
// assistant message.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, messages []Message) (string, error)

func (f ClientFunc) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	APIBase     string
	APIKey      string
	Timeout     int
	ExtraParams map[string]interface{}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

var (
	// defaultHTTPClient is a shared HTTP client with connection pooling
	defaultHTTPClient = &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
)

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	Model       string
	APIBase     string
	APIKey      string
	Timeout     int
	ExtraParams map[string]interface{}
}

// NewOpenAIClient builds a client for c, inheriting unset endpoint fields from
// cfg.
func NewOpenAIClient(c Candidate, cfg Config) *OpenAIClient {
	client := &OpenAIClient{
		Model:       c.Model,
		APIBase:     c.APIBase,
		APIKey:      c.APIKey,
		Timeout:     cfg.TimeoutSeconds,
		ExtraParams: cfg.ExtraParams,
	}
	if client.APIBase == "" {
		client.APIBase = cfg.APIBase
	}
	if client.APIKey == "" {
		client.APIKey = cfg.APIKey
	}
	return client
}

func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (string, error) {
	return CallChatCompletion(ctx, ChatRequest{
		Model:       c.Model,
		Messages:    messages,
		APIBase:     c.APIBase,
		APIKey:      c.APIKey,
		Timeout:     c.Timeout,
		ExtraParams: c.ExtraParams,
	})
}

func CallChatCompletion(ctx context.Context, request ChatRequest) (string, error) {
	endpoint := buildEndpoint(request.APIBase)
	payload := map[string]interface{}{
		"model":    request.Model,
		"messages": request.Messages,
	}

	for key, value := range request.ExtraParams {
		payload[key] = value
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(request.Timeout)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if request.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", request.APIKey))
	}

	client := defaultHTTPClient
	if request.Timeout > 0 {
		// the context deadline governs; drop the shared client's own timeout
		client = &http.Client{Transport: defaultHTTPClient.Transport}
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return "", NewAPIError(resp.StatusCode, strings.TrimSpace(string(responseBody)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return "", err
	}

	if parsed.Error != nil && parsed.Error.Message != "" {
		return "", errors.New(parsed.Error.Message)
	}

	if len(parsed.Choices) == 0 {
		return "", errors.New("no choices returned by LLM")
	}

	return parsed.Choices[0].Message.Content, nil
}

func buildEndpoint(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		base = "https://api.openai.com/v1"
	}

	if strings.Contains(base, "/chat/completions") {
		return base
	}

	return strings.TrimRight(base, "/") + "/chat/completions"
}
