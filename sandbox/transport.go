package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultTransportTimeout = 35 * time.Second
	DefaultTimeoutBuffer    = 5 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryInterval    = 500 * time.Millisecond

	probeTimeout    = 5 * time.Second
	maxResponseSize = 32 << 20
)

// RemoteConfig configures the remote backends.
type RemoteConfig struct {
	// URL is the executor base URL, e.g. http://sandboxd:8000.
	URL string
	// TransportTimeout bounds one HTTP round trip.
	TransportTimeout time.Duration
	// TimeoutBuffer is reserved out of TransportTimeout so the executor times
	// out before the HTTP request does.
	TimeoutBuffer time.Duration
	// DefaultTimeout is the execution timeout when a Request sets none.
	DefaultTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero uses
	// DefaultMaxRetries; a negative value disables retrying.
	MaxRetries    int
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        Logger
}

func (c RemoteConfig) withDefaults() (RemoteConfig, error) {
	if c.URL == "" {
		return c, fmt.Errorf("sandbox: remote URL is required")
	}
	c.URL = strings.TrimRight(c.URL, "/")
	if c.TransportTimeout <= 0 {
		c.TransportTimeout = DefaultTransportTimeout
	}
	if c.TimeoutBuffer <= 0 {
		c.TimeoutBuffer = DefaultTimeoutBuffer
	}
	if c.TransportTimeout <= c.TimeoutBuffer {
		return c, fmt.Errorf("sandbox: transport timeout %s must exceed timeout buffer %s",
			c.TransportTimeout, c.TimeoutBuffer)
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultExecTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	return c, nil
}

// execTimeout caps the requested timeout so the executor gives up before the
// transport does.
func (c RemoteConfig) execTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = c.DefaultTimeout
	}
	if limit := c.TransportTimeout - c.TimeoutBuffer; requested > limit {
		return limit
	}
	return requested
}

type transport struct {
	cfg RemoteConfig
}

type call struct {
	op     string
	method string
	path   string
	body   interface{}
	// retry enables backoff on retryable statuses and refused connections.
	retry bool
	// tolerate500 accepts a 500 whose body is a valid execute response.
	tolerate500 bool
	timeout     time.Duration
}

func (t *transport) do(ctx context.Context, c call) ([]byte, error) {
	var payload []byte
	if c.body != nil {
		var err error
		payload, err = json.Marshal(c.body)
		if err != nil {
			return nil, newError(KindRequestRejected, c.op, fmt.Errorf("failed to marshal request: %w", err))
		}
	}
	timeout := c.timeout
	if timeout <= 0 {
		timeout = t.cfg.TransportTimeout
	}

	var data []byte
	operation := func() error {
		var err error
		data, err = t.attempt(ctx, c, payload, timeout)
		return err
	}

	retries := 0
	if c.retry {
		retries = t.cfg.MaxRetries
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.cfg.RetryInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)

	notify := func(err error, wait time.Duration) {
		t.cfg.Logger.Debug("sandbox", "%s %s failed, retrying in %s: %v", c.method, c.path, wait, err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		var sbErr *Error
		if errors.As(err, &sbErr) {
			return data, sbErr
		}
		return data, newError(KindCancelled, c.op, err)
	}
	return data, nil
}

func (t *transport) attempt(ctx context.Context, c call, payload []byte, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, c.method, t.cfg.URL+c.path, body)
	if err != nil {
		return nil, backoff.Permanent(newError(KindRequestRejected, c.op, err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, c.op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(ctx, c.op, err)
	}

	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return data, nil
	}

	if status == http.StatusInternalServerError && c.tolerate500 {
		if _, derr := DecodeExecuteResponse(data); derr == nil {
			return data, nil
		}
	}

	statusErr := &Error{Op: c.op, StatusCode: status, Cause: fmt.Errorf("%s", strings.TrimSpace(string(data)))}
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		statusErr.Kind = KindBackendUnavailable
		return nil, statusErr
	case http.StatusNotFound:
		statusErr.Kind = KindSessionNotFound
	case http.StatusBadRequest:
		statusErr.Kind = KindRequestRejected
	default:
		statusErr.Kind = KindBackendUnavailable
	}
	return nil, backoff.Permanent(statusErr)
}

func classifyTransportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(newError(KindCancelled, op, ctx.Err()))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(newError(KindTimeout, op, err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return backoff.Permanent(newError(KindTimeout, op, err))
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return newError(KindConnection, op, err)
	}
	return backoff.Permanent(newError(KindConnection, op, err))
}

// execute posts an ExecuteRequest to path and decodes the reply.
func (t *transport) execute(ctx context.Context, op, path string, req ExecuteRequest) (*ExecuteResponse, error) {
	data, err := t.do(ctx, call{
		op:          op,
		method:      http.MethodPost,
		path:        path,
		body:        req,
		retry:       true,
		tolerate500: true,
	})
	if err != nil {
		return nil, err
	}
	resp, err := DecodeExecuteResponse(data)
	if err != nil {
		return nil, newError(KindMalformedResponse, op, err)
	}
	return resp, nil
}

func (t *transport) probe(ctx context.Context, path string) error {
	_, err := t.do(ctx, call{
		op:      strings.TrimPrefix(path, "/"),
		method:  http.MethodGet,
		path:    path,
		timeout: probeTimeout,
	})
	return err
}
