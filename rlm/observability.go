package rlm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityConfig configures tracing, logging, and observability.
type ObservabilityConfig struct {
	// Debug enables verbose debug logging of all internal operations
	Debug bool `json:"debug"`

	// TraceEnabled enables OpenTelemetry tracing
	TraceEnabled bool `json:"trace_enabled"`

	// TraceEndpoint is the OTLP endpoint for trace export (e.g., "localhost:4317")
	TraceEndpoint string `json:"trace_endpoint,omitempty"`

	// ServiceName is the service name for traces (default: "rlm")
	ServiceName string `json:"service_name,omitempty"`

	// LogOutput controls where debug logs and exported spans are written
	// ("stderr", "stdout", or a file path)
	LogOutput string `json:"log_output,omitempty"`

	// OnEvent is a callback for observability events (for custom integrations)
	OnEvent func(event ObservabilityEvent) `json:"-"`
}

// ObservabilityEvent represents a single observability event.
type ObservabilityEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       string            `json:"type"`       // "trace_start", "span_start", "llm_call", "execution", "error", "event"
	Name       string            `json:"name"`       // Span or event name
	Attributes map[string]string `json:"attributes"` // Key-value attributes
	Duration   time.Duration     `json:"duration,omitempty"`
	TraceID    string            `json:"trace_id,omitempty"`
	SpanID     string            `json:"span_id,omitempty"`
	ParentID   string            `json:"parent_id,omitempty"`
}

// Observer manages observability for one or more engines. Trace state lives
// in the contexts it returns, so nested engines sharing an observer produce
// child spans of the caller's span.
type Observer struct {
	config   ObservabilityConfig
	tracer   trace.Tracer
	logger   *log.Logger
	output   io.Writer
	events   []ObservabilityEvent
	mu       sync.Mutex
	provider *sdktrace.TracerProvider
}

// NewObserver creates a new Observer with the given configuration.
func NewObserver(config ObservabilityConfig) *Observer {
	obs := &Observer{
		config: config,
		events: make([]ObservabilityEvent, 0),
	}

	obs.setupLogger()

	if config.TraceEnabled {
		obs.setupTracer()
	}

	return obs
}

// NewNoopObserver creates an observer that does nothing (for when observability is disabled).
func NewNoopObserver() *Observer {
	return &Observer{
		config: ObservabilityConfig{},
		events: make([]ObservabilityEvent, 0),
		logger: log.New(io.Discard, "", 0),
		output: io.Discard,
	}
}

func (o *Observer) setupLogger() {
	var output io.Writer
	switch o.config.LogOutput {
	case "stdout":
		output = os.Stdout
	case "", "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(o.config.LogOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stderr
		} else {
			output = f
		}
	}
	o.output = output

	if !o.config.Debug {
		o.logger = log.New(io.Discard, "", 0)
		return
	}
	o.logger = log.New(output, "[RLM] ", log.LstdFlags|log.Lmicroseconds)
}

func (o *Observer) setupTracer() {
	// Spans go to the log output; stdout may carry program results.
	// TODO: export over OTLP when TraceEndpoint is set.
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(o.output),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		o.logger.Printf("Failed to create trace exporter: %v", err)
		return
	}

	serviceName := o.config.ServiceName
	if serviceName == "" {
		serviceName = "rlm"
	}

	o.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(o.provider)
	o.tracer = o.provider.Tracer(serviceName)
}

// StartTrace begins a root span for a completion.
func (o *Observer) StartTrace(ctx context.Context, name string, attrs map[string]string) context.Context {
	return o.start(ctx, "trace_start", name, attrs)
}

// EndTrace ends the root span and flushes exported spans.
func (o *Observer) EndTrace(ctx context.Context) {
	o.EndSpan(ctx)
	if o.provider != nil {
		_ = o.provider.ForceFlush(context.WithoutCancel(ctx))
	}
}

// StartSpan begins a child of the span carried by ctx.
func (o *Observer) StartSpan(ctx context.Context, name string, attrs map[string]string) context.Context {
	return o.start(ctx, "span_start", name, attrs)
}

func (o *Observer) start(ctx context.Context, eventType, name string, attrs map[string]string) context.Context {
	parent := trace.SpanFromContext(ctx).SpanContext()
	event := ObservabilityEvent{
		Timestamp:  time.Now(),
		Type:       eventType,
		Name:       name,
		Attributes: attrs,
	}

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, name, trace.WithAttributes(mapToAttributes(attrs)...))
		event.TraceID = span.SpanContext().TraceID().String()
		event.SpanID = span.SpanContext().SpanID().String()
		if parent.IsValid() {
			event.ParentID = parent.SpanID().String()
		}
	}

	o.recordEvent(event)
	return ctx
}

// EndSpan ends the span carried by ctx.
func (o *Observer) EndSpan(ctx context.Context) {
	if o.tracer == nil {
		return
	}
	trace.SpanFromContext(ctx).End()
}

// LLMCall records an LLM API call event.
func (o *Observer) LLMCall(ctx context.Context, model string, messageCount int, tokensUsed int, duration time.Duration, err error) {
	attrs := map[string]string{
		"model":         model,
		"message_count": fmt.Sprintf("%d", messageCount),
		"tokens_used":   fmt.Sprintf("%d", tokensUsed),
		"duration_ms":   fmt.Sprintf("%d", duration.Milliseconds()),
	}
	if err != nil {
		attrs["error"] = err.Error()
	}

	o.Debug("llm_call", "model=%s messages=%d duration=%s", model, messageCount, duration)

	if o.tracer != nil {
		_, span := o.tracer.Start(ctx, "llm.call",
			trace.WithAttributes(mapToAttributes(attrs)...),
			trace.WithTimestamp(time.Now().Add(-duration)),
		)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}

	o.recordEvent(o.withSpan(ctx, ObservabilityEvent{
		Timestamp:  time.Now(),
		Type:       "llm_call",
		Name:       fmt.Sprintf("llm.%s", model),
		Attributes: attrs,
		Duration:   duration,
	}))
}

// Execution records one sandbox execution.
func (o *Observer) Execution(ctx context.Context, sessionID string, success bool, errorKind string, duration time.Duration) {
	attrs := map[string]string{
		"session_id":  sessionID,
		"success":     fmt.Sprintf("%t", success),
		"duration_ms": fmt.Sprintf("%d", duration.Milliseconds()),
	}
	if errorKind != "" {
		attrs["error_kind"] = errorKind
	}

	if o.tracer != nil {
		trace.SpanFromContext(ctx).AddEvent("sandbox.execute", trace.WithAttributes(mapToAttributes(attrs)...))
	}

	o.recordEvent(o.withSpan(ctx, ObservabilityEvent{
		Timestamp:  time.Now(),
		Type:       "execution",
		Name:       "sandbox.execute",
		Attributes: attrs,
		Duration:   duration,
	}))
}

// Debug logs a debug message if debug mode is enabled.
func (o *Observer) Debug(component string, format string, args ...interface{}) {
	if !o.config.Debug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	o.logger.Printf("[%s] %s", component, msg)
}

// Error logs an error message and records it as an event.
func (o *Observer) Error(component string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if o.config.Debug {
		o.logger.Printf("[ERROR][%s] %s", component, msg)
	}

	o.recordEvent(ObservabilityEvent{
		Timestamp: time.Now(),
		Type:      "error",
		Name:      component,
		Attributes: map[string]string{
			"message": msg,
		},
	})
}

// Event records a named event with attributes.
func (o *Observer) Event(ctx context.Context, name string, attrs map[string]string) {
	o.Debug("event", "%s: %v", name, attrs)

	if o.tracer != nil {
		trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(mapToAttributes(attrs)...))
	}

	o.recordEvent(o.withSpan(ctx, ObservabilityEvent{
		Timestamp:  time.Now(),
		Type:       "event",
		Name:       name,
		Attributes: attrs,
	}))
}

func (o *Observer) withSpan(ctx context.Context, event ObservabilityEvent) ObservabilityEvent {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		event.SpanID = sc.SpanID().String()
	}
	return event
}

// GetEvents returns all recorded observability events.
func (o *Observer) GetEvents() []ObservabilityEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	events := make([]ObservabilityEvent, len(o.events))
	copy(events, o.events)
	return events
}

// GetEventsJSON returns all events as a JSON string.
func (o *Observer) GetEventsJSON() (string, error) {
	events := o.GetEvents()
	data, err := json.Marshal(events)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Shutdown gracefully shuts down the observer and flushes any pending data.
func (o *Observer) Shutdown() {
	if o.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.provider.Shutdown(ctx)
	}
}

func (o *Observer) recordEvent(event ObservabilityEvent) {
	o.mu.Lock()
	o.events = append(o.events, event)
	o.mu.Unlock()

	if o.config.OnEvent != nil {
		o.config.OnEvent(event)
	}
}

// mapToAttributes converts a map to OTEL attributes.
func mapToAttributes(attrs map[string]string) []attribute.KeyValue {
	result := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, attribute.String(k, v))
	}
	return result
}

// ObservabilityConfigFromMap parses observability config from a map.
func ObservabilityConfigFromMap(config map[string]interface{}) ObservabilityConfig {
	obs := ObservabilityConfig{}
	if config == nil {
		return obs
	}

	if v, ok := config["debug"].(bool); ok {
		obs.Debug = v
	}
	if v, ok := config["trace_enabled"].(bool); ok {
		obs.TraceEnabled = v
	}
	if v, ok := config["trace_endpoint"].(string); ok {
		obs.TraceEndpoint = v
	}
	if v, ok := config["service_name"].(string); ok {
		obs.ServiceName = v
	}
	if v, ok := config["log_output"].(string); ok {
		obs.LogOutput = v
	}

	return obs
}

// FormatStatsWithObservability enriches RLMStats with observability data.
func FormatStatsWithObservability(stats RLMStats, obs *Observer) map[string]interface{} {
	result := map[string]interface{}{
		"llm_calls":         stats.LlmCalls,
		"iterations":        stats.Iterations,
		"depth":             stats.Depth,
		"max_depth_reached": stats.MaxDepthReached,
	}

	if stats.SubCalls > 0 {
		result["sub_calls"] = stats.SubCalls
	}
	if stats.Executions > 0 {
		result["executions"] = stats.Executions
		result["execution_errors"] = stats.ExecutionErrors
	}
	if stats.SessionRestarts > 0 {
		result["session_restarts"] = stats.SessionRestarts
	}
	if stats.PromptTokens > 0 {
		result["prompt_tokens"] = stats.PromptTokens
	}
	if stats.BestEffort {
		result["best_effort"] = true
	}

	if obs != nil && obs.config.Debug {
		events := obs.GetEvents()
		if len(events) > 0 {
			result["trace_events"] = events
		}
	}

	return result
}

// ExtractObservabilityConfig extracts observability config from the general config map.
func ExtractObservabilityConfig(config map[string]interface{}) map[string]interface{} {
	obsConfig := make(map[string]interface{})

	obsKeys := []string{
		"debug", "trace_enabled", "trace_endpoint", "service_name", "log_output",
	}

	for _, key := range obsKeys {
		if v, ok := config[key]; ok {
			obsConfig[key] = v
		}
	}

	// Also check nested "observability" key
	if obsMap, ok := config["observability"].(map[string]interface{}); ok {
		for k, v := range obsMap {
			obsConfig[k] = v
		}
	}

	return obsConfig
}

// RedactSensitive removes sensitive data from attributes for logging.
func RedactSensitive(attrs map[string]string) map[string]string {
	redacted := make(map[string]string, len(attrs))
	sensitiveKeys := []string{"api_key", "secret", "password", "token", "authorization"}

	for k, v := range attrs {
		isRedacted := false
		keyLower := strings.ToLower(k)
		for _, sensitive := range sensitiveKeys {
			if strings.Contains(keyLower, sensitive) {
				redacted[k] = "[REDACTED]"
				isRedacted = true
				break
			}
		}
		if !isRedacted {
			redacted[k] = v
		}
	}
	return redacted
}
