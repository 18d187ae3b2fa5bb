package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/howlerops/recursive-llm-go/internal/telemetry"
	"github.com/howlerops/recursive-llm-go/rlm"
	"github.com/howlerops/recursive-llm-go/sandbox"
)

type requestPayload struct {
	Model   string                 `json:"model"`
	Query   string                 `json:"query"`
	Context interface{}            `json:"context"`
	RunID   string                 `json:"run_id,omitempty"`
	Config  map[string]interface{} `json:"config"`
}

type responsePayload struct {
	Result      interface{}  `json:"result"`
	Stats       rlm.RLMStats `json:"stats"`
	BestEffort  bool         `json:"best_effort,omitempty"`
	RunID       string       `json:"run_id,omitempty"`
	TraceEvents interface{}  `json:"trace_events,omitempty"`
}

func main() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to read stdin:", err)
		os.Exit(1)
	}

	var req requestPayload
	if err := json.Unmarshal(input, &req); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to parse input JSON:", err)
		os.Exit(1)
	}

	if req.Model == "" {
		fmt.Fprintln(os.Stderr, "Missing model in request payload")
		os.Exit(1)
	}

	if err := run(req); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(req requestPayload) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config := rlm.ConfigFromMap(req.Config)
	applyEnv(&config)

	obsConfig := rlm.ObservabilityConfig{}
	if config.Observability != nil {
		obsConfig = *config.Observability
	}

	var store *telemetry.Store
	if path := telemetryPath(req.Config); path != "" {
		var err error
		store, err = telemetry.Open(path)
		if err != nil {
			return fmt.Errorf("open telemetry store: %w", err)
		}
		defer store.Close()

		if req.RunID == "" {
			req.RunID = uuid.NewString()
		}
		if err := store.StartRun(ctx, req.RunID, req.Model, req.Query); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		obsConfig.OnEvent = store.Hook(req.RunID, func(err error) {
			fmt.Fprintln(os.Stderr, "telemetry:", err)
		})
	}

	config.Observer = rlm.NewObserver(obsConfig)

	backend, err := sandbox.New(sandboxConfig(req.Config["sandbox"], config.Observer))
	if err != nil {
		return err
	}
	config.Backend = backend

	engine := rlm.New(req.Model, config)
	defer engine.Shutdown()

	answer, stats, runErr := engine.Complete(ctx, req.Query, req.Context)
	if store != nil {
		if err := store.FinishRun(context.WithoutCancel(ctx), req.RunID, answer.Text, stats, runErr); err != nil {
			fmt.Fprintln(os.Stderr, "telemetry:", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	resp := responsePayload{
		Result:     answer.Text,
		Stats:      stats,
		BestEffort: answer.BestEffort,
		RunID:      req.RunID,
	}

	// Include trace events if observability is enabled
	if obsConfig.Debug {
		if events := config.Observer.GetEvents(); len(events) > 0 {
			resp.TraceEvents = events
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response JSON: %w", err)
	}

	fmt.Println(string(payload))
	return nil
}

// applyEnv fills settings the payload left unset from the environment.
func applyEnv(config *rlm.Config) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.APIBase == "" {
		config.APIBase = os.Getenv("OPENAI_API_BASE")
	}

	debug := os.Getenv("RLM_DEBUG") == "1" || os.Getenv("RLM_DEBUG") == "true"
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if !debug && endpoint == "" {
		return
	}
	if config.Observability == nil {
		config.Observability = &rlm.ObservabilityConfig{}
	}
	if debug {
		config.Observability.Debug = true
	}
	if endpoint != "" {
		config.Observability.TraceEnabled = true
		config.Observability.TraceEndpoint = endpoint
	}
}

func telemetryPath(config map[string]interface{}) string {
	if path, ok := config["telemetry_db"].(string); ok && path != "" {
		return path
	}
	return os.Getenv("RLM_TELEMETRY_DB")
}

// sandboxConfig reads the "sandbox" object of the payload config. Durations
// are in seconds.
func sandboxConfig(value interface{}, logger sandbox.Logger) sandbox.Config {
	cfg := sandbox.Config{
		URL:    os.Getenv("RLM_SANDBOX_URL"),
		Logger: logger,
	}
	if v := os.Getenv("RLM_SANDBOX"); v != "" {
		if variant, err := sandbox.ParseVariant(v); err == nil {
			cfg.Variant = variant
		}
	}

	m, ok := value.(map[string]interface{})
	if !ok {
		if s, isString := value.(string); isString {
			if variant, err := sandbox.ParseVariant(s); err == nil {
				cfg.Variant = variant
			}
		}
		return cfg
	}

	if s, ok := m["variant"].(string); ok {
		if variant, err := sandbox.ParseVariant(s); err == nil {
			cfg.Variant = variant
		}
	}
	if s, ok := m["url"].(string); ok && s != "" {
		cfg.URL = s
	}
	if v, ok := m["transport_timeout"].(float64); ok {
		cfg.TransportTimeout = seconds(v)
	}
	if v, ok := m["timeout_buffer"].(float64); ok {
		cfg.TimeoutBuffer = seconds(v)
	}
	if v, ok := m["exec_timeout"].(float64); ok {
		cfg.DefaultTimeout = seconds(v)
	}
	if v, ok := m["max_retries"].(float64); ok {
		cfg.MaxRetries = int(v)
	}
	if v, ok := m["max_output"].(float64); ok {
		cfg.MaxOutput = int(v)
	}
	return cfg
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
