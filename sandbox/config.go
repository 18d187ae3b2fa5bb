package sandbox

import (
	"fmt"
	"net/http"
	"time"
)

// Config selects and configures a backend.
type Config struct {
	Variant Variant

	// Remote variants.
	URL              string
	TransportTimeout time.Duration
	TimeoutBuffer    time.Duration
	MaxRetries       int
	RetryInterval    time.Duration
	HTTPClient       *http.Client

	// All variants.
	DefaultTimeout time.Duration
	MaxOutput      int
	Logger         Logger
}

// New builds the backend named by cfg.Variant. An empty variant selects
// InProcess.
func New(cfg Config) (Backend, error) {
	switch cfg.Variant {
	case "", VariantInProcess:
		return NewInProcess(InProcessConfig{
			DefaultTimeout: cfg.DefaultTimeout,
			MaxOutput:      cfg.MaxOutput,
			Logger:         cfg.Logger,
		}), nil
	case VariantRemoteStateless:
		return NewRemoteStateless(cfg.remote())
	case VariantRemoteSession:
		return NewRemoteSession(cfg.remote())
	default:
		return nil, fmt.Errorf("sandbox: unknown variant %q", cfg.Variant)
	}
}

func (cfg Config) remote() RemoteConfig {
	return RemoteConfig{
		URL:              cfg.URL,
		TransportTimeout: cfg.TransportTimeout,
		TimeoutBuffer:    cfg.TimeoutBuffer,
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxRetries:       cfg.MaxRetries,
		RetryInterval:    cfg.RetryInterval,
		HTTPClient:       cfg.HTTPClient,
		Logger:           cfg.Logger,
	}
}

// ParseVariant maps a configuration string to a Variant.
func ParseVariant(s string) (Variant, error) {
	for _, v := range Variants() {
		if string(v) == s {
			return v, nil
		}
	}
	switch s {
	case "", "local", "inprocess":
		return VariantInProcess, nil
	case "remote", "stateless":
		return VariantRemoteStateless, nil
	case "session", "sidecar":
		return VariantRemoteSession, nil
	}
	return "", fmt.Errorf("sandbox: unknown variant %q", s)
}

// Probe returns b's health prober, if it has one.
func Probe(b Backend) (Prober, bool) {
	switch b := b.(type) {
	case *InProcess:
		return nil, false
	case *RemoteStateless:
		return b, true
	case *RemoteSession:
		return b, true
	}
	return nil, false
}
