package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/titanous/json5"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			MaxMessageBytes: 64 << 10,
		},
		RateLimit: RateLimitConfig{
			MaxPerSecond: 20,
			OnReject:     RejectDrop,
		},
		Lanes: LanesConfig{
			Capacity: 64,
		},
		Sessions: SessionsConfig{
			Scope: "peer",
		},
		fields: map[string]json.RawMessage{},
	}
}

// Load reads config from a JSON5 file, then overlays env vars and validates.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.applyEnvOverrides()
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a JSON5 document into a Config. It does not validate.
func Parse(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := json5.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("parse config: document must be an object")
	}

	fields := make(map[string]json.RawMessage, len(doc))
	for k, v := range doc {
		// encoding/json sorts map keys, so equal values encode identically
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("parse config: field %q: %w", k, err)
		}
		fields[k] = raw
	}
	return fromFields(fields)
}

// fromFields builds a Config from canonical top-level fields layered over the defaults.
func fromFields(fields map[string]json.RawMessage) (*Config, error) {
	cfg := Default()
	if len(fields) > 0 {
		merged, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if err := json.Unmarshal(merged, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.fields = fields
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Validate checks cfg against the config schema. All problems are reported
// together, wrapped in ErrInvalidConfig.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range 1-65535", cfg.Gateway.Port))
	}
	if cfg.Gateway.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("gateway.maxMessageBytes must not be negative"))
	}
	for i, b := range cfg.Bindings {
		if b.AgentID == "" {
			errs = append(errs, fmt.Errorf("bindings[%d].agentId is required", i))
		}
	}
	if cfg.RateLimit.MaxPerSecond < 1 {
		errs = append(errs, fmt.Errorf("rateLimit.maxPerSecond must be a positive integer, got %d", cfg.RateLimit.MaxPerSecond))
	}
	if cfg.RateLimit.GlobalPerSecond < 0 {
		errs = append(errs, fmt.Errorf("rateLimit.globalPerSecond must not be negative"))
	}
	if cfg.RateLimit.GlobalBurst < 0 {
		errs = append(errs, fmt.Errorf("rateLimit.globalBurst must not be negative"))
	}
	switch cfg.RateLimit.OnReject {
	case "", RejectDrop, RejectDisconnect:
	default:
		errs = append(errs, fmt.Errorf("rateLimit.onReject %q must be %q or %q", cfg.RateLimit.OnReject, RejectDrop, RejectDisconnect))
	}
	if cfg.Lanes.Capacity < 1 {
		errs = append(errs, fmt.Errorf("lanes.capacity must be a positive integer, got %d", cfg.Lanes.Capacity))
	}
	switch cfg.Sessions.Scope {
	case "", "peer", "channel", "agent":
	default:
		errs = append(errs, fmt.Errorf("sessions.scope %q must be \"peer\", \"channel\" or \"agent\"", cfg.Sessions.Scope))
	}
	switch cfg.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol %q must be \"grpc\" or \"http\"", cfg.Telemetry.Protocol))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// ChangedFields returns the sorted top-level field names whose values differ
// between prev and next, including fields present in only one of them.
func ChangedFields(prev, next *Config) []string {
	var changed []string
	for k, v := range next.fields {
		if old, ok := prev.fields[k]; !ok || !bytes.Equal(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range prev.fields {
		if _, ok := next.fields[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// withFields returns a new Config equal to c with the named fields taken
// from src. A named field absent from src is removed.
func (c *Config) withFields(src *Config, names []string) (*Config, error) {
	fields := make(map[string]json.RawMessage, len(c.fields)+len(names))
	for k, v := range c.fields {
		fields[k] = v
	}
	for _, k := range names {
		if v, ok := src.fields[k]; ok {
			fields[k] = v
		} else {
			delete(fields, k)
		}
	}
	return fromFields(fields)
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values and never take part in diffing.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("LANEWAY_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("LANEWAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("LANEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("LANEWAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("LANEWAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("LANEWAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Hash returns a short SHA-256 hash of the config for log correlation.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with secret fields masked.
func (c *Config) MaskedCopy() *Config {
	cp := *c
	if cp.Gateway.Token != "" {
		cp.Gateway.Token = secretMask
	}
	if len(cp.Telemetry.Headers) > 0 {
		headers := make(map[string]string, len(cp.Telemetry.Headers))
		for k := range cp.Telemetry.Headers {
			headers[k] = secretMask
		}
		cp.Telemetry.Headers = headers
	}
	return &cp
}
