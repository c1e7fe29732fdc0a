package config

import (
	"encoding/json"
	"sort"
)

// Top-level field names of the config document.
const (
	FieldGateway      = "gateway"
	FieldTelemetry    = "telemetry"
	FieldBindings     = "bindings"
	FieldRateLimit    = "rateLimit"
	FieldLanes        = "lanes"
	FieldDefaultAgent = "defaultAgent"
	FieldSessions     = "sessions"
)

// DefaultHotReloadFields are the top-level fields a running gateway can apply
// without a restart. Everything else (listen address, credentials, telemetry
// exporters, unknown fields) requires one.
var DefaultHotReloadFields = []string{FieldBindings, FieldRateLimit, FieldLanes, FieldDefaultAgent}

// Reject policies for connections that exceed their rate limit.
const (
	RejectDrop       = "drop"
	RejectDisconnect = "disconnect"
)

// Config is the root configuration document for the gateway.
//
// A *Config is never mutated after it has been handed out: the watcher
// publishes a new instance on every successful reload.
type Config struct {
	Gateway      GatewayConfig   `json:"gateway"`
	Telemetry    TelemetryConfig `json:"telemetry,omitempty"`
	Bindings     []AgentBinding  `json:"bindings,omitempty"`
	RateLimit    RateLimitConfig `json:"rateLimit"`
	Lanes        LanesConfig     `json:"lanes"`
	DefaultAgent string          `json:"defaultAgent,omitempty"` // used when no binding matches; empty = reject
	Sessions     SessionsConfig  `json:"sessions"`

	// fields holds the canonical JSON of every top-level field present in
	// the source document, including fields this struct does not model.
	fields map[string]json.RawMessage
}

// GatewayConfig configures the ingress listener. Restart-required.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token,omitempty"`           // bearer token for /ws; env LANEWAY_GATEWAY_TOKEN overrides
	AllowedOrigins  []string `json:"allowedOrigins,omitempty"`  // empty = allow all
	MaxMessageBytes int64    `json:"maxMessageBytes,omitempty"` // per-frame read limit
}

// TelemetryConfig configures OpenTelemetry export for ingress spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext, for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "laneway-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// AgentBinding maps a channel/account/peer pattern to a specific agent.
// Bindings are evaluated in declaration order; the first full match wins.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch holds the optional patterns of a binding. Empty means unconstrained.
type BindingMatch struct {
	Channel   string `json:"channel,omitempty"`   // "telegram", "slack-*", "*"
	AccountID string `json:"accountId,omitempty"` // bot account ID pattern
	PeerID    string `json:"peerId,omitempty"`    // DM/group peer pattern
}

// RateLimitConfig configures ingress admission control.
type RateLimitConfig struct {
	MaxPerSecond    int     `json:"maxPerSecond"`              // per connection, fixed 1s window
	GlobalPerSecond float64 `json:"globalPerSecond,omitempty"` // whole-gateway token bucket, 0 = off
	GlobalBurst     int     `json:"globalBurst,omitempty"`     // defaults to ceil(GlobalPerSecond)
	OnReject        string  `json:"onReject,omitempty"`        // "drop" (default) or "disconnect"
}

// LanesConfig configures per-session lane dispatchers.
type LanesConfig struct {
	Capacity int `json:"capacity"` // per lane; applies to dispatchers created after a reload
}

// SessionsConfig controls how messages are grouped into dispatcher sessions.
// Restart-required: changing it would split live queues.
type SessionsConfig struct {
	Scope string `json:"scope,omitempty"` // "peer" (default), "channel", "agent"
}

// FieldNames returns the sorted top-level field names present in the source document.
func (c *Config) FieldNames() []string {
	names := make([]string, 0, len(c.fields))
	for k := range c.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// RawField returns the canonical JSON of a top-level field as read from the source.
func (c *Config) RawField(name string) (json.RawMessage, bool) {
	v, ok := c.fields[name]
	return v, ok
}
