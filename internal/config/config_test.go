package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Gateway.Port != def.Gateway.Port || cfg.RateLimit.MaxPerSecond != def.RateLimit.MaxPerSecond {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if len(cfg.FieldNames()) != 0 {
		t.Errorf("FieldNames() = %v, want none", cfg.FieldNames())
	}
}

func TestLoad_MissingFileValidatesEnv(t *testing.T) {
	t.Setenv("LANEWAY_TELEMETRY_PROTOCOL", "udp")
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestParse_JSON5AndDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		// comments and trailing commas are allowed
		gateway: { port: 9000, },
		bindings: [
			{ agentId: "support", match: { channel: "slack", peerId: "*-vip" } },
			{ agentId: "fallback", match: {} },
		],
		lanes: { capacity: 8 },
		custom: { anything: true },
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("host default lost: %q", cfg.Gateway.Host)
	}
	if cfg.RateLimit.MaxPerSecond != 20 {
		t.Errorf("rateLimit default lost: %d", cfg.RateLimit.MaxPerSecond)
	}
	if cfg.Lanes.Capacity != 8 {
		t.Errorf("lanes.capacity = %d", cfg.Lanes.Capacity)
	}
	want := []AgentBinding{
		{AgentID: "support", Match: BindingMatch{Channel: "slack", PeerID: "*-vip"}},
		{AgentID: "fallback"},
	}
	if !reflect.DeepEqual(cfg.Bindings, want) {
		t.Errorf("bindings = %+v", cfg.Bindings)
	}
	if got := cfg.FieldNames(); !reflect.DeepEqual(got, []string{"bindings", "custom", "gateway", "lanes"}) {
		t.Errorf("FieldNames() = %v", got)
	}
	if raw, ok := cfg.RawField("custom"); !ok || string(raw) != `{"anything":true}` {
		t.Errorf("RawField(custom) = %s, %v", raw, ok)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", `{ gateway: `},
		{"not an object", `[1, 2]`},
		{"wrong type", `{ lanes: { capacity: "many" } }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Gateway.Port = 0 }, "gateway.port"},
		{"missing agent id", func(c *Config) { c.Bindings = []AgentBinding{{Match: BindingMatch{Channel: "x"}}} }, "bindings[0].agentId"},
		{"zero max per second", func(c *Config) { c.RateLimit.MaxPerSecond = 0 }, "rateLimit.maxPerSecond"},
		{"bad reject policy", func(c *Config) { c.RateLimit.OnReject = "explode" }, "rateLimit.onReject"},
		{"zero lane capacity", func(c *Config) { c.Lanes.Capacity = 0 }, "lanes.capacity"},
		{"bad telemetry protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, "telemetry.protocol"},
		{"bad session scope", func(c *Config) { c.Sessions.Scope = "galaxy" }, "sessions.scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("error %v does not wrap ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	c := Default()
	c.Gateway.Port = -1
	c.Lanes.Capacity = 0
	err := Validate(c)
	if err == nil || !strings.Contains(err.Error(), "gateway.port") || !strings.Contains(err.Error(), "lanes.capacity") {
		t.Errorf("Validate() = %v, want both problems reported", err)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{ rateLimit: { maxPerSecond: 0 } }`)
	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Load() err = %v, want ErrInvalidConfig", err)
	}
}

func TestChangedFields(t *testing.T) {
	prev, _ := Parse([]byte(`{ gateway: { port: 1 }, lanes: { capacity: 4 }, old: 1 }`))
	next, _ := Parse([]byte(`{ gateway: { port: 1 }, lanes: { capacity: 5 }, added: true }`))

	got := ChangedFields(prev, next)
	want := []string{"added", "lanes", "old"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChangedFields() = %v, want %v", got, want)
	}

	// key order inside an object is not a change
	a, _ := Parse([]byte(`{ rateLimit: { maxPerSecond: 3, onReject: "drop" } }`))
	b, _ := Parse([]byte(`{ rateLimit: { onReject: "drop", maxPerSecond: 3 } }`))
	if got := ChangedFields(a, b); len(got) != 0 {
		t.Errorf("reordered keys reported as changed: %v", got)
	}
}

func TestWithFields_CopiesOnlyNamedFields(t *testing.T) {
	cur, _ := Parse([]byte(`{ gateway: { port: 1000 }, lanes: { capacity: 4 }, defaultAgent: "a" }`))
	next, _ := Parse([]byte(`{ gateway: { port: 2000 }, lanes: { capacity: 9 } }`))

	got, err := cur.withFields(next, []string{"lanes", "defaultAgent"})
	if err != nil {
		t.Fatalf("withFields: %v", err)
	}
	if got.Gateway.Port != 1000 {
		t.Errorf("gateway changed: %d", got.Gateway.Port)
	}
	if got.Lanes.Capacity != 9 {
		t.Errorf("lanes not applied: %d", got.Lanes.Capacity)
	}
	if got.DefaultAgent != "" {
		t.Errorf("removed defaultAgent still set: %q", got.DefaultAgent)
	}
	if cur.Lanes.Capacity != 4 || cur.DefaultAgent != "a" {
		t.Errorf("source config mutated: %+v", cur)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LANEWAY_GATEWAY_TOKEN", "secret")
	t.Setenv("LANEWAY_PORT", "7777")

	cfg, err := Parse([]byte(`{ gateway: { port: 1 } }`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Gateway.Token != "secret" || cfg.Gateway.Port != 7777 {
		t.Errorf("env overrides not applied: %+v", cfg.Gateway)
	}
	if raw, _ := cfg.RawField("gateway"); string(raw) != `{"port":1}` {
		t.Errorf("env override leaked into raw field: %s", raw)
	}

	masked := cfg.MaskedCopy()
	if masked.Gateway.Token != "***" {
		t.Errorf("token not masked: %q", masked.Gateway.Token)
	}
	if cfg.Gateway.Token != "secret" {
		t.Error("MaskedCopy mutated the original")
	}
}

func TestHash_StableAndSensitive(t *testing.T) {
	a, _ := Parse([]byte(`{ lanes: { capacity: 4 } }`))
	b, _ := Parse([]byte(`{ lanes: { capacity: 4 } }`))
	c, _ := Parse([]byte(`{ lanes: { capacity: 5 } }`))
	if a.Hash() != b.Hash() {
		t.Error("equal configs hash differently")
	}
	if a.Hash() == c.Hash() {
		t.Error("different configs hash equally")
	}
}
