package sessions

import (
	"testing"

	"github.com/nextlevelbuilder/laneway/internal/bus"
)

func TestBuildScopedSessionKey(t *testing.T) {
	withPeer := &bus.LaneMessage{ChannelID: "telegram", RoutingContext: &bus.RoutingContext{AccountID: "bot-1", PeerID: "42"}}
	noContext := &bus.LaneMessage{ChannelID: "slack"}

	tests := []struct {
		name  string
		scope Scope
		msg   *bus.LaneMessage
		want  string
	}{
		{"peer", ScopePeer, withPeer, "agent:support:telegram:bot-1:peer:42"},
		{"peer without context", ScopePeer, noContext, "agent:support:slack:-:main"},
		{"channel", ScopeChannel, withPeer, "agent:support:telegram:bot-1:main"},
		{"agent", ScopeAgent, withPeer, "agent:support:main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildScopedSessionKey(tt.scope, "support", tt.msg); got != tt.want {
				t.Errorf("BuildScopedSessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSessionKey(t *testing.T) {
	tests := []struct {
		key       string
		wantAgent string
		wantRest  string
	}{
		{"agent:support:telegram:bot-1:peer:42", "support", "telegram:bot-1:peer:42"},
		{"agent:triage:main", "triage", "main"},
		{"session:x:y", "", ""},
		{"agent:only", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			agent, rest := ParseSessionKey(tt.key)
			if agent != tt.wantAgent || rest != tt.wantRest {
				t.Errorf("ParseSessionKey(%q) = (%q, %q), want (%q, %q)", tt.key, agent, rest, tt.wantAgent, tt.wantRest)
			}
		})
	}
}

func TestIsPeerSession(t *testing.T) {
	if !IsPeerSession(BuildPeerSessionKey("a", "slack", "", "u1")) {
		t.Error("peer key not detected")
	}
	if IsPeerSession(BuildChannelSessionKey("a", "slack", "")) {
		t.Error("channel key detected as peer")
	}
}

func TestParseScope(t *testing.T) {
	for in, want := range map[string]Scope{"": ScopePeer, "peer": ScopePeer, "channel": ScopeChannel, "agent": ScopeAgent} {
		got, err := ParseScope(in)
		if err != nil || got != want {
			t.Errorf("ParseScope(%q) = (%q, %v), want %q", in, got, err, want)
		}
	}
	if _, err := ParseScope("global"); err == nil {
		t.Error("expected error for unknown scope")
	}
}
