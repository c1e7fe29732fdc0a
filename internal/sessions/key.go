// Package sessions builds and parses session keys.
//
// A session is the unit that owns one lane dispatcher. Keys follow the
// canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the configured scope:
//
//	peer:    {channel}:{accountId}:peer:{peerId}   (falls back to channel scope without a peer)
//	channel: {channel}:{accountId}:main
//	agent:   main
//
// An absent account id is written as "-".
//
// Examples:
//
//	agent:support:telegram:bot-1:peer:386246614
//	agent:support:slack:-:main
//	agent:triage:main
package sessions

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/laneway/internal/bus"
)

// Scope selects how messages for one agent are grouped into sessions.
type Scope string

const (
	ScopePeer    Scope = "peer"
	ScopeChannel Scope = "channel"
	ScopeAgent   Scope = "agent"
)

// ParseScope maps a config value to a Scope. Empty means ScopePeer.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopePeer:
		return ScopePeer, nil
	case ScopeChannel, ScopeAgent:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown session scope %q", s)
}

const noAccount = "-"

// BuildPeerSessionKey builds the per-peer session key.
//
//	agent:{agentId}:{channel}:{accountId}:peer:{peerId}
func BuildPeerSessionKey(agentID, channel, accountID, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:peer:%s", agentID, channel, orNone(accountID), peerID)
}

// BuildChannelSessionKey builds the shared session key for a channel account.
//
//	agent:{agentId}:{channel}:{accountId}:main
func BuildChannelSessionKey(agentID, channel, accountID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:main", agentID, channel, orNone(accountID))
}

// BuildAgentMainSessionKey builds the single shared session key for an agent.
//
//	agent:{agentId}:main
func BuildAgentMainSessionKey(agentID string) string {
	return fmt.Sprintf("agent:%s:main", agentID)
}

// BuildScopedSessionKey builds the session key for msg once it has been
// resolved to agentID.
func BuildScopedSessionKey(scope Scope, agentID string, msg *bus.LaneMessage) string {
	account, _ := msg.AccountID()
	switch scope {
	case ScopeAgent:
		return BuildAgentMainSessionKey(agentID)
	case ScopeChannel:
		return BuildChannelSessionKey(agentID, msg.ChannelID, account)
	default:
		if peer, ok := msg.PeerID(); ok {
			return BuildPeerSessionKey(agentID, msg.ChannelID, account, peer)
		}
		return BuildChannelSessionKey(agentID, msg.ChannelID, account)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// IsPeerSession checks if a session key is scoped to a single peer.
func IsPeerSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.Contains(rest, ":peer:")
}

func orNone(s string) string {
	if s == "" {
		return noAccount
	}
	return s
}
