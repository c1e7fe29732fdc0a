package routing

import (
	"sync/atomic"

	"github.com/nextlevelbuilder/laneway/internal/bus"
	"github.com/nextlevelbuilder/laneway/internal/config"
)

// CompiledBinding is an AgentBinding whose patterns have been compiled.
// A nil matcher imposes no constraint.
type CompiledBinding struct {
	AgentID   string
	Channel   *FieldMatcher
	AccountID *FieldMatcher
	PeerID    *FieldMatcher
}

// Matches reports whether every present matcher accepts the message.
func (b *CompiledBinding) Matches(msg *bus.LaneMessage) bool {
	if b.Channel != nil && !b.Channel.Match(msg.ChannelID) {
		return false
	}
	if b.AccountID != nil {
		acc, ok := msg.AccountID()
		if !ok || !b.AccountID.Match(acc) {
			return false
		}
	}
	if b.PeerID != nil {
		peer, ok := msg.PeerID()
		if !ok || !b.PeerID.Match(peer) {
			return false
		}
	}
	return true
}

// CompileBindings compiles raw bindings, preserving declaration order.
// Empty pattern strings are treated as absent.
func CompileBindings(raw []config.AgentBinding) []CompiledBinding {
	out := make([]CompiledBinding, 0, len(raw))
	for _, rb := range raw {
		out = append(out, CompiledBinding{
			AgentID:   rb.AgentID,
			Channel:   compileOptional(rb.Match.Channel),
			AccountID: compileOptional(rb.Match.AccountID),
			PeerID:    compileOptional(rb.Match.PeerID),
		})
	}
	return out
}

func compileOptional(pattern string) *FieldMatcher {
	if pattern == "" {
		return nil
	}
	m := Compile(pattern)
	return &m
}

// Resolver resolves messages against the current binding snapshot.
// The snapshot is swapped wholesale on UpdateBindings and never edited,
// so Resolve is safe to call concurrently with updates.
type Resolver struct {
	bindings atomic.Pointer[[]CompiledBinding]
}

// NewResolver creates a Resolver with an empty binding list.
func NewResolver() *Resolver {
	r := &Resolver{}
	empty := []CompiledBinding{}
	r.bindings.Store(&empty)
	return r
}

// UpdateBindings compiles raw and replaces the whole binding list.
func (r *Resolver) UpdateBindings(raw []config.AgentBinding) {
	compiled := CompileBindings(raw)
	r.bindings.Store(&compiled)
}

// Resolve returns the agent id of the first binding that matches msg.
func (r *Resolver) Resolve(msg *bus.LaneMessage) (string, bool) {
	list := *r.bindings.Load()
	for i := range list {
		if list[i].Matches(msg) {
			return list[i].AgentID, true
		}
	}
	return "", false
}

// Bindings returns the current compiled snapshot. Callers must not modify it.
func (r *Resolver) Bindings() []CompiledBinding {
	return *r.bindings.Load()
}
