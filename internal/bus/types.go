package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Lane is the priority class of a queued message.
type Lane string

const (
	LaneInterrupt Lane = "interrupt" // never queued, handed to interrupt handlers immediately
	LaneSteer     Lane = "steer"
	LaneCollect   Lane = "collect"
	LaneFollowup  Lane = "followup"
)

// QueuedLanes lists the lanes that hold messages, in drain order.
var QueuedLanes = [...]Lane{LaneSteer, LaneCollect, LaneFollowup}

// Valid reports whether l is one of the four known lanes.
func (l Lane) Valid() bool {
	switch l {
	case LaneInterrupt, LaneSteer, LaneCollect, LaneFollowup:
		return true
	}
	return false
}

// ParseLane converts a wire value into a Lane.
func ParseLane(s string) (Lane, error) {
	l := Lane(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown lane %q", s)
	}
	return l, nil
}

// RoutingContext carries the account/peer attributes used by bindings.
type RoutingContext struct {
	AccountID string `json:"accountId,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
}

// LaneMessage is an inbound message tagged with its lane.
// It must not be modified after Dispatch.
type LaneMessage struct {
	ID             string          `json:"id"`
	Lane           Lane            `json:"lane"`
	ChannelID      string          `json:"channelId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"timestamp"` // unix millis
	RoutingContext *RoutingContext `json:"routingContext,omitempty"`
}

// AccountID returns the routing account id and whether the message carries one.
func (m *LaneMessage) AccountID() (string, bool) {
	if m.RoutingContext == nil || m.RoutingContext.AccountID == "" {
		return "", false
	}
	return m.RoutingContext.AccountID, true
}

// PeerID returns the routing peer id and whether the message carries one.
func (m *LaneMessage) PeerID() (string, bool) {
	if m.RoutingContext == nil || m.RoutingContext.PeerID == "" {
		return "", false
	}
	return m.RoutingContext.PeerID, true
}

// Handoff is a batch of messages released to agent execution for one session.
type Handoff struct {
	AgentID    string        `json:"agent_id"`
	SessionKey string        `json:"session_key"`
	Interrupt  bool          `json:"interrupt,omitempty"` // batch holds a single interrupt-lane message
	Messages   []LaneMessage `json:"messages"`
}

// Event represents a server-side event to broadcast to subscribers.
type Event struct {
	Name    string      `json:"name"` // protocol.Event* constants
	Payload interface{} `json:"payload,omitempty"`
}

// OverflowPayload describes a message evicted from a full lane.
type OverflowPayload struct {
	SessionKey string `json:"session_key"`
	Lane       Lane   `json:"lane"`
	MessageID  string `json:"message_id"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// HandoffRouter moves drained batches from session loops to agent execution.
type HandoffRouter interface {
	PublishHandoff(ctx context.Context, h Handoff) error
	TryPublishHandoff(h Handoff) bool
	ConsumeHandoff(ctx context.Context) (Handoff, bool)
}
