package protocol

import "encoding/json"

// ProtocolVersion is reported by /health and bumped on incompatible frame changes.
const ProtocolVersion = 1

// RoutingContext mirrors the account/peer attributes used for routing.
type RoutingContext struct {
	AccountID string `json:"accountId,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
}

// RequestFrame is sent by a channel adapter or node. Type "message" carries an
// inbound message; type "subscribe" asks the server to forward events.
type RequestFrame struct {
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"` // generated by the server when empty
	Lane           string          `json:"lane,omitempty"`
	ChannelID      string          `json:"channelId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"` // unix millis; server time when zero
	RoutingContext *RoutingContext `json:"routingContext,omitempty"`
}

// ResponseFrame acknowledges or rejects one RequestFrame.
type ResponseFrame struct {
	Type       string      `json:"type"`
	ID         string      `json:"id,omitempty"`
	AgentID    string      `json:"agentId,omitempty"`
	SessionKey string      `json:"sessionKey,omitempty"`
	Error      *ErrorShape `json:"error,omitempty"`
}

// ErrorShape describes a rejected request.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a server-pushed event.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent creates an EventFrame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}

// NewAck creates a success ResponseFrame.
func NewAck(id, agentID, sessionKey string) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeAck, ID: id, AgentID: agentID, SessionKey: sessionKey}
}

// NewError creates an error ResponseFrame.
func NewError(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeError, ID: id, Error: &ErrorShape{Code: code, Message: message}}
}
