package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/laneway/internal/bus"
	"github.com/nextlevelbuilder/laneway/internal/config"
	"github.com/nextlevelbuilder/laneway/pkg/protocol"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

type outbound struct {
	data  []byte
	close bool // write a close frame after data and stop
}

// Client is one ingress socket, usually a channel adapter.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send       chan outbound
	done       chan struct{}
	stopOnce   sync.Once
	subscribed atomic.Bool
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan outbound, sendBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id used as the rate-limit key.
func (c *Client) ID() string { return c.id }

// Run serves the connection until the peer goes away, ctx ends, or the
// reject policy disconnects it.
func (c *Client) Run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readLoop(ctx)
	c.stop()
	<-writerDone
}

// Close tears down the socket.
func (c *Client) Close() {
	c.stop()
	c.conn.Close()
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Client) readLoop(ctx context.Context) {
	if limit := c.server.cfg.Gateway.MaxMessageBytes; limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway.read_failed", "client", c.id, "error", err)
			}
			return
		}
		if !c.handleFrame(ctx, data) {
			return
		}
	}
}

// handleFrame processes one inbound frame. Returns false when the connection
// should be closed.
func (c *Client) handleFrame(ctx context.Context, data []byte) bool {
	var f protocol.RequestFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendResponse(protocol.NewError("", protocol.ErrInvalidRequest, "malformed frame: "+err.Error()), false)
		return true
	}

	switch f.Type {
	case protocol.FrameTypeSubscribe:
		c.server.subscribe(c)
		c.sendResponse(protocol.NewAck(f.ID, "", ""), false)
		return true
	case protocol.FrameTypeMessage:
		return c.handleMessage(ctx, f)
	default:
		c.sendResponse(protocol.NewError(f.ID, protocol.ErrInvalidRequest, "unknown frame type "+f.Type), false)
		return true
	}
}

func (c *Client) handleMessage(ctx context.Context, f protocol.RequestFrame) bool {
	msg := bus.LaneMessage{
		ID:        f.ID,
		Lane:      bus.Lane(f.Lane),
		ChannelID: f.ChannelID,
		Payload:   f.Payload,
		Timestamp: f.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if rc := f.RoutingContext; rc != nil {
		msg.RoutingContext = &bus.RoutingContext{AccountID: rc.AccountID, PeerID: rc.PeerID}
	}

	res, err := c.server.engine.Ingest(ctx, c.id, msg)
	if err == nil {
		c.sendResponse(protocol.NewAck(msg.ID, res.AgentID, res.SessionKey), false)
		return true
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		if c.server.engine.RejectPolicy() == config.RejectDisconnect {
			slog.Warn("gateway.rate_limited_disconnect", "client", c.id)
			c.sendResponse(protocol.NewError(msg.ID, protocol.ErrRateLimited, err.Error()), true)
			return false
		}
		slog.Debug("gateway.rate_limited", "client", c.id, "message_id", msg.ID)
		c.sendResponse(protocol.NewError(msg.ID, protocol.ErrRateLimited, err.Error()), false)
	case errors.Is(err, ErrUnroutable):
		c.sendResponse(protocol.NewError(msg.ID, protocol.ErrUnroutable, err.Error()), false)
	case errors.Is(err, ErrInvalidMessage):
		c.sendResponse(protocol.NewError(msg.ID, protocol.ErrInvalidRequest, err.Error()), false)
	default:
		c.sendResponse(protocol.NewError(msg.ID, protocol.ErrUnavailable, err.Error()), false)
	}
	return true
}

// SendEvent queues an event frame. Events are dropped when the client is
// not keeping up.
func (c *Client) SendEvent(event protocol.EventFrame) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("gateway.marshal_event", "event", event.Event, "error", err)
		return
	}
	select {
	case c.send <- outbound{data: data}:
	default:
		slog.Warn("gateway.event_dropped", "client", c.id, "event", event.Event)
	}
}

func (c *Client) sendResponse(resp *protocol.ResponseFrame, closeAfter bool) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("gateway.marshal_response", "error", err)
		return
	}
	select {
	case c.send <- outbound{data: data, close: closeAfter}:
	case <-c.done:
	}
}

func (c *Client) writePump() {
	defer c.stop()
	for {
		select {
		case out := <-c.send:
			if !c.write(out) {
				return
			}
		case <-c.done:
			// Flush what the read loop queued before it stopped.
			for {
				select {
				case out := <-c.send:
					if !c.write(out) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Client) write(out outbound) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
		slog.Debug("gateway.write_failed", "client", c.id, "error", err)
		c.conn.Close()
		return false
	}
	if out.close {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limited")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		c.conn.Close()
		return false
	}
	return true
}
