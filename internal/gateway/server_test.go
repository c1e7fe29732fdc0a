package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/laneway/internal/bus"
	"github.com/nextlevelbuilder/laneway/internal/config"
	"github.com/nextlevelbuilder/laneway/pkg/protocol"
)

type testGateway struct {
	srv *Server
	bus *bus.MessageBus
	url string
}

func startTestGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	b := bus.New()
	e := newTestEngine(t, cfg, b, b)
	s := NewServer(cfg, e, b)
	hs := httptest.NewServer(s.BuildMux())
	t.Cleanup(hs.Close)
	return &testGateway{srv: s, bus: b, url: "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"}
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f protocol.RequestFrame) {
	t.Helper()
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readResponse(t *testing.T, conn *websocket.Conn) protocol.ResponseFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp protocol.ResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func messageFrame(id, lane, channel string) protocol.RequestFrame {
	return protocol.RequestFrame{
		Type:           protocol.FrameTypeMessage,
		ID:             id,
		Lane:           lane,
		ChannelID:      channel,
		Payload:        json.RawMessage(`{"text":"hi"}`),
		RoutingContext: &protocol.RoutingContext{PeerID: "42"},
	}
}

func TestServer_Health(t *testing.T) {
	cfg := testConfig()
	b := bus.New()
	s := NewServer(cfg, newTestEngine(t, cfg, b, b), b)

	rec := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestServer_MessageAck(t *testing.T) {
	gw := startTestGateway(t, testConfig())
	conn := dial(t, gw.url, nil)

	sendFrame(t, conn, messageFrame("m1", "collect", "telegram"))
	resp := readResponse(t, conn)
	if resp.Type != protocol.FrameTypeAck || resp.ID != "m1" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.AgentID != "support" || resp.SessionKey != "agent:support:telegram:-:peer:42" {
		t.Errorf("resp = %+v", resp)
	}

	h := consume(t, gw.bus)
	if len(h.Messages) != 1 || string(h.Messages[0].Payload) != `{"text":"hi"}` {
		t.Errorf("handoff = %+v", h)
	}
	if h.Messages[0].Timestamp == 0 {
		t.Error("server should stamp a missing timestamp")
	}
}

func TestServer_GeneratesMissingID(t *testing.T) {
	gw := startTestGateway(t, testConfig())
	conn := dial(t, gw.url, nil)

	sendFrame(t, conn, messageFrame("", "followup", "telegram"))
	resp := readResponse(t, conn)
	if resp.Type != protocol.FrameTypeAck || resp.ID == "" {
		t.Errorf("resp = %+v, want ack with generated id", resp)
	}
}

func TestServer_ErrorFrames(t *testing.T) {
	gw := startTestGateway(t, testConfig())
	conn := dial(t, gw.url, nil)

	tests := []struct {
		name  string
		frame protocol.RequestFrame
		code  string
	}{
		{"unroutable", messageFrame("u1", "collect", "discord"), protocol.ErrUnroutable},
		{"bad lane", messageFrame("b1", "urgent", "telegram"), protocol.ErrInvalidRequest},
		{"unknown type", protocol.RequestFrame{Type: "ping", ID: "p1"}, protocol.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendFrame(t, conn, tt.frame)
			resp := readResponse(t, conn)
			if resp.Type != protocol.FrameTypeError || resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("resp = %+v, want error %s", resp, tt.code)
			}
		})
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp := readResponse(t, conn); resp.Error == nil || resp.Error.Code != protocol.ErrInvalidRequest {
		t.Errorf("malformed frame resp = %+v", resp)
	}
}

func TestServer_RateLimitDrop(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxPerSecond = 1
	gw := startTestGateway(t, cfg)
	conn := dial(t, gw.url, nil)

	sendFrame(t, conn, messageFrame("m1", "collect", "telegram"))
	if resp := readResponse(t, conn); resp.Type != protocol.FrameTypeAck {
		t.Fatalf("first resp = %+v", resp)
	}
	sendFrame(t, conn, messageFrame("m2", "collect", "telegram"))
	resp := readResponse(t, conn)
	if resp.Error == nil || resp.Error.Code != protocol.ErrRateLimited {
		t.Fatalf("second resp = %+v, want RATE_LIMITED", resp)
	}

	// Connection stays usable under the drop policy.
	sendFrame(t, conn, protocol.RequestFrame{Type: protocol.FrameTypeSubscribe, ID: "s1"})
	if resp := readResponse(t, conn); resp.Type != protocol.FrameTypeAck || resp.ID != "s1" {
		t.Errorf("subscribe resp = %+v", resp)
	}
}

func TestServer_RateLimitDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxPerSecond = 1
	cfg.RateLimit.OnReject = config.RejectDisconnect
	gw := startTestGateway(t, cfg)
	conn := dial(t, gw.url, nil)

	sendFrame(t, conn, messageFrame("m1", "collect", "telegram"))
	readResponse(t, conn)
	sendFrame(t, conn, messageFrame("m2", "collect", "telegram"))
	if resp := readResponse(t, conn); resp.Error == nil || resp.Error.Code != protocol.ErrRateLimited {
		t.Fatalf("resp = %+v, want RATE_LIMITED", resp)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("read after disconnect = %v, want policy-violation close", err)
	}
}

func TestServer_TokenRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Token = "s3cret"
	gw := startTestGateway(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(gw.url, nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v, want 401", resp)
	}

	conn := dial(t, gw.url, http.Header{"Authorization": {"Bearer s3cret"}})
	sendFrame(t, conn, messageFrame("m1", "collect", "telegram"))
	if r := readResponse(t, conn); r.Type != protocol.FrameTypeAck {
		t.Errorf("resp = %+v", r)
	}
}

func TestServer_SubscribeForwardsEvents(t *testing.T) {
	gw := startTestGateway(t, testConfig())
	conn := dial(t, gw.url, nil)

	sendFrame(t, conn, protocol.RequestFrame{Type: protocol.FrameTypeSubscribe, ID: "s1"})
	readResponse(t, conn)

	gw.bus.Broadcast(bus.Event{Name: protocol.EventConfigUpdated, Payload: []string{"bindings"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.EventFrame
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != protocol.FrameTypeEvent || ev.Event != protocol.EventConfigUpdated {
		t.Errorf("event = %+v", ev)
	}
}

func TestServer_CheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.AllowedOrigins = []string{"https://ok.example"}
	s := NewServer(cfg, nil, nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://ok.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
