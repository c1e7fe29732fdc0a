package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/laneway/internal/bus"
	"github.com/nextlevelbuilder/laneway/internal/config"
	"github.com/nextlevelbuilder/laneway/internal/lanes"
	"github.com/nextlevelbuilder/laneway/internal/routing"
	"github.com/nextlevelbuilder/laneway/internal/sessions"
	"github.com/nextlevelbuilder/laneway/pkg/protocol"
)

var (
	ErrRateLimited    = errors.New("rate limited")
	ErrUnroutable     = errors.New("no binding matches message")
	ErrInvalidMessage = errors.New("invalid message")
	ErrEngineClosed   = errors.New("engine closed")
)

const tracerName = "github.com/nextlevelbuilder/laneway/internal/gateway"

// Result describes where an admitted message went.
type Result struct {
	AgentID    string
	SessionKey string
}

// engineSettings are the hot-reloadable knobs read on every Ingest.
type engineSettings struct {
	defaultAgent string
	laneCapacity int
	onReject     string
}

// session owns one dispatcher and the goroutine that drains it.
type session struct {
	key     string
	agentID string
	d       *lanes.Dispatcher

	mu       sync.RWMutex // Dispatch holds RLock; retire holds Lock
	retired  bool
	lastSeen atomic.Int64 // unix nanos
	cancel   context.CancelFunc
}

// Engine is the ingress path: per-connection limit, global ceiling, routing,
// then the per-session lane dispatcher.
type Engine struct {
	ingress  *IngressLimiter
	limiter  *RateLimiter
	resolver *routing.Resolver
	scope    sessions.Scope
	handoffs bus.HandoffRouter
	events   bus.EventPublisher
	tracer   trace.Tracer

	settings atomic.Pointer[engineSettings]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewEngine builds an engine from cfg. Handoff batches go to handoffs; overflow
// events are broadcast on events, which may be nil.
func NewEngine(cfg *config.Config, handoffs bus.HandoffRouter, events bus.EventPublisher) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	scope, err := sessions.ParseScope(cfg.Sessions.Scope)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ingress:  NewIngressLimiter(0, 0),
		limiter:  NewRateLimiter(cfg.RateLimit.MaxPerSecond),
		resolver: routing.NewResolver(),
		scope:    scope,
		handoffs: handoffs,
		events:   events,
		tracer:   otel.Tracer(tracerName),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	e.ApplyConfig(cfg)
	return e, nil
}

// ApplyConfig pushes the hot-reloadable parts of cfg into the engine. Lane
// capacity applies to sessions created afterwards.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.resolver.UpdateBindings(cfg.Bindings)
	e.limiter.SetMaxPerSecond(cfg.RateLimit.MaxPerSecond)
	e.ingress.Set(cfg.RateLimit.GlobalPerSecond, cfg.RateLimit.GlobalBurst)

	onReject := cfg.RateLimit.OnReject
	if onReject == "" {
		onReject = config.RejectDrop
	}
	e.settings.Store(&engineSettings{
		defaultAgent: cfg.DefaultAgent,
		laneCapacity: cfg.Lanes.Capacity,
		onReject:     onReject,
	})
	slog.Debug("gateway.config_applied",
		"bindings", len(cfg.Bindings),
		"max_per_second", cfg.RateLimit.MaxPerSecond,
		"lane_capacity", cfg.Lanes.Capacity,
	)
}

// Resolver exposes the live binding table.
func (e *Engine) Resolver() *routing.Resolver { return e.resolver }

// RateLimiter exposes the per-connection limiter.
func (e *Engine) RateLimiter() *RateLimiter { return e.limiter }

// RejectPolicy returns the current policy for rate-limited connections.
func (e *Engine) RejectPolicy() string { return e.settings.Load().onReject }

// Ingest admits msg from connID, resolves its agent and queues it on the
// owning session's dispatcher.
func (e *Engine) Ingest(ctx context.Context, connID string, msg bus.LaneMessage) (Result, error) {
	_, span := e.tracer.Start(ctx, "gateway.ingest", trace.WithAttributes(
		attribute.String("laneway.conn_id", connID),
		attribute.String("laneway.lane", string(msg.Lane)),
		attribute.String("laneway.channel", msg.ChannelID),
	))
	defer span.End()

	res, err := e.ingest(connID, msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.String("laneway.agent_id", res.AgentID),
		attribute.String("laneway.session_key", res.SessionKey),
	)
	return res, nil
}

func (e *Engine) ingest(connID string, msg bus.LaneMessage) (Result, error) {
	// Per-connection first, so a throttled connection never spends
	// gateway-wide tokens.
	if !e.limiter.Allow(connID) {
		return Result{}, fmt.Errorf("%w: connection %s", ErrRateLimited, connID)
	}
	if !e.ingress.Allow() {
		return Result{}, fmt.Errorf("%w: gateway ceiling reached", ErrRateLimited)
	}
	if !msg.Lane.Valid() {
		return Result{}, fmt.Errorf("%w: unknown lane %q", ErrInvalidMessage, msg.Lane)
	}
	if msg.ChannelID == "" {
		return Result{}, fmt.Errorf("%w: channelId is required", ErrInvalidMessage)
	}

	settings := e.settings.Load()
	agentID, ok := e.resolver.Resolve(&msg)
	if !ok {
		if settings.defaultAgent == "" {
			return Result{}, fmt.Errorf("%w: channel %s", ErrUnroutable, msg.ChannelID)
		}
		agentID = settings.defaultAgent
	}
	key := sessions.BuildScopedSessionKey(e.scope, agentID, &msg)

	for {
		s, err := e.session(key, agentID, settings.laneCapacity)
		if err != nil {
			return Result{}, err
		}
		if s.dispatch(msg) {
			return Result{AgentID: agentID, SessionKey: key}, nil
		}
		// Retired between lookup and dispatch; the next lookup creates a fresh one.
	}
}

func (s *session) dispatch(msg bus.LaneMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.retired {
		return false
	}
	s.lastSeen.Store(time.Now().UnixNano())
	s.d.Dispatch(msg)
	return true
}

// session returns the live session for key, creating it and its drain loop on first use.
func (e *Engine) session(key, agentID string, capacity int) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if s, ok := e.sessions[key]; ok {
		return s, nil
	}

	ctx, cancel := context.WithCancel(e.ctx)
	s := &session{key: key, agentID: agentID, d: lanes.NewDispatcher(capacity), cancel: cancel}
	s.lastSeen.Store(time.Now().UnixNano())
	s.d.OnInterrupt(func(m bus.LaneMessage) {
		e.publishInterrupt(bus.Handoff{AgentID: agentID, SessionKey: key, Interrupt: true, Messages: []bus.LaneMessage{m}})
	})
	s.d.OnOverflow(func(lane bus.Lane, evicted bus.LaneMessage) {
		e.overflow(key, lane, evicted)
	})
	e.sessions[key] = s

	e.wg.Add(1)
	go e.drainLoop(ctx, s)

	slog.Debug("gateway.session_opened", "session", key, "agent", agentID, "capacity", s.d.Capacity())
	return s, nil
}

// drainLoop hands queued batches to the bus until ctx ends.
func (e *Engine) drainLoop(ctx context.Context, s *session) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			if n := s.d.TotalQueued(); n > 0 {
				slog.Warn("gateway.session_dropped", "session", s.key, "queued", n)
			}
			return
		case <-s.d.Ready():
			batch := s.d.Drain()
			if len(batch) == 0 {
				continue
			}
			e.publish(ctx, bus.Handoff{AgentID: s.agentID, SessionKey: s.key, Messages: batch})
		}
	}
}

func (e *Engine) publish(ctx context.Context, h bus.Handoff) {
	if err := e.handoffs.PublishHandoff(ctx, h); err != nil {
		slog.Warn("gateway.handoff_dropped", "session", h.SessionKey, "messages", len(h.Messages), "error", err)
	}
}

// publishInterrupt runs on the producer's goroutine, so it never waits for
// room on the bus.
func (e *Engine) publishInterrupt(h bus.Handoff) {
	if !e.handoffs.TryPublishHandoff(h) {
		slog.Error("gateway.handoff_dropped", "session", h.SessionKey, "interrupt", true, "message_id", h.Messages[0].ID)
	}
}

func (e *Engine) overflow(key string, lane bus.Lane, evicted bus.LaneMessage) {
	attrs := []any{"session", key, "lane", lane, "message_id", evicted.ID}
	if lane == bus.LaneSteer {
		slog.Error("lanes.overflow", attrs...)
	} else {
		slog.Warn("lanes.overflow", attrs...)
	}
	if e.events != nil {
		e.events.Broadcast(bus.Event{
			Name:    protocol.EventLaneOverflow,
			Payload: bus.OverflowPayload{SessionKey: key, Lane: lane, MessageID: evicted.ID},
		})
	}
}

// Disconnect forgets the rate-limit state of connID.
func (e *Engine) Disconnect(connID string) {
	e.limiter.Remove(connID)
}

// SessionCount returns the number of live sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// QueueDepth returns the number of messages queued for sessionKey.
func (e *Engine) QueueDepth(sessionKey string) int {
	e.mu.Lock()
	s, ok := e.sessions[sessionKey]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return s.d.TotalQueued()
}

// PruneIdle retires sessions with nothing queued that have not seen a
// message for at least idle. Returns how many were retired.
func (e *Engine) PruneIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle).UnixNano()

	e.mu.Lock()
	defer e.mu.Unlock()
	pruned := 0
	for key, s := range e.sessions {
		if s.lastSeen.Load() > cutoff {
			continue
		}
		if !s.mu.TryLock() {
			continue // a producer is mid-dispatch
		}
		if s.d.TotalQueued() > 0 {
			s.mu.Unlock()
			continue
		}
		s.retired = true
		s.mu.Unlock()
		s.cancel()
		delete(e.sessions, key)
		pruned++
	}
	if pruned > 0 {
		slog.Debug("gateway.sessions_pruned", "count", pruned, "remaining", len(e.sessions))
	}
	return pruned
}

// Close stops every drain loop. Messages still queued are dropped and
// further Ingest calls fail with ErrEngineClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
