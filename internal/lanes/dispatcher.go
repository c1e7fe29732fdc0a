// Package lanes implements the bounded priority queues that sit between
// routing and agent execution for a single session.
//
// A Dispatcher is owned by one drain loop. Producers may call Dispatch from
// any goroutine; only the owner calls Drain.
package lanes

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/laneway/internal/bus"
)

// DefaultCapacity is the per-lane capacity used when none is configured.
const DefaultCapacity = 64

// InterruptHandler receives interrupt-lane messages, which are never queued.
type InterruptHandler func(msg bus.LaneMessage)

// OverflowHandler receives the message evicted from a full lane.
type OverflowHandler func(lane bus.Lane, evicted bus.LaneMessage)

// Dispatcher holds one FIFO queue per queued lane, each capped at the same capacity.
type Dispatcher struct {
	capacity int

	mu     sync.Mutex
	queues map[bus.Lane][]bus.LaneMessage
	total  int

	hmu        sync.RWMutex
	interrupts []InterruptHandler
	overflows  []OverflowHandler

	ready chan struct{}
}

// NewDispatcher creates a dispatcher with the given per-lane capacity.
// Non-positive capacities fall back to DefaultCapacity.
func NewDispatcher(capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	d := &Dispatcher{
		capacity: capacity,
		queues:   make(map[bus.Lane][]bus.LaneMessage, len(bus.QueuedLanes)),
		ready:    make(chan struct{}, 1),
	}
	for _, l := range bus.QueuedLanes {
		d.queues[l] = make([]bus.LaneMessage, 0, capacity)
	}
	return d
}

// Capacity returns the per-lane capacity.
func (d *Dispatcher) Capacity() int { return d.capacity }

// OnInterrupt registers an interrupt handler. Handlers fire in registration order.
func (d *Dispatcher) OnInterrupt(h InterruptHandler) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	d.interrupts = append(d.interrupts, h)
}

// OnOverflow registers an overflow handler. Handlers fire in registration order.
func (d *Dispatcher) OnOverflow(h OverflowHandler) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	d.overflows = append(d.overflows, h)
}

// Ready is signalled after a message is queued. The signal is coalesced:
// one pending receive covers any number of dispatches.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Dispatch queues msg on its lane, or hands it to the interrupt handlers when
// msg.Lane is interrupt. When the lane is already at capacity its oldest
// message is evicted and reported to the overflow handlers before msg is
// appended. Messages with an unknown lane are dropped and logged.
func (d *Dispatcher) Dispatch(msg bus.LaneMessage) {
	if msg.Lane == bus.LaneInterrupt {
		d.fireInterrupt(msg)
		return
	}

	d.mu.Lock()
	q, ok := d.queues[msg.Lane]
	if !ok {
		d.mu.Unlock()
		slog.Warn("lanes.unknown_lane", "lane", msg.Lane, "id", msg.ID)
		return
	}

	var evicted bus.LaneMessage
	overflowed := len(q) >= d.capacity
	if overflowed {
		evicted = q[0]
		// shift in place so the backing array stays at capacity
		copy(q, q[1:])
		q = q[:len(q)-1]
		d.total--
	}
	d.queues[msg.Lane] = append(q, msg)
	d.total++
	d.mu.Unlock()

	if overflowed {
		d.fireOverflow(msg.Lane, evicted)
	}

	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// Drain returns every queued message in lane priority order (steer, collect,
// followup), FIFO within a lane, and empties all queues.
func (d *Dispatcher) Drain() []bus.LaneMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.total == 0 {
		return nil
	}
	out := make([]bus.LaneMessage, 0, d.total)
	for _, l := range bus.QueuedLanes {
		out = append(out, d.queues[l]...)
		d.queues[l] = d.queues[l][:0]
	}
	d.total = 0
	return out
}

// QueueSize returns the number of messages waiting on lane.
func (d *Dispatcher) QueueSize(lane bus.Lane) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[lane])
}

// TotalQueued returns the number of messages waiting across all lanes.
func (d *Dispatcher) TotalQueued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

func (d *Dispatcher) fireInterrupt(msg bus.LaneMessage) {
	d.hmu.RLock()
	handlers := d.interrupts
	d.hmu.RUnlock()

	for i, h := range handlers {
		func() {
			defer recoverHandler("interrupt", i)
			h(msg)
		}()
	}
}

func (d *Dispatcher) fireOverflow(lane bus.Lane, evicted bus.LaneMessage) {
	d.hmu.RLock()
	handlers := d.overflows
	d.hmu.RUnlock()

	for i, h := range handlers {
		func() {
			defer recoverHandler("overflow", i)
			h(lane, evicted)
		}()
	}
}

func recoverHandler(kind string, index int) {
	if r := recover(); r != nil {
		slog.Error("lanes.handler_panic", "kind", kind, "handler", index, "panic", r)
	}
}
