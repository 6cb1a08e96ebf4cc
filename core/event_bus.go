package core

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// OverflowPolicy decides what happens when a subscriber queue is at capacity.
type OverflowPolicy int

const (
	// OverflowBlock waits for queue space up to the block timeout, then drops.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropOldest evicts the oldest queued event to make room.
	OverflowDropOldest
	// OverflowDropNew discards the incoming event.
	OverflowDropNew
)

// String returns the string representation of the policy
func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowDropOldest:
		return "drop_oldest"
	case OverflowDropNew:
		return "drop_new"
	default:
		return "unknown"
	}
}

// EventHandler processes a delivered event. Errors and panics inside handlers
// are captured by the bus and never propagate to the emitter.
type EventHandler func(Event)

// SubscribeOptions configures a single subscription.
type SubscribeOptions struct {
	// QueueCapacity bounds the per-subscriber delivery queue.
	QueueCapacity int
	// Overflow selects the at-capacity policy. Default is block with timeout.
	Overflow OverflowPolicy
	// BlockTimeout bounds OverflowBlock waits. Zero uses the bus default.
	BlockTimeout time.Duration
	// CoalesceWindow, when positive, collapses bursts of normal-priority
	// events of the same type into the latest one observed in the window.
	CoalesceWindow time.Duration
}

// EventBusConfig holds configuration for the event bus.
type EventBusConfig struct {
	// HistoryLimit bounds retained events per type. Oldest are dropped first.
	HistoryLimit int
	// DefaultQueueCapacity applies when SubscribeOptions leaves it zero.
	DefaultQueueCapacity int
	// DefaultBlockTimeout applies when SubscribeOptions leaves it zero.
	DefaultBlockTimeout time.Duration
	// PressureTripAfter opens the registered breaker hook when a subscriber
	// stays over its high-water mark for longer than this.
	PressureTripAfter time.Duration
	// DrainTimeout bounds how long Stop waits for delivery queues to empty.
	DrainTimeout time.Duration
	// Logger for bus lifecycle and delivery failures.
	Logger Logger
}

// DefaultEventBusConfig returns production-ready defaults.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		HistoryLimit:         256,
		DefaultQueueCapacity: 64,
		DefaultBlockTimeout:  time.Second,
		PressureTripAfter:    5 * time.Second,
		DrainTimeout:         2 * time.Second,
		Logger:               &NoOpLogger{},
	}
}

type subscriber struct {
	id      string
	types   map[EventType]struct{}
	handler EventHandler
	opts    SubscribeOptions
	queue   chan Event
	done    chan struct{}
	closed  sync.Once

	// Pressure tracking. overPressure flips once when the high-water mark is
	// crossed so a burst does not emit a pressure event per enqueue.
	overPressure  atomic.Bool
	pressureSince atomic.Int64 // unix nanos, 0 when not under pressure
	dropped       atomic.Uint64
}

func (s *subscriber) wants(t EventType) bool {
	_, ok := s.types[t]
	return ok
}

// EventBus delivers typed events to subscribers in emission order per type.
// One internal delivery goroutine runs per subscriber, which is what gives
// the per-subscriber ordering guarantee.
type EventBus struct {
	config EventBusConfig
	logger Logger

	mu   sync.RWMutex
	subs map[string]*subscriber

	histMu  sync.Mutex
	history map[EventType][]Event

	running  atomic.Bool
	wg       sync.WaitGroup
	tripMu   sync.Mutex
	tripFunc func(reason string)

	emitted atomic.Uint64
}

// NewEventBus creates a stopped event bus. Call Start before emitting.
func NewEventBus(config EventBusConfig) *EventBus {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 256
	}
	if config.DefaultQueueCapacity <= 0 {
		config.DefaultQueueCapacity = 64
	}
	if config.DefaultBlockTimeout <= 0 {
		config.DefaultBlockTimeout = time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoOpLogger{}
	}
	return &EventBus{
		config:  config,
		logger:  config.Logger,
		subs:    make(map[string]*subscriber),
		history: make(map[EventType][]Event),
	}
}

// SetPressureTrip registers the hook invoked on persistent subscriber
// overflow. The resilience registry wires this to the event_bus breaker.
func (b *EventBus) SetPressureTrip(fn func(reason string)) {
	b.tripMu.Lock()
	b.tripFunc = fn
	b.tripMu.Unlock()
}

// Start makes the bus accept emissions. Idempotent start is an error so
// lifecycle bugs surface early.
func (b *EventBus) Start() error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	b.logger.Info("Event bus started", map[string]interface{}{
		"operation":     "event_bus_start",
		"history_limit": b.config.HistoryLimit,
	})
	return nil
}

// Stop drains delivery queues with a bounded timeout. Handlers invoked after
// stop are no-ops; emissions after stop fail with ErrBusStopped.
func (b *EventBus) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}

	deadline := time.Now().Add(b.config.DrainTimeout)
	for {
		if b.queuedTotal() == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.mu.Lock()
	remaining := b.queuedLocked()
	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.config.DrainTimeout):
		b.logger.Warn("Event bus stopped before all delivery tasks exited", map[string]interface{}{
			"operation": "event_bus_stop",
		})
	}

	b.logger.Info("Event bus stopped", map[string]interface{}{
		"operation":      "event_bus_stop",
		"undelivered":    remaining,
		"events_emitted": b.emitted.Load(),
	})
}

func (s *subscriber) close() {
	s.closed.Do(func() { close(s.done) })
}

func (b *EventBus) queuedTotal() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queuedLocked()
}

func (b *EventBus) queuedLocked() int {
	total := 0
	for _, sub := range b.subs {
		total += len(sub.queue)
	}
	return total
}

// Subscribe registers a handler for one or more event types and returns the
// subscription id. The handler runs on a dedicated delivery goroutine.
func (b *EventBus) Subscribe(handler EventHandler, opts SubscribeOptions, types ...EventType) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("subscribe requires a handler: %w", ErrInvalidConfiguration)
	}
	if len(types) == 0 {
		return "", fmt.Errorf("subscribe requires at least one event type: %w", ErrInvalidConfiguration)
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = b.config.DefaultQueueCapacity
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = b.config.DefaultBlockTimeout
	}

	sub := &subscriber{
		id:      uuid.New().String(),
		types:   make(map[EventType]struct{}, len(types)),
		handler: handler,
		opts:    opts,
		queue:   make(chan Event, opts.QueueCapacity),
		done:    make(chan struct{}),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(sub)

	b.logger.Debug("Subscription registered", map[string]interface{}{
		"operation":       "event_bus_subscribe",
		"subscription_id": sub.id,
		"queue_capacity":  opts.QueueCapacity,
		"overflow_policy": opts.Overflow.String(),
	})
	return sub.id, nil
}

// Unsubscribe removes a subscription. Idempotent: unknown ids are a no-op.
func (b *EventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if ok {
		delete(b.subs, subscriptionID)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Emit enqueues an event of the given type. It reports whether every
// interested subscriber accepted the event; a drop on any subscriber makes
// the result false without affecting the others.
func (b *EventBus) Emit(eventType EventType, data map[string]interface{}) (bool, error) {
	return b.EmitEvent(Event{Type: eventType, Data: data, Priority: PriorityNormal})
}

// EmitHigh enqueues a high-priority event, which bypasses coalescing.
func (b *EventBus) EmitHigh(eventType EventType, data map[string]interface{}) (bool, error) {
	return b.EmitEvent(Event{Type: eventType, Data: data, Priority: PriorityHigh})
}

// EmitEvent enqueues a fully-formed event.
func (b *EventBus) EmitEvent(ev Event) (bool, error) {
	if !b.running.Load() {
		return false, ErrBusStopped
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.emitted.Add(1)
	b.appendHistory(ev)

	b.mu.RLock()
	targets := make([]*subscriber, 0, 4)
	for _, sub := range b.subs {
		if sub.wants(ev.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	accepted := true
	for _, sub := range targets {
		if !b.enqueue(sub, ev.copyData()) {
			accepted = false
		}
	}
	return accepted, nil
}

// enqueue applies the subscriber's overflow policy. Returns false on drop.
func (b *EventBus) enqueue(sub *subscriber, ev Event) bool {
	b.observePressure(sub, ev.Type)

	switch sub.opts.Overflow {
	case OverflowDropOldest:
		for {
			select {
			case sub.queue <- ev:
				return true
			default:
			}
			select {
			case <-sub.queue:
				sub.dropped.Add(1)
			default:
			}
		}
	case OverflowDropNew:
		select {
		case sub.queue <- ev:
			return true
		default:
			sub.dropped.Add(1)
			return false
		}
	default: // OverflowBlock
		select {
		case sub.queue <- ev:
			return true
		default:
		}
		timer := time.NewTimer(sub.opts.BlockTimeout)
		defer timer.Stop()
		select {
		case sub.queue <- ev:
			return true
		case <-sub.done:
			return false
		case <-timer.C:
			sub.dropped.Add(1)
			return false
		}
	}
}

// observePressure tracks the per-subscriber high-water mark. Crossing it
// emits EVENT_BUS_PRESSURE exactly once per pressure episode; staying over
// it past PressureTripAfter fires the breaker hook.
func (b *EventBus) observePressure(sub *subscriber, incoming EventType) {
	if incoming == EventBusPressure {
		return
	}
	highWater := (cap(sub.queue) * 4) / 5
	if highWater < 1 {
		highWater = 1
	}
	if len(sub.queue) < highWater {
		if sub.overPressure.CompareAndSwap(true, false) {
			sub.pressureSince.Store(0)
		}
		return
	}

	now := time.Now()
	if sub.overPressure.CompareAndSwap(false, true) {
		sub.pressureSince.Store(now.UnixNano())
		b.logger.Warn("Subscriber queue over high-water mark", map[string]interface{}{
			"operation":       "event_bus_pressure",
			"subscription_id": sub.id,
			"queue_len":       len(sub.queue),
			"queue_cap":       cap(sub.queue),
		})
		//nolint:errcheck // pressure reporting is best-effort
		b.EmitEvent(Event{
			Type:     EventBusPressure,
			Priority: PriorityHigh,
			Data: map[string]interface{}{
				"subscription_id": sub.id,
				"queue_len":       len(sub.queue),
				"queue_cap":       cap(sub.queue),
			},
		})
		return
	}

	since := sub.pressureSince.Load()
	if since == 0 || b.config.PressureTripAfter <= 0 {
		return
	}
	if now.Sub(time.Unix(0, since)) > b.config.PressureTripAfter {
		b.tripMu.Lock()
		trip := b.tripFunc
		b.tripMu.Unlock()
		if trip != nil {
			sub.pressureSince.Store(now.UnixNano())
			trip(fmt.Sprintf("persistent overflow on subscription %s", sub.id))
		}
	}
}

// deliver is the per-subscriber delivery loop.
func (b *EventBus) deliver(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			if sub.opts.CoalesceWindow > 0 && ev.Priority != PriorityHigh {
				ev = b.coalesce(sub, ev)
			}
			if !b.running.Load() {
				// Handlers invoked after stop are no-ops.
				continue
			}
			b.invoke(sub, ev)
		}
	}
}

// coalesce keeps draining same-type events arriving within the window and
// delivers only the latest. High-priority events terminate the window early
// and are delivered separately in order.
func (b *EventBus) coalesce(sub *subscriber, first Event) Event {
	latest := first
	timer := time.NewTimer(sub.opts.CoalesceWindow)
	defer timer.Stop()
	for {
		select {
		case next := <-sub.queue:
			if next.Type != latest.Type || next.Priority == PriorityHigh {
				b.invoke(sub, latest)
				return next
			}
			latest = next
		case <-timer.C:
			return latest
		case <-sub.done:
			return latest
		}
	}
}

// invoke runs the handler, converting panics into ERROR_OCCURRED events.
// Handler failures never propagate to the emitter.
func (b *EventBus) invoke(sub *subscriber, ev Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		stack := debug.Stack()
		b.logger.Error("Event handler panicked", map[string]interface{}{
			"operation":       "event_handler_panic",
			"subscription_id": sub.id,
			"event_type":      string(ev.Type),
			"panic":           fmt.Sprintf("%v", r),
			"stack":           string(stack),
		})
		if ev.Type != EventErrorOccurred {
			//nolint:errcheck // failure reporting is best-effort
			b.Emit(EventErrorOccurred, map[string]interface{}{
				"source":          "event_bus",
				"subscription_id": sub.id,
				"event_type":      string(ev.Type),
				"error":           fmt.Sprintf("handler panic: %v", r),
			})
		}
	}()
	sub.handler(ev)
}

// HistoryQuery filters GetHistory results. Zero values match everything.
type HistoryQuery struct {
	Type  EventType
	Since time.Time
	Limit int
}

// GetHistory returns retained events matching the query in emission order.
func (b *EventBus) GetHistory(q HistoryQuery) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	var out []Event
	appendMatching := func(events []Event) {
		for _, ev := range events {
			if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
				continue
			}
			out = append(out, ev)
		}
	}
	if q.Type != "" {
		appendMatching(b.history[q.Type])
	} else {
		for _, events := range b.history {
			appendMatching(events)
		}
		sortEventsByTime(out)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

func (b *EventBus) appendHistory(ev Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	events := append(b.history[ev.Type], ev.copyData())
	if len(events) > b.config.HistoryLimit {
		events = events[len(events)-b.config.HistoryLimit:]
	}
	b.history[ev.Type] = events
}

// DroppedCount reports drops observed on a subscription, for monitoring.
func (b *EventBus) DroppedCount(subscriptionID string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subs[subscriptionID]; ok {
		return sub.dropped.Load()
	}
	return 0
}

func sortEventsByTime(events []Event) {
	// Insertion sort: history slices are small and mostly ordered already.
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp.Before(events[j-1].Timestamp); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}
