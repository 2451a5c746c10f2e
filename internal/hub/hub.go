// Package hub implements the per-source aggregator: it folds the codec's
// Records into the authoritative cache, classifies each one as
// INSERT/UPDATE/DELETE, and broadcasts the result to every subscriber with
// an atomic snapshot-then-tail handoff for late joiners. It also owns the
// source pipeline's lifecycle, an IDLE→CONNECTING→STREAMING→STOPPING→
// DISPOSED state machine.
package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tycoworks/tycostream/internal/cache"
	"github.com/tycoworks/tycostream/internal/catalog"
	"github.com/tycoworks/tycostream/internal/event"
	"github.com/tycoworks/tycostream/internal/pipelineerr"
	"github.com/tycoworks/tycostream/internal/wire"
)

// State is one of the five pipeline lifecycle states. Transitions are
// strictly forward.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Stopping
	Disposed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Streaming:
		return "STREAMING"
	case Stopping:
		return "STOPPING"
	case Disposed:
		return "DISPOSED"
	default:
		return "UNKNOWN"
	}
}

// Starter is the subset of internal/subscriber.Subscriber the hub drives.
// Kept as an interface so hub tests can feed records without a real DB.
type Starter interface {
	Start(onRecord func(wire.Record), onError func(error)) error
	Stop()
}

// subscription is one attached subscriber's delivery buffer.
type subscription struct {
	ch     chan event.RowUpdateEvent
	errCh  chan error
	closed bool
}

// Hub is the per-source aggregator. One Hub exists per configured source
// for the lifetime of its pipeline (owned by internal/registry).
type Hub struct {
	def        *catalog.SourceDefinition
	subscriber Starter
	logger     zerolog.Logger

	onDisposed func()

	mu        sync.Mutex
	state     State
	cache     *cache.Cache
	latestTs  uint64
	subs      map[int]*subscription
	nextSubID int
}

// New constructs a Hub for a source. The subscriber is not started until
// the first Subscribe call.
func New(def *catalog.SourceDefinition, subscriber Starter, logger zerolog.Logger, onDisposed func()) *Hub {
	return &Hub{
		def:        def,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "hub").Str("source", def.Name()).Logger(),
		onDisposed: onDisposed,
		state:      Idle,
		cache:      cache.New(def.PrimaryKeyField()),
		subs:       make(map[int]*subscription),
	}
}

// State returns the current lifecycle state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PrimaryKeyField returns the source's primary key column name, needed by
// views and triggers to key their visibility sets.
func (h *Hub) PrimaryKeyField() string {
	return h.def.PrimaryKeyField()
}

// Subscribe attaches a new subscriber and returns a channel of events and a
// channel that receives at most one terminal error. The snapshot INSERTs
// are queued in the buffer and the buffer is registered for broadcasts in
// the same critical section, so every snapshot INSERT precedes every tail
// event and the snapshot reflects exactly the cache state at that instant.
//
// skipSnapshot is used by triggers to avoid firing on historical state on
// restart.
func (h *Hub) Subscribe(skipSnapshot bool) (<-chan event.RowUpdateEvent, <-chan error, func(), error) {
	h.mu.Lock()

	needsStart := false
	switch h.state {
	case Stopping, Disposed:
		h.mu.Unlock()
		return nil, nil, nil, pipelineerr.Wrap("hub.Subscribe", pipelineerr.ErrShuttingDown, h.def.Name())
	case Idle:
		h.state = Connecting
		needsStart = true
	}

	// Snapshot queued while still holding the lock, ahead of any broadcast:
	// the fold loop broadcasts under this same lock, so every event it
	// delivers to sub.ch after registration lands behind the snapshot. The
	// buffer is sized so queuing the snapshot never blocks.
	var rows map[string]wire.Row
	if !skipSnapshot {
		rows = h.cache.AllRows()
	}
	sub := &subscription{
		ch:    make(chan event.RowUpdateEvent, len(rows)+1024),
		errCh: make(chan error, 1),
	}
	fields := event.FieldSet(h.def.FieldNames()...)
	for _, row := range rows {
		sub.ch <- event.RowUpdateEvent{Kind: event.Insert, Fields: fields, Row: row}
	}
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = sub

	h.mu.Unlock()

	if needsStart {
		if err := h.start(); err != nil {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			return nil, nil, nil, pipelineerr.Wrap("hub.Subscribe", err, "subscriber startup failed")
		}
	}

	cancel := func() { h.unsubscribe(id) }
	return sub.ch, sub.errCh, cancel, nil
}

// unsubscribe detaches a subscriber. Safe to call concurrently with
// broadcast; idempotent.
func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	h.closeSub(sub)

	if len(h.subs) == 0 && h.state == Streaming {
		h.disposeLocked()
	}
}

func (h *Hub) closeSub(sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	close(sub.errCh)
}

// start launches the subscriber. Startup failures propagate synchronously
// to the caller of the first Subscribe and dispose the hub.
func (h *Hub) start() error {
	err := h.subscriber.Start(h.onRecord, h.onSubscriberError)
	h.mu.Lock()
	if err != nil {
		h.disposeLocked()
		h.mu.Unlock()
		return err
	}
	h.state = Streaming
	h.mu.Unlock()
	return nil
}

// onRecord is the single-writer fold loop. It is invoked exclusively by the
// subscriber's reader goroutine for this hub.
func (h *Hub) onRecord(rec wire.Record) {
	h.mu.Lock()

	if rec.Timestamp < h.latestTs {
		h.mu.Unlock()
		h.fail(pipelineerr.Wrap("hub.onRecord", pipelineerr.ErrTimestampRegression,
			h.def.Name()))
		return
	}

	pkField := h.def.PrimaryKeyField()
	prior, hadPrior := h.cache.GetByRow(rec.Row)

	full := mergeRows(prior, rec.Row)

	var evt event.RowUpdateEvent
	switch {
	case rec.Op == wire.OpDelete:
		evt = event.RowUpdateEvent{
			Kind:   event.Delete,
			Fields: event.FieldSet(pkField),
			Row:    full,
		}
		h.cache.Delete(rec.Row)
	case !hadPrior:
		evt = event.RowUpdateEvent{
			Kind:   event.Insert,
			Fields: event.FieldSet(h.def.FieldNames()...),
			Row:    full,
		}
		h.cache.Set(rec.Row)
	default:
		changed := changedFields(prior, full, pkField)
		evt = event.RowUpdateEvent{
			Kind:   event.Update,
			Fields: changed,
			Row:    full,
		}
		h.cache.Set(rec.Row)
	}

	h.latestTs = rec.Timestamp

	// Broadcast under the same lock that guards latestTs and the
	// subscriber list.
	for _, sub := range h.subs {
		h.deliver(sub, evt)
	}
	h.mu.Unlock()
}

// deliver sends evt to sub, terminating only that subscriber with
// SLOW_CONSUMER if its buffer is full — never blocking the fold loop and
// never dropping silently.
func (h *Hub) deliver(sub *subscription, evt event.RowUpdateEvent) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- evt:
	default:
		select {
		case sub.errCh <- pipelineerr.Wrap("hub.deliver", pipelineerr.ErrSlowConsumer, h.def.Name()):
		default:
		}
		h.closeSub(sub)
	}
}

// onSubscriberError handles a runtime subscriber failure: broadcast to
// every subscriber, then dispose.
func (h *Hub) onSubscriberError(err error) {
	h.fail(pipelineerr.Wrap("subscriber", err, h.def.Name()))
}

func (h *Hub) fail(err error) {
	h.logger.Error().Err(err).Msg("source pipeline failing fast")

	h.mu.Lock()
	for _, sub := range h.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.errCh <- err:
		default:
		}
	}
	h.disposeLocked()
	h.mu.Unlock()
}

// disposeLocked transitions STREAMING→STOPPING→DISPOSED, stops the
// subscriber, clears the cache, and completes all pending buffers. Caller
// must hold h.mu.
func (h *Hub) disposeLocked() {
	if h.state == Disposed {
		return
	}
	h.state = Stopping
	h.subscriber.Stop()
	h.cache.Clear()
	for id, sub := range h.subs {
		h.closeSub(sub)
		delete(h.subs, id)
	}
	h.state = Disposed

	if h.onDisposed != nil {
		onDisposed := h.onDisposed
		go onDisposed()
	}
}

// mergeRows overlays incoming fields on top of prior: incoming fields
// override, which enriches partial DELETE and partial UPDATE inputs.
func mergeRows(prior wire.Row, incoming wire.Row) wire.Row {
	full := make(wire.Row, len(prior)+len(incoming))
	for k, v := range prior {
		full[k] = v
	}
	for k, v := range incoming {
		full[k] = v
	}
	return full
}

// changedFields computes the UPDATE fields set: always the primary key,
// plus every field whose value differs between prior and full.
func changedFields(prior wire.Row, full wire.Row, pkField string) map[string]struct{} {
	changed := map[string]struct{}{pkField: {}}
	for f, v := range full {
		if pv, ok := prior[f]; !ok || !valuesEqual(pv, v) {
			changed[f] = struct{}{}
		}
	}
	return changed
}

func valuesEqual(a, b any) bool {
	return a == b
}
