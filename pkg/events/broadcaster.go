package events

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrSinkFull is returned by a sink whose delivery buffer is exhausted.
// The broadcaster responds by dropping the sink, never by blocking.
var ErrSinkFull = errors.New("sink buffer full")

// Sink receives events for one process. Send must not block: a sink that
// cannot accept an event returns ErrSinkFull and is dropped. The broadcaster
// is the sink's single writer.
type Sink interface {
	Send(eventID uint64, payload Payload) error
	Close()
}

// RecentLiner supplies the journaled tail used for subscriber catch-up.
// Implemented by journal.Journal.
type RecentLiner interface {
	RecentLines(processID string) []string
}

// procState is the fan-out state for one process.
type procState struct {
	counter atomic.Uint64

	mu    sync.RWMutex
	sinks map[Sink]struct{}
}

// Broadcaster multiplexes per-process events to any number of live
// subscribers. Event IDs are strictly monotonic and contiguous per process,
// starting at 1.
type Broadcaster struct {
	catchup RecentLiner

	mu    sync.RWMutex
	procs map[string]*procState

	dropped atomic.Int64
}

// NewBroadcaster creates a broadcaster. catchup may be nil to disable
// resume catch-up.
func NewBroadcaster(catchup RecentLiner) *Broadcaster {
	return &Broadcaster{
		catchup: catchup,
		procs:   make(map[string]*procState),
	}
}

// Subscribe registers a sink for a process's events.
func (b *Broadcaster) Subscribe(processID string, sink Sink) {
	st := b.proc(processID)
	st.mu.Lock()
	st.sinks[sink] = struct{}{}
	st.mu.Unlock()
}

// Unsubscribe removes a sink. The sink is not closed; callers that own the
// sink close it themselves.
func (b *Broadcaster) Unsubscribe(processID string, sink Sink) {
	st := b.lookup(processID)
	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.sinks, sink)
	st.mu.Unlock()
}

// SubscribeFrom registers a sink, first replaying the journaled tail as
// catch-up when the subscriber's lastEventID is behind the process's current
// event ID. Catch-up lines are assigned fresh monotonic IDs; because the ring
// is not keyed by event ID, replayed content may duplicate what the client
// already saw. The proc lock is held across replay and registration so no
// live event can interleave between the two.
func (b *Broadcaster) SubscribeFrom(processID string, lastEventID uint64, sink Sink) {
	st := b.proc(processID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if b.catchup != nil && lastEventID < st.counter.Load() {
		for _, line := range b.catchup.RecentLines(processID) {
			id := st.counter.Add(1)
			if err := sink.Send(id, LogPayload(line)); err != nil {
				slog.Warn("Dropping subscriber during catch-up", "process_id", processID, "error", err)
				sink.Close()
				b.dropped.Add(1)
				return
			}
		}
	}
	st.sinks[sink] = struct{}{}
}

// Current returns the highest event ID issued so far for a process.
func (b *Broadcaster) Current(processID string) uint64 {
	st := b.lookup(processID)
	if st == nil {
		return 0
	}
	return st.counter.Load()
}

// Publish issues the next event ID for a process and delivers the payload to
// every current subscriber in one step, returning the issued ID. The ID draw
// and the fan-out happen under the proc lock, so a subscriber registering in
// SubscribeFrom can never observe a live event with a lower ID than its
// catch-up replay. Sinks never block: one that signals a full buffer is
// closed, removed, and counted.
func (b *Broadcaster) Publish(processID string, payload Payload) uint64 {
	st := b.proc(processID)
	st.mu.Lock()
	defer st.mu.Unlock()

	id := st.counter.Add(1)
	for sink := range st.sinks {
		if err := sink.Send(id, payload); err == nil {
			continue
		}
		delete(st.sinks, sink)
		sink.Close()
		b.dropped.Add(1)
		slog.Warn("Dropped slow subscriber", "process_id", processID)
	}
	return id
}

// SubscriberCount returns the number of live subscribers for a process.
func (b *Broadcaster) SubscriberCount(processID string) int {
	st := b.lookup(processID)
	if st == nil {
		return 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sinks)
}

// Dropped returns the total number of subscribers dropped for backpressure.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// CloseProcess closes and removes every subscriber of a process. Called when
// the process's output stream ends.
func (b *Broadcaster) CloseProcess(processID string) {
	st := b.lookup(processID)
	if st == nil {
		return
	}
	st.mu.Lock()
	sinks := st.sinks
	st.sinks = make(map[Sink]struct{})
	st.mu.Unlock()
	for sink := range sinks {
		sink.Close()
	}
}

// Shutdown closes every subscriber of every process and drops all state.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	procs := b.procs
	b.procs = make(map[string]*procState)
	b.mu.Unlock()

	for _, st := range procs {
		st.mu.Lock()
		for sink := range st.sinks {
			sink.Close()
		}
		st.sinks = make(map[Sink]struct{})
		st.mu.Unlock()
	}
}

func (b *Broadcaster) proc(processID string) *procState {
	b.mu.RLock()
	st := b.procs[processID]
	b.mu.RUnlock()
	if st != nil {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st = b.procs[processID]; st == nil {
		st = &procState{sinks: make(map[Sink]struct{})}
		b.procs[processID] = st
	}
	return st
}

func (b *Broadcaster) lookup(processID string) *procState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.procs[processID]
}
