package events

import (
	"strings"
	"sync"
	"time"
)

// DefaultBufferSize is the per-subscriber cap on undelivered events. When a
// subscriber falls this far behind, the oldest droppable events are discarded
// until the buffer fits; lifecycle events are always retained.
const DefaultBufferSize = 1024

type (
	// Stream is the ordered event log of one execution. Publishes are
	// serialized; each subscriber observes the full backlog followed by live
	// events, both in sequence order.
	Stream struct {
		executionID string
		buffer      int
		now         func() time.Time

		mu       sync.Mutex
		nextSeq  uint64
		backlog  []Event
		subs     map[*Subscription]struct{}
		terminal bool
	}

	// Subscription is one consumer's view of a Stream. Events arrive on C in
	// sequence order. C is closed once the stream is terminal and all pending
	// events have been delivered, or when the subscription itself is closed.
	// Closing a subscription never affects the execution.
	Subscription struct {
		stream *Stream
		out    chan Event
		notify chan struct{}

		mu      sync.Mutex
		pending []Event
		dropped uint64
		closed  bool

		closeOnce sync.Once
		done      chan struct{}
	}
)

// NewStream returns an empty stream for the given execution. A bufferSize of
// zero selects DefaultBufferSize.
func NewStream(executionID string, bufferSize int) *Stream {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Stream{
		executionID: executionID,
		buffer:      bufferSize,
		now:         time.Now,
		subs:        make(map[*Subscription]struct{}),
	}
}

// Publish appends an event to the stream and fans it out to subscribers.
// It assigns the sequence number and timestamp. Publishing after a terminal
// event is a no-op.
func (s *Stream) Publish(kind Kind, nodeID string, payload map[string]any) Event {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return Event{}
	}
	s.nextSeq++
	ev := Event{
		ExecutionID: s.executionID,
		Seq:         s.nextSeq,
		At:          s.now(),
		Kind:        kind,
		NodeID:      nodeID,
		Payload:     payload,
	}
	// Sub-agent emissions carry the agent and task in their payload; promote
	// them so consumers can filter without decoding payloads.
	if strings.HasPrefix(string(kind), "sub.") {
		ev.Agent, _ = payload["agent"].(string)
		ev.Task, _ = payload["task"].(string)
	}
	s.backlog = append(s.backlog, ev)
	if kind.Terminal() {
		s.terminal = true
	}
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.push(ev, s.buffer)
	}
	return ev
}

// Subscribe registers a new consumer. The subscription's channel first
// replays the backlog, then delivers live events.
func (s *Stream) Subscribe() *Subscription {
	sub := &Subscription{
		stream: s,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	sub.pending = append(sub.pending, s.backlog...)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	go sub.pump()
	return sub
}

// Terminal reports whether a terminal event has been published.
func (s *Stream) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Idle reports whether the stream is terminal with no attached subscribers,
// i.e. eligible for garbage collection.
func (s *Stream) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal && len(s.subs) == 0
}

// Backlog returns a copy of all events published so far.
func (s *Stream) Backlog() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.backlog))
	copy(out, s.backlog)
	return out
}

// NodeEmitter returns an Emitter that publishes events attributed to the
// given node.
func (s *Stream) NodeEmitter(nodeID string) Emitter {
	return nodeEmitter{stream: s, nodeID: nodeID}
}

type nodeEmitter struct {
	stream *Stream
	nodeID string
}

func (e nodeEmitter) Emit(kind Kind, payload map[string]any) {
	e.stream.Publish(kind, e.nodeID, payload)
}

func (s *Stream) detach(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// C returns the channel on which events are delivered.
func (sub *Subscription) C() <-chan Event {
	return sub.out
}

// Dropped reports how many droppable events this subscriber lost to
// backpressure.
func (sub *Subscription) Dropped() uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// Close detaches the subscription from the stream. Idempotent.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		sub.stream.detach(sub)
		close(sub.done)
	})
}

func (sub *Subscription) push(ev Event, buffer int) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.pending = append(sub.pending, ev)
	if len(sub.pending) > buffer {
		// Evict the oldest droppable event. If every pending event is a
		// lifecycle event the buffer grows past the cap rather than lose one.
		for i, p := range sub.pending {
			if p.Kind.Droppable() {
				sub.pending = append(sub.pending[:i], sub.pending[i+1:]...)
				sub.dropped++
				break
			}
		}
	}
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *Subscription) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		var (
			ev   Event
			have bool
		)
		if len(sub.pending) > 0 {
			ev = sub.pending[0]
			sub.pending = sub.pending[1:]
			have = true
		}
		closed := sub.closed
		sub.mu.Unlock()

		if have {
			select {
			case sub.out <- ev:
				continue
			case <-sub.done:
				return
			}
		}
		if closed {
			return
		}
		if sub.stream.Terminal() {
			// Drained and the stream is finished.
			sub.mu.Lock()
			empty := len(sub.pending) == 0
			sub.mu.Unlock()
			if empty {
				sub.stream.detach(sub)
				return
			}
			continue
		}
		select {
		case <-sub.notify:
		case <-sub.done:
			return
		}
	}
}
