package trace

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodeflow/nodeflow/telemetry"
)

// DefaultQueueSize is the cap on buffered sink writes. When the queue is
// full, the oldest non-terminal span update is discarded and counted.
const DefaultQueueSize = 256

const sinkWriteTimeout = 5 * time.Second

type (
	// Recorder buffers trace writes and applies them to the Sink from a
	// single background goroutine. Recording methods never block on the sink
	// and never return sink errors; failures are logged and counted.
	Recorder struct {
		sink   Sink
		logger telemetry.Logger
		queue  int

		mu      sync.Mutex
		pending []op
		notify  chan struct{}
		closed  bool

		dropped  atomic.Uint64
		failures atomic.Uint64

		wg sync.WaitGroup
	}

	opKind int

	op struct {
		kind  opKind
		trace Trace
		span  Span
		// flush is signalled once every op enqueued before it has been
		// applied to the sink.
		flush chan struct{}
	}
)

const (
	opTrace opKind = iota
	opSpan
	opFinalize
	opFlush
)

// NewRecorder starts a Recorder over sink. queueSize <= 0 selects
// DefaultQueueSize. Close must be called to stop the background writer.
func NewRecorder(sink Sink, logger telemetry.Logger, queueSize int) *Recorder {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		sink:   sink,
		logger: logger,
		queue:  queueSize,
		notify: make(chan struct{}, 1),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// RecordTrace enqueues the initial trace record.
func (r *Recorder) RecordTrace(t Trace) {
	r.enqueue(op{kind: opTrace, trace: t})
}

// RecordSpan enqueues a span write. Span updates with a terminal status are
// never dropped under backpressure.
func (r *Recorder) RecordSpan(s Span) {
	r.enqueue(op{kind: opSpan, span: s})
}

// FinalizeTrace enqueues the terminal trace record, then flushes the queue
// and waits for all pending writes to reach the sink. The wait is bounded by
// ctx. Sink errors are absorbed; the returned error only reports ctx expiry.
func (r *Recorder) FinalizeTrace(ctx context.Context, t Trace) error {
	r.enqueue(op{kind: opFinalize, trace: t})
	return r.Flush(ctx)
}

// Flush blocks until every previously enqueued write has been applied or ctx
// expires.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	r.enqueue(op{kind: opFlush, flush: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports how many span updates were discarded under backpressure.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Failures reports how many sink writes returned errors.
func (r *Recorder) Failures() uint64 {
	return r.failures.Load()
}

// Close drains the queue and stops the background writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	r.wg.Wait()
}

func (r *Recorder) enqueue(o op) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if o.flush != nil {
			close(o.flush)
		}
		return
	}
	r.pending = append(r.pending, o)
	if len(r.pending) > r.queue {
		// Shed the oldest droppable write: a span update that is still
		// running. Trace records, terminal span updates and flush markers
		// are kept even when it means exceeding the cap.
		for i, p := range r.pending {
			if p.kind == opSpan && p.span.Status == StatusRunning {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				r.dropped.Add(1)
				break
			}
		}
	}
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		var (
			o    op
			have bool
		)
		if len(r.pending) > 0 {
			o = r.pending[0]
			r.pending = r.pending[1:]
			have = true
		}
		closed := r.closed
		r.mu.Unlock()

		if have {
			r.apply(o)
			continue
		}
		if closed {
			return
		}
		<-r.notify
	}
}

func (r *Recorder) apply(o op) {
	if o.kind == opFlush {
		close(o.flush)
		return
	}
	if r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	var err error
	switch o.kind {
	case opTrace:
		err = r.sink.RecordTrace(ctx, o.trace)
	case opSpan:
		err = r.sink.RecordSpan(ctx, o.span)
	case opFinalize:
		err = r.sink.FinalizeTrace(ctx, o.trace)
	}
	if err != nil {
		r.failures.Add(1)
		r.logger.Warn(ctx, "trace sink write failed",
			"kind", int(o.kind),
			"trace_id", o.trace.ID,
			"span_id", o.span.ID,
			"err", err.Error(),
		)
	}
}
