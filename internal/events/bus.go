// ABOUTME: In-process event bus with separate telemetry and terminal queues.
// ABOUTME: Telemetry drops the oldest event when full; terminal events are never dropped.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harperreed/healthsync/internal/logging"
)

// Handler consumes one event.
type Handler func(ctx context.Context, e Event)

// Options configures a Bus.
type Options struct {
	TelemetryBuffer int
	TerminalBuffer  int
	// TerminalTimeout bounds how long Publish blocks on a full terminal queue.
	TerminalTimeout time.Duration
	Logger          *slog.Logger
}

// Bus carries events from publishers to the handlers passed to Run.
// A nil *Bus discards everything.
type Bus struct {
	telemetry chan Event
	terminal  chan Event
	timeout   time.Duration
	logger    *slog.Logger

	dropMu  sync.Mutex
	dropped atomic.Int64

	overflowMu sync.Mutex
	overflow   []Event
	wake       chan struct{}
}

// NewBus creates a bus with defaults for zero options.
func NewBus(opts Options) *Bus {
	if opts.TelemetryBuffer <= 0 {
		opts.TelemetryBuffer = 256
	}
	if opts.TerminalBuffer <= 0 {
		opts.TerminalBuffer = 64
	}
	if opts.TerminalTimeout <= 0 {
		opts.TerminalTimeout = 5 * time.Second
	}
	return &Bus{
		telemetry: make(chan Event, opts.TelemetryBuffer),
		terminal:  make(chan Event, opts.TerminalBuffer),
		timeout:   opts.TerminalTimeout,
		logger:    logging.OrDefault(opts.Logger).With(logging.Component("events")),
		wake:      make(chan struct{}, 1),
	}
}

// Publish enqueues e without blocking on telemetry.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.Type.Terminal() {
		b.publishTerminal(e)
		return
	}
	b.publishTelemetry(e)
}

func (b *Bus) publishTelemetry(e Event) {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	for {
		select {
		case b.telemetry <- e:
			return
		default:
		}
		select {
		case <-b.telemetry:
			b.dropped.Add(1)
		default:
		}
	}
}

// publishTerminal blocks up to the timeout; after that the event waits in an
// unbounded overflow list that Run drains first.
func (b *Bus) publishTerminal(e Event) {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.terminal <- e:
	case <-timer.C:
		b.logger.Warn("terminal event queue full, holding event",
			slog.String("type", string(e.Type)), slog.String(logging.KeySession, e.SessionID))
		b.overflowMu.Lock()
		b.overflow = append(b.overflow, e)
		b.overflowMu.Unlock()
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// Dropped returns how many telemetry events were discarded.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Bus) takeOverflow() []Event {
	b.overflowMu.Lock()
	defer b.overflowMu.Unlock()
	out := b.overflow
	b.overflow = nil
	return out
}

// Run dispatches events to handlers until ctx is done, then delivers whatever
// is still queued. Telemetry is drained before terminal events so a session's
// sync_completed follows its metric events.
func (b *Bus) Run(ctx context.Context, handlers ...Handler) error {
	dispatch := func(e Event) {
		for _, h := range handlers {
			h(ctx, e)
		}
	}

	for {
		for _, e := range b.takeOverflow() {
			dispatch(e)
		}
		select {
		case e := <-b.telemetry:
			dispatch(e)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			b.drain(dispatch)
			return ctx.Err()
		case e := <-b.telemetry:
			dispatch(e)
		case e := <-b.terminal:
			dispatch(e)
		case <-b.wake:
		}
	}
}

func (b *Bus) drain(dispatch func(Event)) {
	for {
		select {
		case e := <-b.telemetry:
			dispatch(e)
			continue
		default:
		}
		select {
		case e := <-b.terminal:
			dispatch(e)
			continue
		default:
		}
		overflow := b.takeOverflow()
		if len(overflow) == 0 {
			return
		}
		for _, e := range overflow {
			dispatch(e)
		}
	}
}
