// Package telemetry carries decision records off the hot path. The engine
// enqueues one event per decision and returns immediately; a background
// dispatcher delivers events to the configured sinks. Telemetry failures are
// observable (drop counters, alerts) but never affect verdicts.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// Event is one decision record as emitted to sinks.
type Event struct {
	DecisionID  string               `json:"decision_id"`
	IssuedAt    time.Time            `json:"issued_at"`
	Verdict     verdict.Verdict      `json:"verdict"`
	Score       float64              `json:"score"`
	ReasonCodes []string             `json:"reason_codes,omitempty"`
	ActionClass string               `json:"action_class"`
	ContextTags []string             `json:"context_tags,omitempty"`
	Severity    descriptor.Severity  `json:"severity"`
	Epistemic   descriptor.Epistemic `json:"epistemic"`
	SessionID   string               `json:"session_id,omitempty"`
	BundleHash  string               `json:"bundle_hash"`
	TraceHash   string               `json:"trace_hash"`
	LatencyUS   int64                `json:"latency_us"`
}

// Sink receives events. Implementations must be safe for use from a single
// dispatcher goroutine; they do not need to be re-entrant.
type Sink interface {
	Write(ctx context.Context, ev Event) error
	Close() error
}

// DefaultQueueDepth bounds the dispatcher queue. When full, the oldest
// event is dropped so the producer never blocks.
const DefaultQueueDepth = 4096

// Dispatcher fans events out to sinks from a background goroutine.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	logger  *slog.Logger
	alerts  *rate.Limiter
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool

	mu      sync.Mutex
	dropped uint64
}

// NewDispatcher starts a dispatcher over the given sinks. depth <= 0 uses
// DefaultQueueDepth.
func NewDispatcher(depth int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		queue:  make(chan Event, depth),
		sinks:  sinks,
		logger: logger,
		// At most one drop alert per 10s, so a sustained overload does
		// not flood the log.
		alerts: rate.NewLimiter(rate.Every(10*time.Second), 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue hands an event to the dispatcher without blocking. When the
// queue is full the oldest queued event is discarded to make room.
func (d *Dispatcher) Enqueue(ev Event) {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		d.recordDrop()
		return
	}
	for {
		select {
		case d.queue <- ev:
			return
		default:
		}
		select {
		case <-d.queue:
			d.recordDrop()
		default:
		}
	}
}

// Dropped reports how many events have been discarded since start.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close stops the dispatcher, flushes the queue and closes all sinks.
func (d *Dispatcher) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()

	<-d.done

	var firstErr error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ctx := context.Background()
	for ev := range d.queue {
		for _, s := range d.sinks {
			if err := s.Write(ctx, ev); err != nil {
				d.logger.Warn("telemetry sink write failed",
					"decision_id", ev.DecisionID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) recordDrop() {
	d.mu.Lock()
	d.dropped++
	n := d.dropped
	d.mu.Unlock()
	if d.alerts.Allow() {
		d.logger.Warn("telemetry queue overflow, dropping oldest", "dropped_total", n)
	}
}

// FileSink appends events as JSON lines to a writer.
type FileSink struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	enc *json.Encoder
}

// NewFileSink wraps a writer. If w also implements io.Closer it is closed
// with the sink.
func NewFileSink(w io.Writer) *FileSink {
	s := &FileSink{w: w, enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

func (s *FileSink) Write(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}
