package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
	"golang.org/x/sync/errgroup"
)

// Config tunes the dispatcher queue and workers.
type Config struct {
	QueueSize    int
	Workers      int
	SendTimeout  time.Duration
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}

// BuildFunc composes an event at dispatch time. Returning an error or a nil event skips it.
type BuildFunc func(ctx context.Context) (*v1.TrackedEvent, error)

// Dispatcher is the best-effort delivery primitive: Dispatch enqueues without blocking
// and never guarantees that the event reaches any sink.
type Dispatcher struct {
	sinks   []Sink
	journal storage.EventJournal
	cfg     Config
	queue   chan *v1.TrackedEvent
	now     func() time.Time

	mu       sync.RWMutex
	stopping bool // no new deferred builds
	closed   bool // queue closed
	pending  sync.WaitGroup
}

// NewDispatcher builds a dispatcher over sinks. journal may be nil.
func NewDispatcher(cfg Config, journal storage.EventJournal, sinks ...Sink) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		sinks:   sinks,
		journal: journal,
		cfg:     cfg,
		queue:   make(chan *v1.TrackedEvent, cfg.QueueSize),
		now:     time.Now,
	}
}

// Sinks returns the names of the configured sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dispatch enqueues evt for delivery and reports whether it was accepted.
// A full or closed queue drops the event.
func (d *Dispatcher) Dispatch(evt *v1.TrackedEvent) bool {
	if evt == nil {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		QueueDropped.WithLabelValues("closed").Inc()
		slog.Warn("[Dispatcher] Dropped event, dispatcher closed",
			"event_name", evt.EventName,
			"event_id", evt.EventID)
		return false
	}

	select {
	case d.queue <- evt:
		QueueDepth.Inc()
		return true
	default:
		QueueDropped.WithLabelValues("full").Inc()
		slog.Warn("[Dispatcher] Dropped event, queue full",
			"event_name", evt.EventName,
			"event_id", evt.EventID,
			"queue_size", d.cfg.QueueSize)
		return false
	}
}

// DispatchAfter runs build after delay and enqueues the result.
// Used when the event must read state that only settles after the page has loaded.
func (d *Dispatcher) DispatchAfter(delay time.Duration, build BuildFunc) {
	d.mu.RLock()
	stopping := d.stopping
	if !stopping {
		d.pending.Add(1)
	}
	d.mu.RUnlock()

	if stopping {
		QueueDropped.WithLabelValues("closed").Inc()
		return
	}

	time.AfterFunc(delay, func() {
		defer d.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[Dispatcher] Deferred build panicked", "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
		defer cancel()

		evt, err := build(ctx)
		if err != nil {
			slog.Warn("[Dispatcher] Deferred event skipped", "error", err)
			return
		}
		d.Dispatch(evt)
	})
}

// Deliver sends evt to every sink concurrently and waits for all of them.
// A failing or panicking sink does not affect the others.
func (d *Dispatcher) Deliver(ctx context.Context, evt *v1.TrackedEvent) []Result {
	results := make([]Result, len(d.sinks))

	var g errgroup.Group
	for i, sink := range d.sinks {
		g.Go(func() error {
			results[i] = d.send(ctx, sink, evt)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		d.record(ctx, evt, res)
	}
	return results
}

func (d *Dispatcher) send(ctx context.Context, sink Sink, evt *v1.TrackedEvent) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Dispatcher] Sink panicked",
				"sink", sink.Name(),
				"event_id", evt.EventID,
				"panic", r)
			res = failure(sink.Name(), fmt.Sprintf("sink panicked: %v", r))
		}
		res.Sink = sink.Name()

		status := "success"
		if !res.Success {
			status = "failure"
		}
		EventsDispatched.WithLabelValues(string(evt.EventName), sink.Name(), status).Inc()
		SinkDuration.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	return sink.Send(sendCtx, evt)
}

func (d *Dispatcher) record(ctx context.Context, evt *v1.TrackedEvent, res Result) {
	if d.journal == nil {
		return
	}

	err := d.journal.Record(ctx, &storage.JournalEntry{
		Event:      *evt,
		Sink:       res.Sink,
		Success:    res.Success,
		Error:      res.Error,
		RecordedAt: d.now().UTC(),
	})
	if errors.Is(err, storage.ErrDuplicate) {
		slog.Debug("[Dispatcher] Delivery already journaled", "event_id", evt.EventID, "sink", res.Sink)
		return
	}
	if err != nil {
		slog.Warn("[Dispatcher] Failed to journal delivery", "event_id", evt.EventID, "sink", res.Sink, "error", err)
	}
}

// Run starts the workers and blocks until ctx is cancelled. On shutdown it waits for
// deferred builds, stops accepting events and drains the queue, all within DrainTimeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("[Dispatcher] Starting workers",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
		"sinks", d.Sinks())

	deliveryCtx, cancelDelivery := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDelivery()

	var g errgroup.Group
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for evt := range d.queue {
				QueueDepth.Dec()
				d.Deliver(deliveryCtx, evt)
			}
			return nil
		})
	}

	<-ctx.Done()
	slog.Info("[Dispatcher] Shutting down, draining queue", "timeout", d.cfg.DrainTimeout)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
	defer cancelDrain()

	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	pendingDone := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(pendingDone)
	}()
	select {
	case <-pendingDone:
	case <-drainCtx.Done():
		slog.Warn("[Dispatcher] Deferred events still pending at shutdown")
	}

	d.mu.Lock()
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		slog.Info("[Dispatcher] Queue drained")
	case <-drainCtx.Done():
		cancelDelivery()
		<-drained
		slog.Warn("[Dispatcher] Drain timeout reached, in-flight deliveries cancelled")
	}
	return nil
}
