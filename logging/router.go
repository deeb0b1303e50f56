package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	metricEventsTotal  = "logging_events_total"
	metricDroppedTotal = "logging_dropped_total"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans published events out to sink workers. Publish never blocks;
// events are dropped when the queue is full.
type Router struct {
	cfg         Config
	queue       chan Event
	workers     []*sinkWorker
	clock       Clock
	fallback    *log.Logger
	metrics     *Metrics
	minSeverity Severity
	fields      map[string]any

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	wg        sync.WaitGroup
	startOnce sync.Once

	eventsTotal  atomic.Uint64
	droppedTotal atomic.Uint64
	nextDropLog  atomic.Int64
}

type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
}

// RouterOption customises a router at construction.
type RouterOption func(*Router)

// WithFallback replaces the logger used for the router's own diagnostics.
func WithFallback(logger *log.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.fallback = logger
		}
	}
}

// WithMetrics mirrors router counters into metrics.
func WithMetrics(metrics *Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = metrics
	}
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink, opts ...RouterOption) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultConfig().BufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:         cfg,
		queue:       make(chan Event, bufferSize),
		clock:       clock,
		fallback:    log.New(os.Stderr, "[logging] ", log.LstdFlags),
		ctx:         ctx,
		cancel:      cancel,
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.CloneFields(),
	}
	for _, opt := range opts {
		opt(r)
	}

	sinkBuffer := max(32, min(bufferSize, 1024))
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.workers = append(r.workers, newSinkWorker(named.Name, named.Sink, sinkBuffer, r.fallback))
	}

	r.start()
	return r, nil
}

func (r *Router) start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.dispatch()
		for _, worker := range r.workers {
			r.wg.Add(1)
			go func(w *sinkWorker) {
				defer r.wg.Done()
				w.run()
			}(worker)
		}
	})
}

func (r *Router) dispatch() {
	defer func() {
		for _, worker := range r.workers {
			close(worker.events)
		}
		r.wg.Done()
	}()
	for {
		select {
		case <-r.ctx.Done():
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		case event := <-r.queue:
			r.forward(event)
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.minSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	if len(r.fields) > 0 {
		event = mergeFields(event, r.fields)
	}
	r.eventsTotal.Add(1)
	r.metrics.TelemetryAdd(metricEventsTotal, 1)
	for _, worker := range r.workers {
		worker.enqueue(event)
	}
}

func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped(event)
	}
}

func (r *Router) dropped(event Event) {
	r.droppedTotal.Add(1)
	r.metrics.TelemetryAdd(metricDroppedTotal, 1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := r.clock.Now().UnixNano()
	next := r.nextDropLog.Load()
	if now >= next && r.nextDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
		r.fallback.Printf("dropping event type=%s tick=%d", event.Type, event.Tick)
	}
}

// Close stops dispatch, drains queued events and closes every sink.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, worker := range r.workers {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		EventsTotal:  r.eventsTotal.Load(),
		DroppedTotal: r.droppedTotal.Load(),
	}
}

// Sink returns the sink registered under name.
func (r *Router) Sink(name string) Sink {
	for _, worker := range r.workers {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name      string
	sink      Sink
	events    chan Event
	fallback  *log.Logger
	failures  int
	nextRetry time.Time
}

func newSinkWorker(name string, sink Sink, buffer int, fallback *log.Logger) *sinkWorker {
	return &sinkWorker{
		name:     name,
		sink:     sink,
		events:   make(chan Event, buffer),
		fallback: fallback,
	}
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- cloneForFields(event):
	default:
		w.fallback.Printf("sink %s backlog full dropping event type=%s", w.name, event.Type)
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if w.failures > 0 {
			if wait := time.Until(w.nextRetry); wait > 0 {
				time.Sleep(wait)
			}
		}
		if err := w.sink.Write(event); err != nil {
			w.failures++
			delay := time.Duration(1<<min(w.failures, 5)) * time.Second
			w.nextRetry = time.Now().Add(delay)
			w.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, delay)
			continue
		}
		w.failures = 0
	}
}
