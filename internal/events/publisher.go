package events

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"cloudlocker/internal/observability/logging"
	"cloudlocker/internal/observability/metrics"
)

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

const (
	defaultPublishTimeout = 5 * time.Second
	dispatchWorkers       = 4
	dispatchQueueSize     = 256
)

// Dispatcher publishes events off the request path. Events are sharded by
// user ID onto a fixed set of workers, so one user's events are published in
// the order they were emitted. A full queue drops the event. Failures are
// logged and counted but never returned to the caller.
type Dispatcher struct {
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Recorder
	timeout   time.Duration

	queues  []chan queuedEvent
	pending sync.WaitGroup
	workers sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

type queuedEvent struct {
	ctx   context.Context
	event Event
}

// NewDispatcher wraps publisher and starts its workers. A nil publisher
// behaves like NoopPublisher.
func NewDispatcher(publisher Publisher, logger *slog.Logger, recorder *metrics.Recorder) *Dispatcher {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	d := &Dispatcher{
		publisher: publisher,
		logger:    logging.WithComponent(logger, "events"),
		metrics:   recorder,
		timeout:   defaultPublishTimeout,
		queues:    make([]chan queuedEvent, dispatchWorkers),
	}
	for i := range d.queues {
		d.queues[i] = make(chan queuedEvent, dispatchQueueSize)
		d.workers.Add(1)
		go d.run(d.queues[i])
	}
	return d
}

// Emit queues event for publishing. The request context only contributes
// values such as the trace span; its cancellation is ignored.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.metrics.ObserveEvent(event.Type, "dropped")
		return
	}
	d.pending.Add(1)
	select {
	case d.queues[shardFor(event.UserID, len(d.queues))] <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		d.pending.Done()
		d.metrics.ObserveEvent(event.Type, "dropped")
		d.logger.Warn("event queue full, dropping event", "event_id", event.ID, "type", event.Type, "user_id", event.UserID)
	}
}

func (d *Dispatcher) run(queue <-chan queuedEvent) {
	defer d.workers.Done()
	for item := range queue {
		d.publish(item.ctx, item.event)
		d.pending.Done()
	}
}

func (d *Dispatcher) publish(ctx context.Context, event Event) {
	publishCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.publisher.Publish(publishCtx, event); err != nil {
		d.metrics.ObserveEvent(event.Type, "failed")
		logging.WithContext(ctx, d.logger).Warn("failed to publish event", "event_id", event.ID, "type", event.Type, "user_id", event.UserID, "error", err)
		return
	}
	d.metrics.ObserveEvent(event.Type, "published")
}

// shardFor maps a user ID onto a worker. FNV-1a matches the hash kafka-go's
// Hash balancer uses for partition keys.
func shardFor(userID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(shards))
}

// Wait blocks until every queued event has been handled.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.pending.Wait()
}

// Close stops accepting events, drains the queues until ctx expires, and
// closes the publisher.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, queue := range d.queues {
		close(queue)
	}
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		d.logger.Warn("closing publisher with events still in flight", "error", ctx.Err())
	}
	return d.publisher.Close()
}
