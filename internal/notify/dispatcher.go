// Package notify fans domain events out to delivery channels (push, websocket, message bus)
// without blocking the code that produced them.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/domain"
)

// Sink delivers events over one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e domain.Event) error
}

const deliverTimeout = 5 * time.Second

// Dispatcher is a bounded queue drained by a fixed worker pool. Publish never blocks: when the
// queue is full the event is dropped and counted.
type Dispatcher struct {
	queue   chan domain.Event
	sinks   []Sink
	workers int
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewDispatcher(logger *zap.Logger, queueSize, workers int, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		queue:   make(chan domain.Event, queueSize),
		sinks:   sinks,
		workers: workers,
		logger:  logger,
	}
}

// AddSink registers another sink. Call before Start.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Publish implements domain.EventPublisher.
func (d *Dispatcher) Publish(_ context.Context, events ...domain.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, e := range events {
		select {
		case d.queue <- e:
		default:
			d.dropped.Add(1)
			d.logger.Warn("notification queue full, dropping event",
				zap.String("type", string(e.Type)),
				zap.String("aggregate_id", e.AggregateID.String()),
			)
		}
	}
}

// Start launches the workers. They exit once Close has drained the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for e := range d.queue {
				d.deliver(ctx, e)
			}
		}()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) deliver(ctx context.Context, e domain.Event) {
	for _, s := range d.sinks {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
		err := s.Deliver(dctx, e)
		cancel()
		if err != nil {
			d.logger.Warn("event delivery failed",
				zap.String("sink", s.Name()),
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
		}
	}
}
