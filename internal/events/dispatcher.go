package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event dispatcher closed")
)

const publishTimeout = 5 * time.Second

// Dispatcher decouples callers from downstream I/O: Publish only enqueues,
// and a fixed set of workers forwards events to the next publisher. A full
// queue drops the event rather than blocking the caller.
type Dispatcher struct {
	next   Publisher
	logger *zap.Logger
	queue  chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(next Publisher, size, workers int, logger *zap.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		next:   next,
		logger: logger,
		queue:  make(chan Event, size),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

func (d *Dispatcher) Publish(_ context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		d.logger.Warn("event dropped, queue full",
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
		)
		return ErrQueueFull
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := d.next.Publish(ctx, ev); err != nil {
			d.logger.Error("failed to publish event",
				zap.String("event_id", ev.ID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close stops accepting events and waits until queued ones are forwarded or
// ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
