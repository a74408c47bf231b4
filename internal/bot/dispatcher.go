package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/observability"
)

// ErrDispatcherClosed is returned by Submit after Shutdown started.
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// HandleFunc processes one gateway event.
type HandleFunc func(ctx context.Context, event GatewayEvent) error

// Dispatcher runs events sharing a key one at a time in arrival order while
// events with different keys run concurrently.
type Dispatcher struct {
	handle  HandleFunc
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	queues map[string][]GatewayEvent
	closed bool

	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDispatcher constructs a dispatcher. Each event gets at most timeout to finish.
func NewDispatcher(handle HandleFunc, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handle:  handle,
		timeout: timeout,
		logger:  logger.With().Str("component", "event_dispatcher").Logger(),
		queues:  make(map[string][]GatewayEvent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit queues event behind earlier events with the same key.
func (d *Dispatcher) Submit(event GatewayEvent) error {
	key := event.Key()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if pending, busy := d.queues[key]; busy {
		d.queues[key] = append(pending, event)
		return nil
	}

	d.queues[key] = nil
	d.workers.Add(1)
	go d.drain(key, event)
	return nil
}

// Pending reports how many keys currently have a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

func (d *Dispatcher) drain(key string, event GatewayEvent) {
	defer d.workers.Done()
	for {
		d.process(event)

		d.mu.Lock()
		pending := d.queues[key]
		if len(pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		event = pending[0]
		d.queues[key] = pending[1:]
		d.mu.Unlock()
	}
}

func (d *Dispatcher) process(event GatewayEvent) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	err := d.handle(ctx, event)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		d.logger.Error().Err(err).
			Str("type", event.Type).
			Str("channel_id", event.ChannelID).
			Str("message_id", event.MessageID).
			Msg("gateway event failed")
	}
	observability.GatewayEvents().WithLabelValues(event.Type, outcome).Inc()
}

// Shutdown stops accepting events and waits for queued ones to finish. When
// ctx expires first, in-flight handlers are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
