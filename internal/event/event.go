package event

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/victornm/speedrun/internal/logging"
)

const (
	defaultPoolSize = 1000
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

type Config struct {
	PoolSize int
	Timeout  time.Duration
}

// Bus is an in-memory event bus. Handlers run on a bounded worker pool,
// detached from the publisher's cancellation.
type Bus struct {
	pool    *ants.Pool
	timeout time.Duration
	wg      sync.WaitGroup

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(c Config) (*Bus, error) {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	p, err := ants.NewPool(c.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("event: create worker pool: %w", err)
	}

	return &Bus{
		pool:     p,
		timeout:  c.Timeout,
		handlers: make(map[string][]Handler),
	}, nil
}

// MustNewBus is NewBus for callers with a fixed, valid config.
func MustNewBus(c Config) *Bus {
	b, err := NewBus(c)
	if err != nil {
		panic(err)
	}
	return b
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], h)
}

// Publish an event. Blocks while the pool is saturated.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	hs := b.handlers[e.Name()]
	b.mu.RUnlock()

	for _, h := range hs {
		b.dispatch(ctx, h, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)

	b.wg.Add(1)
	err := b.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				logging.ErrorContext(ctx, "event: handler panic",
					"event", e.Name(),
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			b.wg.Done()
		}()

		if err := h(ctx, e); err != nil {
			logging.ErrorContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"error", err,
			)
		}
	})
	if err != nil {
		cancel()
		b.wg.Done()
		logging.ErrorContext(ctx, "event: dispatch failed", "event", e.Name(), "error", err)
	}
}

// Wait blocks until every dispatched handler has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Stop waits for all handlers to finish and releases the pool.
func (b *Bus) Stop() {
	b.wg.Wait()
	b.pool.Release()
}
