package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultPublishTimeout = 5 * time.Second

// Async hands every event to the wrapped publisher on its own goroutine, so the request
// path never waits on the sink. Delivery errors are logged. Close waits for in-flight
// deliveries; events published after Close are dropped.
type Async struct {
	next    Publisher
	timeout time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewAsync(next Publisher, timeout time.Duration, log zerolog.Logger) (*Async, error) {
	if next == nil {
		return nil, errors.New("events: publisher must not be nil")
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Async{next: next, timeout: timeout, log: log}, nil
}

// Publish always returns nil.
func (a *Async) Publish(ctx context.Context, ev Event) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.log.Debug().Str("event", string(ev.Type)).Msg("publisher closed, dropping event")
		return nil
	}
	a.inflight.Add(1)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	go func() {
		defer a.inflight.Done()
		defer cancel()
		if err := a.next.Publish(ctx, ev); err != nil {
			a.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("publish tracking event")
		}
	}()
	return nil
}

func (a *Async) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.inflight.Wait()
}
