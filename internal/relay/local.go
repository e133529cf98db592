package relay

import (
	"context"
	"sync"
)

// Local is an in-process relay. Every subscriber sees every published
// envelope, which lets several hubs in one process behave like separate
// instances sharing a backplane.
type Local struct {
	mu     sync.Mutex
	subs   map[chan Envelope]struct{}
	closed bool
}

// NewLocal returns an empty in-process relay.
func NewLocal() *Local {
	return &Local{subs: make(map[chan Envelope]struct{})}
}

// Publish hands env to every current subscriber, waiting on slow ones
// until ctx ends.
func (l *Local) Publish(ctx context.Context, env Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for sub := range l.subs {
		select {
		case sub <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a buffered stream that closes when ctx ends or the
// relay is closed.
func (l *Local) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := make(chan Envelope, 64)
	if l.closed {
		close(sub)
		return sub, nil
	}
	l.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[sub]; ok {
			delete(l.subs, sub)
			close(sub)
		}
	}()
	return sub, nil
}

// Close ends every subscription. Later subscriptions start closed.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for sub := range l.subs {
		close(sub)
	}
	l.subs = make(map[chan Envelope]struct{})
	l.closed = true
	return nil
}
