package infra

import (
	"context"
	"fmt"
	"sync"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// LocalTransport connects surfaces living in the same process as the
// controller. It is also the transport used when no NATS URL is configured.
type LocalTransport struct {
	mu      sync.RWMutex
	handler domain.Handler
	subs    map[int]func(domain.Delta)
	nextID  int
}

// NewLocalTransport creates a transport with no handler attached.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{subs: make(map[int]func(domain.Delta))}
}

// Serve attaches h until ctx is canceled.
func (t *LocalTransport) Serve(ctx context.Context, h domain.Handler) error {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		t.handler = nil
		t.mu.Unlock()
	}()
	return nil
}

// Request runs the handler and waits for its reply until ctx expires.
func (t *LocalTransport) Request(ctx context.Context, tier domain.Tier, req domain.Request) (domain.Response, error) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return domain.Response{}, fmt.Errorf("%w: no handler", domain.ErrControllerUnavailable)
	}

	replies := make(chan domain.Response, 1)
	go func() {
		replies <- h(ctx, tier, req)
	}()
	select {
	case resp := <-replies:
		return resp, nil
	case <-ctx.Done():
		return domain.Response{}, fmt.Errorf("%w: %v", domain.ErrControllerUnavailable, ctx.Err())
	}
}

// Publish delivers delta to every subscriber, in the caller's goroutine.
func (t *LocalTransport) Publish(_ context.Context, delta domain.Delta) error {
	t.mu.RLock()
	subs := make([]func(domain.Delta), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.RUnlock()

	for _, fn := range subs {
		fn(delta)
	}
	return nil
}

// SubscribeUpdates registers fn until the returned func is called or ctx ends.
func (t *LocalTransport) SubscribeUpdates(ctx context.Context, fn func(domain.Delta)) (func(), error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return unsubscribe, nil
}

// Ensure LocalTransport implements domain.Transport.
var _ domain.Transport = (*LocalTransport)(nil)
