// Package usecase contains application business logic.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/metrics"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
)

// Mutation sources, used as metric labels and log fields.
const (
	SourceUpdate    = "update"
	SourceReconcile = "reconcile"
)

// SubscriberFunc is notified after every committed, non-empty mutation.
// It runs inside the mutation chain: it may Submit further mutations but must
// not wait on them.
type SubscriberFunc func(ctx context.Context, delta domain.Delta, state domain.State) error

type subscriber struct {
	name string
	fn   SubscriberFunc
}

// Pending is the handle of a mutation queued on the chain.
type Pending struct {
	done  chan struct{}
	delta domain.Delta
	err   error
}

// Wait blocks until the mutation has run or ctx expires. Giving up does not
// cancel the mutation.
func (p *Pending) Wait(ctx context.Context) (domain.Delta, error) {
	select {
	case <-p.done:
		return p.delta, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the mutation has run.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// StateStore owns the live state record of the background controller.
// Reads never wait on writes; writes run one at a time in submission order.
type StateStore struct {
	kv          domain.KVStore
	engine      *schema.Engine
	broadcaster domain.Broadcaster
	recorder    metrics.Recorder
	logger      *zap.Logger

	hydrateGroup singleflight.Group

	mu       sync.RWMutex
	state    domain.State
	hydrated bool

	chainMu  sync.Mutex
	tail     chan struct{}
	chainCtx context.Context

	subsMu sync.RWMutex
	subs   []subscriber
}

// NewStateStore creates a store over kv. broadcaster and recorder may be nil.
func NewStateStore(
	kv domain.KVStore,
	engine *schema.Engine,
	broadcaster domain.Broadcaster,
	recorder metrics.Recorder,
	logger *zap.Logger,
) *StateStore {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &StateStore{
		kv:          kv,
		engine:      engine,
		broadcaster: broadcaster,
		recorder:    recorder,
		logger:      logger,
		chainCtx:    context.Background(),
	}
}

// Engine returns the invariant engine used by the store.
func (s *StateStore) Engine() *schema.Engine {
	return s.engine
}

// Subscribe registers a change subscriber. Subscribers run in registration order.
func (s *StateStore) Subscribe(name string, fn SubscriberFunc) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, subscriber{name: name, fn: fn})
}

// Hydrated reports whether the in-memory record is loaded.
func (s *StateStore) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

// EnsureHydrated loads the record from storage once. Concurrent callers share
// a single read; a failed load is retried by the next caller.
func (s *StateStore) EnsureHydrated(ctx context.Context) error {
	if s.Hydrated() {
		return nil
	}
	_, err, _ := s.hydrateGroup.Do("hydrate", func() (any, error) {
		if s.Hydrated() {
			return nil, nil
		}
		return nil, s.hydrate(ctx)
	})
	return err
}

func (s *StateStore) hydrate(ctx context.Context) error {
	raw, err := s.kv.Get(ctx)
	if err != nil {
		s.recorder.IncHydration(false)
		s.logger.Error("hydration failed", zap.Error(err))
		return fmt.Errorf("read state: %w", err)
	}

	stored := make(map[string]json.RawMessage, len(raw))
	var stale []string
	for k, v := range raw {
		switch {
		case schema.IsSchemaKey(k):
			stored[k] = v
		case hasFeaturePrefix(k):
		default:
			stale = append(stale, k)
		}
	}

	state := s.engine.Sanitize(schema.DecodeRaw(stored))

	encoded, err := schema.EncodeFields(state, schema.Keys())
	if err != nil {
		s.recorder.IncHydration(false)
		return err
	}
	corrections := make(map[string]json.RawMessage)
	for k, v := range encoded {
		if old, ok := stored[k]; !ok || !schema.JSONEqual(old, v) {
			corrections[k] = v
		}
	}

	if len(stale) > 0 {
		if err := s.kv.Remove(ctx, stale...); err != nil {
			s.logger.Warn("failed to remove unknown keys", zap.Strings("keys", stale), zap.Error(err))
		}
	}
	if len(corrections) > 0 {
		if err := s.kv.Set(ctx, corrections); err != nil {
			s.logger.Warn("failed to persist sanitized state", zap.Int("keys", len(corrections)), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.state = state
	s.hydrated = true
	s.mu.Unlock()

	s.recorder.IncHydration(true)
	s.logger.Debug("state hydrated",
		zap.Int("stored_keys", len(stored)),
		zap.Int("corrected", len(corrections)),
		zap.Int("removed", len(stale)))
	return nil
}

func hasFeaturePrefix(key string) bool {
	for _, p := range schema.FeaturePrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Get returns a copy of the last settled record.
func (s *StateStore) Get(ctx context.Context) (domain.State, error) {
	if err := s.EnsureHydrated(ctx); err != nil {
		return domain.State{}, err
	}
	return s.snapshot(), nil
}

// GetFields returns plain values for keys, or every field when none are given.
func (s *StateStore) GetFields(ctx context.Context, keys ...string) (map[string]any, error) {
	state, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return schema.ToMap(state), nil
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := schema.Value(state, k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *StateStore) snapshot() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Submit queues a patch without waiting.
func (s *StateStore) Submit(patch domain.Patch) *Pending {
	return s.SubmitFunc(func(domain.State) domain.Patch { return patch })
}

// SubmitFunc queues a mutation whose patch is derived from the record as it
// is when the mutation runs, not when it was queued.
func (s *StateStore) SubmitFunc(derive func(domain.State) domain.Patch) *Pending {
	return s.enqueue(func(ctx context.Context) (domain.Delta, error) {
		if err := s.EnsureHydrated(ctx); err != nil {
			return nil, err
		}
		current := s.snapshot()
		return s.commit(ctx, SourceUpdate, current, derive(current), nil)
	})
}

// Update applies patch and waits for the result.
func (s *StateStore) Update(ctx context.Context, patch domain.Patch) (domain.Delta, error) {
	return s.Submit(patch).Wait(ctx)
}

// Reconcile folds values written to storage by another writer into the live
// record. Keys are re-read from storage when the step runs so that a stale
// echo of an earlier write never rolls the record back.
func (s *StateStore) Reconcile(keys []string) *Pending {
	return s.enqueue(func(ctx context.Context) (domain.Delta, error) {
		if err := s.EnsureHydrated(ctx); err != nil {
			return nil, err
		}
		stored, err := s.kv.Get(ctx, keys...)
		if err != nil {
			return nil, fmt.Errorf("read changed keys: %w", err)
		}

		current := s.snapshot()
		encoded, err := schema.EncodeFields(current, keys)
		if err != nil {
			return nil, err
		}
		changed := make(map[string]json.RawMessage)
		for k, v := range stored {
			if !schema.JSONEqual(v, encoded[k]) {
				changed[k] = v
			}
		}
		if len(changed) == 0 {
			s.recorder.IncMutationResult(SourceReconcile, metrics.ResultNoop)
			return domain.Delta{}, nil
		}

		patch := domain.Patch(schema.DecodeRaw(changed))
		return s.commit(ctx, SourceReconcile, current, patch, changed)
	})
}

// Suspend drops the in-memory record after queued mutations finish. The next
// read or write hydrates again.
func (s *StateStore) Suspend() *Pending {
	return s.enqueue(func(context.Context) (domain.Delta, error) {
		s.mu.Lock()
		s.state = domain.State{}
		s.hydrated = false
		s.mu.Unlock()
		s.logger.Info("state suspended")
		return domain.Delta{}, nil
	})
}

// Flush waits until every mutation queued before the call has run.
func (s *StateStore) Flush(ctx context.Context) error {
	_, err := s.enqueue(func(context.Context) (domain.Delta, error) {
		return domain.Delta{}, nil
	}).Wait(ctx)
	return err
}

// enqueue appends step to the chain. Each step waits for its predecessor's
// done channel, so at most one step runs at a time, in submission order.
func (s *StateStore) enqueue(step func(ctx context.Context) (domain.Delta, error)) *Pending {
	p := &Pending{done: make(chan struct{})}

	s.chainMu.Lock()
	prev := s.tail
	s.tail = p.done
	s.chainMu.Unlock()

	go func() {
		defer close(p.done)
		if prev != nil {
			<-prev
		}
		p.delta, p.err = step(s.chainCtx)
	}()
	return p
}

// commit applies patch to current, persists the changed keys and notifies.
// foreign holds values another writer already stored; keys whose stored value
// equals the corrected value are not written again.
func (s *StateStore) commit(
	ctx context.Context,
	source string,
	current domain.State,
	patch domain.Patch,
	foreign map[string]json.RawMessage,
) (domain.Delta, error) {
	start := time.Now()
	defer func() { s.recorder.ObserveMutation(source, time.Since(start)) }()

	next := s.engine.ApplyUpdate(current, patch)
	delta := schema.Diff(current, next)

	keys := delta.Keys()
	for k := range foreign {
		if _, ok := delta[k]; !ok {
			keys = append(keys, k)
		}
	}
	encoded, err := schema.EncodeFields(next, keys)
	if err != nil {
		s.recorder.IncMutationResult(source, metrics.ResultFailed)
		return nil, err
	}
	for k, v := range foreign {
		if schema.JSONEqual(v, encoded[k]) {
			delete(encoded, k)
		}
	}

	if len(encoded) > 0 {
		if err := s.kv.Set(ctx, encoded); err != nil {
			s.recorder.IncMutationResult(source, metrics.ResultFailed)
			s.logger.Error("failed to persist state",
				zap.String("source", source),
				zap.Strings("keys", keys),
				zap.Error(err))
			return nil, fmt.Errorf("persist state: %w", err)
		}
	}

	if len(delta) == 0 {
		s.recorder.IncMutationResult(source, metrics.ResultNoop)
		return delta, nil
	}

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	s.recorder.IncMutationResult(source, metrics.ResultApplied)
	s.logger.Debug("state committed", zap.String("source", source), zap.Strings("keys", delta.Keys()))

	s.notify(ctx, delta, next)
	return delta, nil
}

func (s *StateStore) notify(ctx context.Context, delta domain.Delta, state domain.State) {
	s.subsMu.RLock()
	subs := append([]subscriber(nil), s.subs...)
	s.subsMu.RUnlock()

	for _, sub := range subs {
		s.runSubscriber(ctx, sub, delta, state.Clone())
	}

	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Publish(ctx, delta); err != nil {
		s.recorder.IncBroadcast(false)
		s.logger.Debug("broadcast not delivered", zap.Error(err))
		return
	}
	s.recorder.IncBroadcast(true)
}

func (s *StateStore) runSubscriber(ctx context.Context, sub subscriber, delta domain.Delta, state domain.State) {
	defer func() {
		if r := recover(); r != nil {
			s.recorder.IncSubscriberError(sub.name)
			s.logger.Error("subscriber panicked", zap.String("subscriber", sub.name), zap.Any("panic", r))
		}
	}()
	if err := sub.fn(ctx, delta, state); err != nil {
		s.recorder.IncSubscriberError(sub.name)
		s.logger.Warn("subscriber failed", zap.String("subscriber", sub.name), zap.Error(err))
	}
}

// Touches reports whether delta changed any of keys.
func Touches(delta domain.Delta, keys ...string) bool {
	for _, k := range keys {
		if _, ok := delta[k]; ok {
			return true
		}
	}
	return false
}
