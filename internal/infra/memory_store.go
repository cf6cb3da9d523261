package infra

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// MemoryStore is an in-process KVStore and AlarmStore. It backs tests and
// single-process runs where no data directory is configured.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]json.RawMessage
	alarms   map[string]domain.Alarm
	watchers map[int]*memoryWatcher
	nextID   int
}

type memoryWatcher struct {
	ctx context.Context
	ch  chan []domain.StorageChange
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]json.RawMessage),
		alarms:   make(map[string]domain.Alarm),
		watchers: make(map[int]*memoryWatcher),
	}
}

func (m *MemoryStore) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]json.RawMessage)
	if len(keys) == 0 {
		for k, v := range m.data {
			out[k] = cloneRaw(v)
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = cloneRaw(v)
		}
	}
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, items map[string]json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	m.mu.Lock()
	changes := make([]domain.StorageChange, 0, len(items))
	for k, v := range items {
		m.data[k] = cloneRaw(v)
		changes = append(changes, domain.StorageChange{Key: k, Value: cloneRaw(v)})
	}
	watchers := m.snapshotWatchers()
	m.mu.Unlock()

	notify(watchers, changes)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	var changes []domain.StorageChange
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			changes = append(changes, domain.StorageChange{Key: k, Removed: true})
		}
	}
	watchers := m.snapshotWatchers()
	m.mu.Unlock()

	notify(watchers, changes)
	return nil
}

// Watch streams every change batch until ctx is canceled.
func (m *MemoryStore) Watch(ctx context.Context) (<-chan []domain.StorageChange, error) {
	w := &memoryWatcher{ctx: ctx, ch: make(chan []domain.StorageChange, 64)}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = w
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}()
	return w.ch, nil
}

func (m *MemoryStore) snapshotWatchers() []*memoryWatcher {
	out := make([]*memoryWatcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w)
	}
	return out
}

func notify(watchers []*memoryWatcher, changes []domain.StorageChange) {
	if len(changes) == 0 {
		return
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	for _, w := range watchers {
		select {
		case w.ch <- changes:
		case <-w.ctx.Done():
		}
	}
}

// Close is a no-op; the data lives as long as the value.
func (m *MemoryStore) Close() error {
	return nil
}

// --- domain.AlarmStore implementation ---

func (m *MemoryStore) SaveAlarm(_ context.Context, alarm domain.Alarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarms[alarm.Name] = alarm
	return nil
}

func (m *MemoryStore) DeleteAlarm(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alarms, name)
	return nil
}

func (m *MemoryStore) LoadAlarms(_ context.Context) ([]domain.Alarm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Alarm, 0, len(m.alarms))
	for _, a := range m.alarms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), v...)
}

// Ensure MemoryStore implements both interfaces.
var _ domain.KVStore = (*MemoryStore)(nil)
var _ domain.AlarmStore = (*MemoryStore)(nil)
