package store

import (
	"context"
	"sync"
)

// Memory is a process-local Store. It implements Updater and Watcher;
// watchers registered on a Memory store are notified of writes made through
// any handle returned by Handle, which lets tests emulate several processes
// sharing one backend.
type Memory struct {
	shared *memoryBackend
	origin int
}

type memoryBackend struct {
	mu       sync.Mutex
	items    map[string]string
	nextID   int
	watchers map[int]memoryWatcher
	failures map[string]error
}

type memoryWatcher struct {
	origin int
	fn     func(Change)
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		shared: &memoryBackend{
			items:    make(map[string]string),
			watchers: make(map[int]memoryWatcher),
			failures: make(map[string]error),
		},
		origin: 0,
	}
}

// Handle returns another writer over the same backend with its own origin.
func (m *Memory) Handle() *Memory {
	m.shared.mu.Lock()
	m.shared.nextID++
	id := m.shared.nextID
	m.shared.mu.Unlock()
	return &Memory{shared: m.shared, origin: id}
}

// FailWith makes every operation on key fail with err until cleared with a nil err.
func (m *Memory) FailWith(key string, err error) {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	if err == nil {
		delete(m.shared.failures, key)
		return
	}
	m.shared.failures[key] = err
}

func (m *Memory) GetItem(_ context.Context, key string) (string, bool, error) {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	if err := m.shared.failures[key]; err != nil {
		return "", false, err
	}
	v, ok := m.shared.items[key]
	return v, ok, nil
}

func (m *Memory) SetItem(_ context.Context, key, value string) error {
	m.shared.mu.Lock()
	if err := m.shared.failures[key]; err != nil {
		m.shared.mu.Unlock()
		return err
	}
	m.shared.items[key] = value
	targets := m.shared.targetsLocked(m.origin)
	m.shared.mu.Unlock()

	notify(targets, Change{Key: key})
	return nil
}

func (m *Memory) RemoveItem(_ context.Context, key string) error {
	m.shared.mu.Lock()
	if err := m.shared.failures[key]; err != nil {
		m.shared.mu.Unlock()
		return err
	}
	_, existed := m.shared.items[key]
	delete(m.shared.items, key)
	var targets []func(Change)
	if existed {
		targets = m.shared.targetsLocked(m.origin)
	}
	m.shared.mu.Unlock()

	notify(targets, Change{Key: key, Removed: true})
	return nil
}

func (m *Memory) UpdateItem(_ context.Context, key string, fn UpdateFunc) error {
	m.shared.mu.Lock()
	if err := m.shared.failures[key]; err != nil {
		m.shared.mu.Unlock()
		return err
	}
	current, ok := m.shared.items[key]
	next, remove, err := fn(current, ok)
	if err != nil {
		m.shared.mu.Unlock()
		return err
	}
	if remove {
		delete(m.shared.items, key)
	} else {
		m.shared.items[key] = next
	}
	targets := m.shared.targetsLocked(m.origin)
	m.shared.mu.Unlock()

	notify(targets, Change{Key: key, Removed: remove})
	return nil
}

func (m *Memory) Watch(_ context.Context, fn func(Change)) (func(), error) {
	m.shared.mu.Lock()
	m.shared.nextID++
	id := m.shared.nextID
	m.shared.watchers[id] = memoryWatcher{origin: m.origin, fn: fn}
	m.shared.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.shared.mu.Lock()
			delete(m.shared.watchers, id)
			m.shared.mu.Unlock()
		})
	}, nil
}

func (b *memoryBackend) targetsLocked(origin int) []func(Change) {
	var out []func(Change)
	for _, w := range b.watchers {
		if w.origin == origin {
			continue
		}
		out = append(out, w.fn)
	}
	return out
}

func notify(targets []func(Change), c Change) {
	for _, fn := range targets {
		fn(c)
	}
}
