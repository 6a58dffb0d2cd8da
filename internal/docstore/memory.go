package docstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store. It backs the websocket server and is used
// directly in tests and in embedded mode.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]Value
	subs    map[string]map[int]func(Value)
	nextSub int
	closed  bool

	// qMu guards the dispatch queue. Delivery is serialized through the
	// queue so subscribers observe writes in order, and a callback that
	// writes back into the store enqueues instead of deadlocking.
	qMu         sync.Mutex
	queue       []dispatchJob
	dispatching bool
}

type dispatchJob struct {
	fns  []func(Value)
	snap Value
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]Value),
		subs: make(map[string]map[int]func(Value)),
	}
}

func (m *Memory) CreateIfAbsent(_ context.Context, path string, initial Value) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.docs[path]; ok {
		m.mu.Unlock()
		return nil
	}
	m.docs[path] = Clone(initial)
	m.notifyLocked(path)
	return nil
}

func (m *Memory) MergeUpdate(_ context.Context, path string, patch Value) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.docs[path] = Merge(m.docs[path], patch)
	m.notifyLocked(path)
	return nil
}

func (m *Memory) Read(_ context.Context, path string) (Value, bool, error) {
	if err := ValidatePath(path); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	doc, ok := m.docs[path]
	if !ok {
		return nil, false, nil
	}
	return Clone(doc), true, nil
}

func (m *Memory) Subscribe(path string, fn func(Value)) (func(), error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	id := m.nextSub
	m.nextSub++
	if m.subs[path] == nil {
		m.subs[path] = make(map[int]func(Value))
	}
	m.subs[path][id] = fn
	doc, exists := m.docs[path]
	var snap Value
	if exists {
		snap = Clone(doc)
	}
	m.mu.Unlock()

	if exists {
		m.dispatch(dispatchJob{fns: []func(Value){fn}, snap: snap})
	}

	cancel := func() {
		m.mu.Lock()
		if subs, ok := m.subs[path]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.subs, path)
			}
		}
		m.mu.Unlock()
	}
	return cancel, nil
}

// Docs returns a deep copy of every document, for persistence snapshots.
func (m *Memory) Docs() map[string]Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Value, len(m.docs))
	for p, d := range m.docs {
		out[p] = Clone(d)
	}
	return out
}

// Seed loads documents without firing subscriptions. Used when restoring
// persisted state before the server accepts connections.
func (m *Memory) Seed(docs map[string]Value) {
	m.mu.Lock()
	for p, d := range docs {
		m.docs[p] = Clone(d)
	}
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[string]map[int]func(Value))
	m.mu.Unlock()
	return nil
}

// notifyLocked snapshots the document and subscriber list, releases the state
// lock, then hands the snapshot to the dispatcher. Callers must hold m.mu; it
// is released on return.
func (m *Memory) notifyLocked(path string) {
	subs := m.subs[path]
	if len(subs) == 0 {
		m.mu.Unlock()
		return
	}
	fns := make([]func(Value), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	snap := Clone(m.docs[path])
	m.mu.Unlock()

	m.dispatch(dispatchJob{fns: fns, snap: snap})
}

// dispatch enqueues one delivery and, if no dispatcher is active, drains the
// queue on the calling goroutine. A write issued from inside a callback lands
// on the queue and is delivered after the current callback returns, so
// subscribers may write back into the store without deadlocking.
func (m *Memory) dispatch(job dispatchJob) {
	m.qMu.Lock()
	m.queue = append(m.queue, job)
	if m.dispatching {
		m.qMu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.queue) > 0 {
		j := m.queue[0]
		m.queue = m.queue[1:]
		m.qMu.Unlock()
		for _, fn := range j.fns {
			fn(Clone(j.snap))
		}
		m.qMu.Lock()
	}
	m.dispatching = false
	m.qMu.Unlock()
}
