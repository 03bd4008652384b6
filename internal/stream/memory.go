package stream

import (
	"context"
	"sync"
	"time"

	"github.com/trellisdata/trellis/pkg/config"
)

func init() {
	RegisterDatastore("memory", func(ctx context.Context, cfg config.StreamConfig) (Datastore, error) {
		return NewMemoryDatastore(), nil
	})
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

type seqEntry struct {
	value   int64
	expires time.Time
}

// memoryDatastore keeps records in process memory. Expiry is enforced
// lazily on read and by a sweep on write, which is enough for its intended
// use: tests and single-process deployments.
type memoryDatastore struct {
	mu      sync.Mutex
	seqs    map[string]seqEntry
	records map[string]memoryEntry
	subs    map[string]map[*memorySub]struct{}
	writes  int
}

// NewMemoryDatastore creates an empty in-memory stream datastore.
func NewMemoryDatastore() Datastore {
	return &memoryDatastore{
		seqs:    make(map[string]seqEntry),
		records: make(map[string]memoryEntry),
		subs:    make(map[string]map[*memorySub]struct{}),
	}
}

func (m *memoryDatastore) IncrSeq(ctx context.Context, node string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := seqKey(node)
	now := time.Now()
	entry, ok := m.seqs[key]
	if !ok || now.After(entry.expires) {
		entry = seqEntry{value: 0, expires: now.Add(time.Hour)}
	}
	entry.value++
	m.seqs[key] = entry
	return entry.value, nil
}

func (m *memoryDatastore) CurrentSeq(ctx context.Context, node string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.seqs[seqKey(node)]
	if !ok || time.Now().After(entry.expires) {
		return 0, nil
	}
	return entry.value, nil
}

func (m *memoryDatastore) Set(ctx context.Context, node string, seq int64, record []byte, ttl time.Duration) error {
	m.mu.Lock()

	now := time.Now()
	m.records[dataKey(node, seq)] = memoryEntry{data: record, expires: now.Add(ttl)}
	if entry, ok := m.seqs[seqKey(node)]; ok {
		entry.expires = now.Add(ttl)
		m.seqs[seqKey(node)] = entry
	}
	m.writes++
	if m.writes%256 == 0 {
		m.sweepLocked(now)
	}
	m.notifyLocked(node, seq)
	m.mu.Unlock()
	return nil
}

func (m *memoryDatastore) Get(ctx context.Context, node string, seq int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dataKey(node, seq)
	entry, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expires) {
		delete(m.records, key)
		return nil, nil
	}
	return entry.data, nil
}

func (m *memoryDatastore) Publish(ctx context.Context, node string, seq int64) error {
	m.mu.Lock()
	m.notifyLocked(node, seq)
	m.mu.Unlock()
	return nil
}

func (m *memoryDatastore) Subscribe(ctx context.Context, node string) (Subscription, error) {
	sub := &memorySub{store: m, topic: topic(node), ch: make(chan int64, 1)}

	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subs[sub.topic]
	if !ok {
		subs = make(map[*memorySub]struct{})
		m.subs[sub.topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

func (m *memoryDatastore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, subs := range m.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	m.subs = make(map[string]map[*memorySub]struct{})
	m.records = make(map[string]memoryEntry)
	m.seqs = make(map[string]seqEntry)
	return nil
}

func (m *memoryDatastore) notifyLocked(node string, seq int64) {
	for sub := range m.subs[topic(node)] {
		if !sub.closed {
			conflate(sub.ch, seq)
		}
	}
}

func (m *memoryDatastore) sweepLocked(now time.Time) {
	for key, entry := range m.records {
		if now.After(entry.expires) {
			delete(m.records, key)
		}
	}
	for key, entry := range m.seqs {
		if now.After(entry.expires) {
			delete(m.seqs, key)
		}
	}
}

type memorySub struct {
	store  *memoryDatastore
	topic  string
	ch     chan int64
	closed bool
}

func (s *memorySub) Sequences() <-chan int64 { return s.ch }

func (s *memorySub) Unsubscribe() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if subs, ok := s.store.subs[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.store.subs, s.topic)
		}
	}
	s.closeLocked()
	return nil
}

func (s *memorySub) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
