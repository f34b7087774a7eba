package queuestore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memEntry struct {
	id     string
	fields map[string]string
}

type delivery struct {
	consumer    string
	deliveredAt time.Time
}

type groupState struct {
	cursor  int // index of the next entry never delivered to this group
	pending map[string]delivery
}

type memStream struct {
	entries []memEntry
	seq     int64
	groups  map[string]*groupState
}

// MemStore is an in-memory Store satisfying the same contract as RedisStore,
// used to validate the Queue Store contract in tests without a Redis
// instance (spec §4.1: "the core validates its contract via tests against an
// in-memory fake with the same semantics").
type MemStore struct {
	mu      sync.Mutex
	streams map[string]*memStream
}

// NewMemStore returns an empty in-memory Queue Store.
func NewMemStore() *MemStore {
	return &MemStore{streams: make(map[string]*memStream)}
}

func (s *MemStore) stream(name string) *memStream {
	st, ok := s.streams[name]
	if !ok {
		st = &memStream{groups: make(map[string]*groupState)}
		s.streams[name] = st
	}
	return st
}

func (s *MemStore) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(stream)
	st.seq++
	id := fmt.Sprintf("%d-0", st.seq)

	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	st.entries = append(st.entries, memEntry{id: id, fields: cp})
	return id, nil
}

func (s *MemStore) EnsureGroup(ctx context.Context, stream, group, start string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(stream)
	if _, ok := st.groups[group]; ok {
		return nil
	}

	cursor := 0
	if start == "$" {
		cursor = len(st.entries)
	}
	st.groups[group] = &groupState{cursor: cursor, pending: make(map[string]delivery)}
	return nil
}

func (s *MemStore) Reserve(ctx context.Context, stream, group, consumer string, maxCount int64, block time.Duration) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(stream)
	gs, ok := st.groups[group]
	if !ok {
		return nil, ErrNotFound
	}

	var out []Entry
	now := time.Now()
	for gs.cursor < len(st.entries) && int64(len(out)) < maxCount {
		e := st.entries[gs.cursor]
		gs.cursor++
		gs.pending[e.id] = delivery{consumer: consumer, deliveredAt: now}
		out = append(out, Entry{ID: e.id, Fields: e.fields})
	}
	// block is advisory for the in-memory fake: an empty result is
	// returned immediately rather than actually waiting, since callers
	// drive their own poll loop.
	return out, nil
}

func (s *MemStore) Ack(ctx context.Context, stream, group, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		return nil
	}
	gs, ok := st.groups[group]
	if !ok {
		return nil
	}
	delete(gs.pending, entryID)
	return nil
}

func (s *MemStore) Pending(ctx context.Context, stream, group string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		return 0, nil
	}
	gs, ok := st.groups[group]
	if !ok {
		return 0, nil
	}
	return int64(len(gs.pending)), nil
}

func (s *MemStore) Lag(ctx context.Context, stream, group string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		return 0, nil
	}
	gs, ok := st.groups[group]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(st.entries) - gs.cursor), nil
}

func (s *MemStore) Reclaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		return nil, nil
	}
	gs, ok := st.groups[group]
	if !ok {
		return nil, nil
	}

	// index entries for field lookup by id
	byID := make(map[string]map[string]string, len(st.entries))
	for _, e := range st.entries {
		byID[e.id] = e.fields
	}

	now := time.Now()
	var out []Entry
	for id, d := range gs.pending {
		if int64(len(out)) >= count {
			break
		}
		if now.Sub(d.deliveredAt) < minIdle {
			continue
		}
		gs.pending[id] = delivery{consumer: consumer, deliveredAt: now}
		out = append(out, Entry{ID: id, Fields: byID[id]})
	}
	return out, nil
}

func (s *MemStore) Peek(ctx context.Context, stream string, n int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		return nil, nil
	}
	start := int64(len(st.entries)) - n
	if start < 0 {
		start = 0
	}
	out := make([]Entry, 0, int64(len(st.entries))-start)
	for _, e := range st.entries[start:] {
		out = append(out, Entry{ID: e.id, Fields: e.fields})
	}
	return out, nil
}
