package progress

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"
	"validation-backend/internal/core/types"
)

type memoryEntry struct {
	snapshot  types.ProgressSnapshot
	expiresAt time.Time
}

type MemoryStore struct {
	mu          sync.RWMutex
	snapshots   map[string]memoryEntry
	subscribers map[string]map[*mailbox]struct{}
	ttl         time.Duration
	now         func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		snapshots:   make(map[string]memoryEntry),
		subscribers: make(map[string]map[*mailbox]struct{}),
		ttl:         ttl,
		now:         time.Now,
	}
}

func copySnapshot(s types.ProgressSnapshot) types.ProgressSnapshot {
	s.Metadata = maps.Clone(s.Metadata)
	if s.Result != nil {
		s.Result = append(json.RawMessage(nil), s.Result...)
	}
	return s
}

func (m *MemoryStore) Write(ctx context.Context, snapshot types.ProgressSnapshot) error {
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = m.now().UTC()
	}
	snapshot = copySnapshot(snapshot)

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.snapshots[snapshot.TaskId]; ok && m.now().Before(cur.expiresAt) && cur.snapshot.UpdatedAt.After(snapshot.UpdatedAt) {
		return nil
	}

	m.snapshots[snapshot.TaskId] = memoryEntry{snapshot: snapshot, expiresAt: m.now().Add(m.ttl)}

	for box := range m.subscribers[snapshot.TaskId] {
		box.push(copySnapshot(snapshot))
	}
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, taskId string) (*types.ProgressSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.snapshots[taskId]
	if !ok || !m.now().Before(entry.expiresAt) {
		return nil, nil
	}
	snapshot := copySnapshot(entry.snapshot)
	return &snapshot, nil
}

func (m *MemoryStore) Clear(ctx context.Context, taskId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, taskId)
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, taskId string) (<-chan types.ProgressSnapshot, error) {
	box := newMailbox()

	m.mu.Lock()
	if m.subscribers[taskId] == nil {
		m.subscribers[taskId] = make(map[*mailbox]struct{})
	}
	m.subscribers[taskId][box] = struct{}{}
	if entry, ok := m.snapshots[taskId]; ok && m.now().Before(entry.expiresAt) {
		box.push(copySnapshot(entry.snapshot))
	}
	m.mu.Unlock()

	out := make(chan types.ProgressSnapshot)
	go box.pump(ctx, out, func() {
		box.close()
		m.mu.Lock()
		delete(m.subscribers[taskId], box)
		if len(m.subscribers[taskId]) == 0 {
			delete(m.subscribers, taskId)
		}
		m.mu.Unlock()
	})

	return out, nil
}
