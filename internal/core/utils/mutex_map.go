package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrMutexMapFull = errors.New("mutex map is full")

type keyLock struct {
	held    chan struct{}
	waiters int
}

// MutexMap serializes work per key, e.g. per cache fingerprint, while letting
// different keys proceed concurrently. Entries are dropped once no goroutine
// holds or waits on them, and at most maxSize keys are tracked at once.
type MutexMap struct {
	edit    sync.Mutex
	locks   map[string]*keyLock
	maxSize int
}

func NewMutexMap(maxSize int) *MutexMap {
	return &MutexMap{
		locks:   make(map[string]*keyLock),
		maxSize: maxSize,
	}
}

// Lock blocks until the key is held or ctx is done.
func (m *MutexMap) Lock(ctx context.Context, key string) error {
	m.edit.Lock()
	lock, ok := m.locks[key]
	if !ok {
		if len(m.locks) >= m.maxSize {
			m.edit.Unlock()
			return fmt.Errorf("%w: %d keys", ErrMutexMapFull, m.maxSize)
		}
		lock = &keyLock{held: make(chan struct{}, 1)}
		m.locks[key] = lock
	}
	lock.waiters++
	m.edit.Unlock()

	select {
	case lock.held <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key, lock)
		return ctx.Err()
	}
}

func (m *MutexMap) Unlock(key string) error {
	m.edit.Lock()
	lock, ok := m.locks[key]
	m.edit.Unlock()
	if !ok {
		return fmt.Errorf("key %s not found", key)
	}

	select {
	case <-lock.held:
	default:
		return fmt.Errorf("key %s is not locked", key)
	}
	m.release(key, lock)
	return nil
}

func (m *MutexMap) release(key string, lock *keyLock) {
	m.edit.Lock()
	defer m.edit.Unlock()

	lock.waiters--
	if lock.waiters == 0 {
		delete(m.locks, key)
	}
}

func (m *MutexMap) Len() int {
	m.edit.Lock()
	defer m.edit.Unlock()
	return len(m.locks)
}
