package progress

import (
	"context"
	"sync"
	"time"
	"validation-backend/internal/core/types"
)

const DefaultTTL = time.Hour

// Store records the latest progress snapshot per task. Writes are atomic
// replacements, and a write older than the stored snapshot (by UpdatedAt) is
// ignored.
type Store interface {
	Write(ctx context.Context, snapshot types.ProgressSnapshot) error

	// Read returns nil without an error when the task has no live snapshot.
	Read(ctx context.Context, taskId string) (*types.ProgressSnapshot, error)

	Clear(ctx context.Context, taskId string) error

	// Subscribe delivers the current snapshot followed by every later write. The
	// channel is closed after a terminal snapshot or when ctx is done.
	Subscribe(ctx context.Context, taskId string) (<-chan types.ProgressSnapshot, error)
}

// mailbox is an unbounded per-subscriber queue so publishers never block on a
// slow reader.
type mailbox struct {
	mu      sync.Mutex
	pending []types.ProgressSnapshot
	signal  chan struct{}
	closed  bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(s types.ProgressSnapshot) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, s)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() ([]types.ProgressSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out, m.closed
}

// pump forwards mailbox contents to out in order, skipping snapshots older than
// the last one delivered, and closes out after a terminal snapshot.
func (m *mailbox) pump(ctx context.Context, out chan<- types.ProgressSnapshot, onExit func()) {
	defer close(out)
	defer onExit()

	var last time.Time
	for {
		batch, closed := m.drain()
		for _, s := range batch {
			if !last.IsZero() && s.UpdatedAt.Before(last) {
				continue
			}
			last = s.UpdatedAt

			select {
			case out <- s:
			case <-ctx.Done():
				return
			}

			if s.Terminal() {
				return
			}
		}
		if closed {
			return
		}

		select {
		case <-m.signal:
		case <-ctx.Done():
			return
		}
	}
}
