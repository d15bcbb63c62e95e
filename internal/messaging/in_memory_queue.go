package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"validation-backend/internal/core/types"
)

var ErrQueueClosed = errors.New("queue closed")

type inMemoryTask struct {
	queue   *InMemoryQueue
	name    string
	payload []byte
	attempt int
	settled sync.Once
}

func (t *inMemoryTask) Type() string {
	return t.name
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Descriptor() (types.TaskDescriptor, error) {
	return DecodeDescriptor(t.payload)
}

func (t *inMemoryTask) Attempt() int {
	return t.attempt
}

func (t *inMemoryTask) Ack() error {
	t.settled.Do(func() {})
	return nil
}

func (t *inMemoryTask) Nack() error {
	t.settled.Do(func() {
		if t.attempt < t.queue.redelivery {
			t.queue.push(t.name, &inMemoryTask{queue: t.queue, name: t.name, payload: t.payload, attempt: t.attempt + 1})
			return
		}
		slog.Warn("dropping task after exhausting redeliveries", "queue", t.name, "attempts", t.attempt+1)
	})
	return nil
}

func (t *inMemoryTask) Reject() error {
	t.settled.Do(func() {})
	return nil
}

// InMemoryQueue is a broker for a single process. Each queue is FIFO and a
// claimed task is held by exactly one consumer until it is settled.
type InMemoryQueue struct {
	mu         sync.Mutex
	queues     map[string][]*inMemoryTask
	notify     chan struct{}
	next       int
	redelivery int
	closed     bool
}

func NewInMemoryQueue(redelivery int) *InMemoryQueue {
	return &InMemoryQueue{
		queues:     make(map[string][]*inMemoryTask),
		notify:     make(chan struct{}),
		redelivery: max(redelivery, 0),
	}
}

func (q *InMemoryQueue) push(queue string, task *inMemoryTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.queues[queue] = append(q.queues[queue], task)
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *InMemoryQueue) Publish(ctx context.Context, desc types.TaskDescriptor) error {
	if !types.IsKnownQueue(desc.QueueName) {
		return fmt.Errorf("unknown queue '%s'", desc.QueueName)
	}
	data, err := EncodeDescriptor(desc)
	if err != nil {
		return err
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %w", types.ErrBrokerUnavailable, ErrQueueClosed)
	}

	q.push(desc.QueueName, &inMemoryTask{queue: q, name: desc.QueueName, payload: data})
	return nil
}

// Claim blocks until a task is available on one of the queues. Queues are
// visited round-robin so a busy queue cannot starve the others.
func (q *InMemoryQueue) Claim(ctx context.Context, queues ...string) (Task, error) {
	if len(queues) == 0 {
		queues = types.AllQueues
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		for i := range queues {
			name := queues[(q.next+i)%len(queues)]
			if pending := q.queues[name]; len(pending) > 0 {
				task := pending[0]
				q.queues[name] = pending[1:]
				q.next = (q.next + i + 1) % len(queues)
				q.mu.Unlock()
				return task, nil
			}
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

func (q *InMemoryQueue) Depth(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue])
}

// Receiver returns a Reciever that claims from the given queues until closed.
func (q *InMemoryQueue) Receiver(queues []string) Reciever {
	ctx, cancel := context.WithCancel(context.Background())
	r := &InMemoryReceiver{tasks: make(chan Task), cancel: cancel}

	go func() {
		defer close(r.tasks)
		for {
			task, err := q.Claim(ctx, queues...)
			if err != nil {
				return
			}
			select {
			case r.tasks <- task:
			case <-ctx.Done():
				// Hand the claimed task back so it is not lost.
				q.requeueFront(task.(*inMemoryTask))
				return
			}
		}
	}()

	return r
}

func (q *InMemoryQueue) requeueFront(task *inMemoryTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.queues[task.name] = append([]*inMemoryTask{task}, q.queues[task.name]...)
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
}

type InMemoryReceiver struct {
	tasks  chan Task
	cancel context.CancelFunc
}

func (r *InMemoryReceiver) Tasks() <-chan Task {
	return r.tasks
}

func (r *InMemoryReceiver) Close() {
	r.cancel()
}

func (r *InMemoryReceiver) Shutdown() {
	r.cancel()
}
