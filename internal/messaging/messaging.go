package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"validation-backend/internal/core/types"
)

const (
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	// Type is the name of the queue the task was delivered from.
	Type() string

	Payload() []byte

	Descriptor() (types.TaskDescriptor, error)

	// Attempt is 0 on first delivery and increases with every redelivery.
	Attempt() int

	Ack() error

	// Nack releases the task, requeueing it only while redelivery budget remains.
	Nack() error

	// Reject drops the task without requeueing.
	Reject() error
}

type Publisher interface {
	Publish(ctx context.Context, desc types.TaskDescriptor) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	// Close stops new deliveries. Tasks already received can still be settled.
	Close()

	// Shutdown releases the broker connection. Call it once every received task
	// is settled.
	Shutdown()
}

type wireDescriptor struct {
	TaskId      string          `json:"task_id"`
	TaskClass   string          `json:"task_class"`
	Payload     json.RawMessage `json:"payload"`
	QueueName   string          `json:"queue"`
	Fingerprint string          `json:"fingerprint"`
	CreatedAt   time.Time       `json:"created_at"`
}

func EncodeDescriptor(desc types.TaskDescriptor) ([]byte, error) {
	payload := desc.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	data, err := json.Marshal(wireDescriptor{
		TaskId:      desc.TaskId,
		TaskClass:   string(desc.TaskClass),
		Payload:     payload,
		QueueName:   desc.QueueName,
		Fingerprint: desc.Fingerprint,
		CreatedAt:   desc.CreatedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding task %s: %w", desc.TaskId, err)
	}
	return data, nil
}

func DecodeDescriptor(data []byte) (types.TaskDescriptor, error) {
	var wire wireDescriptor
	if err := json.Unmarshal(data, &wire); err != nil {
		return types.TaskDescriptor{}, fmt.Errorf("error decoding task: %w", err)
	}
	if wire.TaskId == "" {
		return types.TaskDescriptor{}, fmt.Errorf("task is missing task_id")
	}
	class, err := types.ParseTaskClass(wire.TaskClass)
	if err != nil {
		return types.TaskDescriptor{}, err
	}
	return types.TaskDescriptor{
		TaskId:      wire.TaskId,
		TaskClass:   class,
		Payload:     wire.Payload,
		QueueName:   wire.QueueName,
		Fingerprint: wire.Fingerprint,
		CreatedAt:   wire.CreatedAt,
	}, nil
}
