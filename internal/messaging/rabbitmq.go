package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"validation-backend/internal/core/types"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

func connectToRabbitMQ(url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			slog.Info("connected to rabbitmq")
			return conn, nil
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", MaxConnectRetry, "error", err)
		time.Sleep(RetryDelay)
	}
	slog.Error("failed to connect to rabbitmq", "attempts", MaxConnectRetry, "error", err)
	return nil, fmt.Errorf("%w: failed to connect after %d attempts: %w", types.ErrBrokerUnavailable, MaxConnectRetry, err)
}

func declareQueues(channel *amqp.Channel) error {
	for _, queue := range types.AllQueues {
		if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare rabbitmq queue %s: %w", queue, err)
		}
	}
	return nil
}

func publishBody(ctx context.Context, channel *amqp.Channel, queue string, body []byte, attempt int) error {
	return channel.PublishWithContext(ctx,
		"",    // exchange (default)
		queue, // routing key (queue name)
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{attemptHeader: int32(attempt)},
			Body:         body,
		})
}

type RabbitMQPublisher struct {
	connLock   sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	url        string
	destructor sync.Once
}

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	var err error
	p.conn, err = connectToRabbitMQ(p.url)
	if err != nil {
		return err
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		p.conn.Close()
		slog.Error("failed to open rabbitmq channel", "error", err)
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := declareQueues(p.channel); err != nil {
		p.conn.Close()
		return err
	}

	slog.Info("rabbitmq channel opened and queues declared")

	go p.handleReconnect()

	return nil
}

func (p *RabbitMQPublisher) handleReconnect() {
	notifyClose := make(chan *amqp.Error, 1)
	p.channel.NotifyClose(notifyClose)

	err, ok := <-notifyClose
	if !ok { // channel is just closed on graceful close
		slog.Info("rabbitmq connection closed")
		return
	}

	slog.Warn("rabbit connection closed, attempting to reconnect", "error", err)

	p.connLock.Lock()
	defer p.connLock.Unlock()

	p.channel = nil
	p.conn = nil
	for {
		if p.connect() == nil {
			slog.Info("successfully reconnected to rabbitmq")
			return
		}
		time.Sleep(RetryDelay * 10)
	}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, desc types.TaskDescriptor) error {
	if !types.IsKnownQueue(desc.QueueName) {
		return fmt.Errorf("unknown queue '%s'", desc.QueueName)
	}

	body, err := EncodeDescriptor(desc)
	if err != nil {
		return err
	}

	p.connLock.RLock()
	defer p.connLock.RUnlock()

	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("%w: rabbitmq connection is closed", types.ErrBrokerUnavailable)
	}

	if err := publishBody(ctx, p.channel, desc.QueueName, body, 0); err != nil {
		slog.Error("failed to publish task, potential connection issue", "queue", desc.QueueName, "task_id", desc.TaskId, "error", err)
		return fmt.Errorf("%w: failed to publish to %s: %w", types.ErrBrokerUnavailable, desc.QueueName, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Ping() error {
	p.connLock.RLock()
	defer p.connLock.RUnlock()
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("%w: rabbitmq connection is closed", types.ErrBrokerUnavailable)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() {
	p.destructor.Do(func() {
		p.connLock.RLock()
		defer p.connLock.RUnlock()
		if p.conn == nil {
			return
		}
		if err := p.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
}

type RabbitMQTask struct {
	d          amqp.Delivery
	channel    *amqp.Channel
	redelivery int
}

func (t *RabbitMQTask) Type() string {
	return t.d.RoutingKey
}

func (t *RabbitMQTask) Payload() []byte {
	return t.d.Body
}

func (t *RabbitMQTask) Descriptor() (types.TaskDescriptor, error) {
	return DecodeDescriptor(t.d.Body)
}

func (t *RabbitMQTask) Attempt() int {
	switch v := t.d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (t *RabbitMQTask) Ack() error {
	return t.d.Ack(false)
}

// Nack republishes the message with an incremented attempt count while the
// redelivery budget lasts, and drops it otherwise. Requeueing through the
// broker would lose the count.
func (t *RabbitMQTask) Nack() error {
	attempt := t.Attempt()
	if attempt >= t.redelivery {
		return t.d.Nack(false, false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := publishBody(ctx, t.channel, t.d.RoutingKey, t.d.Body, attempt+1); err != nil {
		slog.Error("failed to republish task for redelivery", "queue", t.d.RoutingKey, "error", err)
		return t.d.Nack(false, true)
	}
	return t.d.Ack(false)
}

func (t *RabbitMQTask) Reject() error {
	return t.d.Reject(false)
}

type RabbitMQReceiver struct {
	tasks      chan Task
	url        string
	queues     []string
	prefetch   int
	redelivery int

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	tags    []string

	stop         chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
}

func NewRabbitMQReceiver(rabbitMQURL string, queues []string, prefetch, redelivery int) (*RabbitMQReceiver, error) {
	if len(queues) == 0 {
		queues = types.AllQueues
	}
	for _, queue := range queues {
		if !types.IsKnownQueue(queue) {
			return nil, fmt.Errorf("unknown queue '%s'", queue)
		}
	}

	c := &RabbitMQReceiver{
		tasks:      make(chan Task),
		url:        rabbitMQURL,
		queues:     queues,
		prefetch:   max(prefetch, 1),
		redelivery: max(redelivery, 0),
		stop:       make(chan struct{}),
	}

	if err := c.receiveTasks(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RabbitMQReceiver) consume(channel *amqp.Channel, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		task := &RabbitMQTask{d: d, channel: channel, redelivery: c.redelivery}
		select {
		case c.tasks <- task:
		case <-c.stop:
			if err := d.Nack(false, true); err != nil {
				slog.Error("error returning task to rabbitmq", "error", err)
			}
			return
		}
	}
}

func (c *RabbitMQReceiver) receiveTasks() error {
	conn, err := connectToRabbitMQ(c.url)
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		slog.Error("failed to open rabbitmq channel", "error", err)
		conn.Close()
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	// The prefetch window matches the worker's concurrency so unacked
	// deliveries never exceed what the worker can run.
	if err := channel.Qos(c.prefetch, 0, false); err != nil {
		slog.Error("failed to set channel qos", "error", err)
		conn.Close()
		return fmt.Errorf("failed to set channel qos: %w", err)
	}

	if err := declareQueues(channel); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.stop:
		conn.Close()
		return nil
	default:
	}

	tags := make([]string, 0, len(c.queues))
	for _, queue := range c.queues {
		tag := fmt.Sprintf("%s.%s", queue, uuid.NewString())
		msgs, err := channel.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			slog.Error("failed to consume from rabbitmq queue", "queue", queue, "error", err)
			conn.Close()
			return fmt.Errorf("failed to consume from rabbitmq queue %s: %w", queue, err)
		}
		tags = append(tags, tag)

		go c.consume(channel, msgs)
	}

	c.conn, c.channel, c.tags = conn, channel, tags

	go c.handleReconnect(channel)

	return nil
}

func (c *RabbitMQReceiver) handleReconnect(channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	select {
	case err, ok := <-notifyClose:
		if !ok {
			slog.Info("rabbitmq connection closed")
			return
		}

		slog.Warn("rabbit connection closed, attempting to reconnect", "error", err)

		for {
			select {
			case <-c.stop:
				return
			default:
			}
			if c.receiveTasks() == nil {
				slog.Info("successfully restarted rabbitmq consumer")
				return
			}
			time.Sleep(RetryDelay * 10)
		}
	case <-c.stop:
		return
	}
}

func (c *RabbitMQReceiver) Tasks() <-chan Task {
	return c.tasks
}

// Close cancels the consumers so no new deliveries arrive. The connection stays
// open so tasks already handed out can still be acked.
func (c *RabbitMQReceiver) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.channel == nil {
			return
		}
		slog.Info("stopping rabbitmq consumer")
		for _, tag := range c.tags {
			if err := c.channel.Cancel(tag, false); err != nil {
				slog.Error("error cancelling rabbitmq consumer", "consumer", tag, "error", err)
			}
		}
	})
}

// Shutdown closes the connection. Unacked deliveries return to the broker.
func (c *RabbitMQReceiver) Shutdown() {
	c.Close()
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			slog.Error("error closing rabbitmq conn", "error", err)
		}
	})
}
