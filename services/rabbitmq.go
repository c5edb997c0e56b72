package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"camsync/config"
	"camsync/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQBroadcaster carries tab election messages over a fanout exchange. Each
// tab gets an exclusive, auto-deleted queue bound to the exchange, so a crashed
// tab leaves nothing behind.
type RabbitMQBroadcaster struct {
	config    *config.Config
	conn      *amqp.Connection
	logger    *zap.Logger
	mu        sync.Mutex
	isClosing bool
}

// NewRabbitMQBroadcaster dials the broker and declares the exchange
func NewRabbitMQBroadcaster(cfg *config.Config, logger *zap.Logger) (*RabbitMQBroadcaster, error) {
	b := &RabbitMQBroadcaster{
		config: cfg,
		logger: logger,
	}

	if err := b.connect(); err != nil {
		return nil, err
	}

	return b, nil
}

// connect establishes connection to RabbitMQ and declares the fanout exchange
func (b *RabbitMQBroadcaster) connect() error {
	var err error

	b.logger.Info("Connecting to RabbitMQ", zap.String("exchange", b.config.RabbitMQExchange))

	// Connect to RabbitMQ with retry
	maxRetries := 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		b.conn, err = amqp.Dial(b.config.RabbitMQURL)
		if err == nil {
			break
		}

		b.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	err = ch.ExchangeDeclare(
		b.config.RabbitMQExchange, // name
		"fanout",                  // type - every tab sees every message
		false,                     // durable
		true,                      // auto-deleted when the last tab leaves
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	b.logger.Info("Connected to RabbitMQ successfully", zap.String("exchange", b.config.RabbitMQExchange))

	go b.watchClose(b.conn)

	return nil
}

// watchClose logs connection loss. Ports see their message channel close and the
// coordinator falls back to polling on its own, so no reconnect happens here.
func (b *RabbitMQBroadcaster) watchClose(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))

	b.mu.Lock()
	closing := b.isClosing
	b.mu.Unlock()

	if closing {
		b.logger.Info("RabbitMQ connection closed gracefully")
		return
	}
	b.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))
}

// Join opens a channel and a private queue for one tab
func (b *RabbitMQBroadcaster) Join(ctx context.Context, tabID string) (BroadcastPort, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open channel: %v", ErrBroadcastUnavailable, err)
	}

	queue, err := ch.QueueDeclare(
		"",    // name - server generated
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: failed to declare queue: %v", ErrBroadcastUnavailable, err)
	}

	if err := ch.QueueBind(queue.Name, "", b.config.RabbitMQExchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: failed to bind queue: %v", ErrBroadcastUnavailable, err)
	}

	msgs, err := ch.ConsumeWithContext(
		ctx,
		queue.Name, // queue
		"tab-"+tabID,
		true,  // auto-ack, election messages are not worth redelivery
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: failed to register consumer: %v", ErrBroadcastUnavailable, err)
	}

	b.logger.Info("Tab joined broadcast exchange",
		zap.String("tab_id", tabID),
		zap.String("queue", queue.Name))

	port := &rabbitPort{
		exchange: b.config.RabbitMQExchange,
		tabID:    tabID,
		channel:  ch,
		out:      make(chan models.TabMessage, portBuffer),
		done:     make(chan struct{}),
		logger:   b.logger,
	}
	go port.consume(msgs)
	return port, nil
}

// Close gracefully closes RabbitMQ connection
func (b *RabbitMQBroadcaster) Close() error {
	b.mu.Lock()
	b.isClosing = true
	b.mu.Unlock()

	b.logger.Info("Closing RabbitMQ connection")

	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			b.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}
	return nil
}

type rabbitPort struct {
	exchange string
	tabID    string
	channel  *amqp.Channel
	out      chan models.TabMessage
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// consume decodes deliveries until the channel closes. Once the port is
// closed, remaining deliveries are drained and dropped.
func (p *rabbitPort) consume(msgs <-chan amqp.Delivery) {
	defer close(p.out)

	for msg := range msgs {
		var tabMsg models.TabMessage
		if err := json.Unmarshal(msg.Body, &tabMsg); err != nil {
			p.logger.Warn("Failed to unmarshal tab message",
				zap.Error(err),
				zap.String("message_id", msg.MessageId))
			continue
		}
		select {
		case p.out <- tabMsg:
		case <-p.done:
		}
	}
}

func (p *rabbitPort) Post(ctx context.Context, msg models.TabMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal tab message: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		"",         // routing key, ignored by fanout
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now(),
			AppId:        p.tabID,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish tab message: %w", err)
	}
	return nil
}

func (p *rabbitPort) Messages() <-chan models.TabMessage { return p.out }

func (p *rabbitPort) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *rabbitPort) Close() error {
	p.stop()
	return p.channel.Close()
}
