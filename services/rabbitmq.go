package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ppgtriage/config"
	"ppgtriage/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var errPublisherClosed = errors.New("rabbitmq publisher closed")

// amqpPublisher is the part of *amqp.Channel the publisher uses.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQPublisher publishes triage events to a topic exchange for
// downstream consumers such as the ward dashboard.
type RabbitMQPublisher struct {
	config *config.Config
	logger *zap.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	publisher amqpPublisher
	isClosing bool

	reconnect  func() error
	retryDelay time.Duration
}

// NewRabbitMQPublisher connects to the broker and declares the exchange.
func NewRabbitMQPublisher(cfg *config.Config, logger *zap.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{
		config:     cfg,
		logger:     logger,
		retryDelay: 5 * time.Second,
	}
	p.reconnect = p.connect

	if err := p.connect(); err != nil {
		return nil, err
	}

	return p, nil
}

// connect establishes connection to RabbitMQ and declares the exchange
func (r *RabbitMQPublisher) connect() error {
	var (
		conn *amqp.Connection
		err  error
	)

	r.logger.Info("Connecting to RabbitMQ", zap.String("exchange", r.config.RabbitMQExchange))

	// Connect to RabbitMQ with retry
	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if r.closing() {
			return errPublisherClosed
		}
		conn, err = amqp.Dial(r.config.RabbitMQURL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.logger.Info("Connected to RabbitMQ successfully")

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		r.config.RabbitMQExchange, // name
		"topic",                   // type
		true,                      // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	r.logger.Info("Exchange declared", zap.String("exchange", r.config.RabbitMQExchange))

	r.mu.Lock()
	if r.isClosing {
		r.mu.Unlock()
		channel.Close()
		conn.Close()
		return errPublisherClosed
	}
	r.conn = conn
	r.channel = channel
	r.publisher = channel
	r.mu.Unlock()

	// Setup connection close notification
	go r.handleReconnect(conn)

	return nil
}

// handleReconnect reconnects when conn is lost
func (r *RabbitMQPublisher) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))

	if r.closing() {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	r.mu.Lock()
	r.publisher = nil
	r.mu.Unlock()

	r.reconnectLoop()
}

// reconnectLoop retries until a connection is up or Close is called.
func (r *RabbitMQPublisher) reconnectLoop() {
	for {
		if r.closing() {
			r.logger.Info("RabbitMQ publisher closed, giving up reconnect")
			return
		}

		r.logger.Info("Attempting to reconnect to RabbitMQ...")
		err := r.reconnect()
		if err == nil {
			r.logger.Info("Successfully reconnected to RabbitMQ")
			return
		}
		if errors.Is(err, errPublisherClosed) {
			r.logger.Info("RabbitMQ publisher closed during reconnect")
			return
		}

		r.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(r.retryDelay)
	}
}

func (r *RabbitMQPublisher) closing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isClosing
}

// routingKey is "<configured key>.<state>", so consumers can bind to
// "triage.state.orange" or "triage.state.#".
func routingKey(base string, event models.TriageEvent) string {
	return base + "." + event.To.String()
}

func buildTriagePublishing(event models.TriageEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal triage event: %w", err)
	}

	priority := uint8(event.To)
	if event.Suppressed {
		priority = uint8(event.Candidate)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Priority:     priority,
		Timestamp:    event.Timestamp,
		Type:         "triage.event",
		Headers: amqp.Table{
			"patient_id": event.PatientID,
			"suppressed": event.Suppressed,
			"override":   event.Override,
		},
	}, nil
}

// NotifyTriage publishes event. It fails fast while the broker is
// reconnecting.
func (r *RabbitMQPublisher) NotifyTriage(ctx context.Context, event models.TriageEvent) error {
	msg, err := buildTriagePublishing(event)
	if err != nil {
		return err
	}

	r.mu.RLock()
	publisher := r.publisher
	r.mu.RUnlock()
	if publisher == nil {
		return fmt.Errorf("rabbitmq channel not available")
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := routingKey(r.config.RabbitMQRoutingKey, event)
	if err := publisher.PublishWithContext(pubCtx,
		r.config.RabbitMQExchange, // exchange
		key,                       // routing key
		false,                     // mandatory
		false,                     // immediate
		msg,
	); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	r.logger.Debug("Published triage event to RabbitMQ",
		zap.String("patient_id", event.PatientID),
		zap.String("routing_key", key))

	return nil
}

// Close gracefully closes RabbitMQ connection
func (r *RabbitMQPublisher) Close() error {
	r.mu.Lock()
	r.isClosing = true
	channel, conn := r.channel, r.conn
	r.publisher = nil
	r.mu.Unlock()

	r.logger.Info("Closing RabbitMQ connection")

	if channel != nil {
		if err := channel.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}
