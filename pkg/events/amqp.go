package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/sonnylloyd/siprelay/pkg/errors"
)

// AMQPConfig holds AMQP publisher configuration
type AMQPConfig struct {
	URL       string
	QueueName string
}

// AMQPPublisher publishes relay events to an AMQP queue.
type AMQPPublisher struct {
	logger  *logrus.Logger
	config  AMQPConfig
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex
	closed  bool
}

// NewAMQPPublisher connects to the broker and declares the event queue.
func NewAMQPPublisher(logger *logrus.Logger, config AMQPConfig) (*AMQPPublisher, error) {
	if config.URL == "" || config.QueueName == "" {
		return nil, errors.New("AMQP URL and queue name are required")
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to AMQP broker")
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to open AMQP channel")
	}

	_, err = channel.QueueDeclare(
		config.QueueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, errors.Wrap(err, "failed to declare AMQP queue")
	}

	logger.WithField("queue", config.QueueName).Info("AMQP event publisher connected")

	return &AMQPPublisher{
		logger:  logger,
		config:  config,
		conn:    conn,
		channel: channel,
	}, nil
}

// Publish sends an event to the queue. Failures are logged and dropped so
// signaling is never blocked on the broker.
func (p *AMQPPublisher) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal relay event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	err = p.channel.Publish(
		"", // default exchange
		p.config.QueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.WithError(err).WithField("type", event.Type).Warn("Failed to publish relay event")
		return
	}

	p.logger.WithFields(logrus.Fields{
		"type": event.Type,
		"id":   event.ID,
	}).Debug("Published relay event")
}

// Close shuts the channel and connection down.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
