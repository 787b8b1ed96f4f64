package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/anstrom/hostsweep/internal/logging"
	"github.com/anstrom/hostsweep/internal/pipeline"
)

const (
	publishTimeout   = 5 * time.Second
	routingKeyPrefix = "progress."
	appID            = "hostsweep"
)

// publisher is the part of *amqp.Channel the sink uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes every event to a topic exchange with the routing key
// "progress.<type>".
type AMQPSink struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	pub      publisher
	exchange string
	logger   *logging.Logger
}

// DialAMQP connects to the broker and declares exchange as a durable topic
// exchange.
func DialAMQP(url, exchange string, logger *logging.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	s := newAMQPSink(channel, exchange, logger)
	s.conn = conn
	s.channel = channel
	return s, nil
}

func newAMQPSink(pub publisher, exchange string, logger *logging.Logger) *AMQPSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &AMQPSink{
		pub:      pub,
		exchange: exchange,
		logger:   logger.WithComponent("amqp"),
	}
}

// RoutingKey returns the routing key events of type t are published with.
func RoutingKey(t pipeline.EventType) string {
	return routingKeyPrefix + string(t)
}

// Emit implements pipeline.Sink. Publish failures are logged; progress
// delivery never fails a run.
func (s *AMQPSink) Emit(e pipeline.Event) {
	if err := s.publish(e); err != nil {
		s.logger.Warn("failed to publish progress event", "type", e.Type, "run_id", e.RunID, "error", err)
	}
}

func (s *AMQPSink) publish(e pipeline.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = s.pub.PublishWithContext(
		ctx,
		s.exchange,
		RoutingKey(e.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			MessageId:     uuid.NewString(),
			CorrelationId: e.RunID,
			Type:          string(e.Type),
			AppId:         appID,
			Timestamp:     e.Timestamp,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	s.logger.Debug("event published", "type", e.Type, "routing_key", RoutingKey(e.Type))
	return nil
}

// Close closes the channel and the connection.
func (s *AMQPSink) Close() error {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
