package activity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport defines an interface for forwarding persisted records to an
// external stream. Transports attach to the logged hooks via ForwardLogged, so
// downstream consumers only ever see records that reached the primary store.
type Transport interface {
	Start() error
	Send(rec *Record) error
	Close() error
}

// ForwardLogged subscribes transport to logger's logged hooks. Send failures
// are local warnings; they never feed back into the logging pipeline.
//
// Returns:
//   - UnsubscribeFunc: Detaches the transport from the hooks. Closing the
//     transport itself remains the caller's job.
func ForwardLogged(logger *Logger, transport Transport) UnsubscribeFunc {
	return logger.Bus().OnLogged(func(rec *Record) {
		if err := transport.Send(rec); err != nil {
			logger.log.WithError(err).Warn("activity: transport send failed")
		}
	})
}

// KafkaTransport implements Transport using Kafka.
type KafkaTransport struct {
	producer   sarama.SyncProducer
	topic      string
	maxRetries int
	retryDelay time.Duration
	async      bool
}

// NewKafkaTransport creates a Kafka transport publishing records to topic.
func NewKafkaTransport(brokers []string, topic string, opts ...KafkaOption) (*KafkaTransport, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	t := &KafkaTransport{
		topic:      topic,
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.async {
		config.Producer.Return.Successes = false
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("activity: kafka producer creation failed: %w", err)
	}
	t.producer = producer
	return t, nil
}

// KafkaOption configures KafkaTransport.
type KafkaOption func(*KafkaTransport)

// WithKafkaRetries sets the number of retries.
func WithKafkaRetries(n int) KafkaOption {
	return func(t *KafkaTransport) { t.maxRetries = n }
}

// WithKafkaRetryDelay sets the initial retry delay.
func WithKafkaRetryDelay(d time.Duration) KafkaOption {
	return func(t *KafkaTransport) { t.retryDelay = d }
}

// WithKafkaAsync enables asynchronous producing.
func WithKafkaAsync(async bool) KafkaOption {
	return func(t *KafkaTransport) { t.async = async }
}

// Start initializes the transport.
func (t *KafkaTransport) Start() error {
	return nil
}

// Send publishes one record to Kafka with retry logic. The record's user id is
// the partition key, so one user's activities stay ordered.
func (t *KafkaTransport) Send(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("activity: record marshal failed: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: t.topic,
		Key:   sarama.StringEncoder(rec.UserID),
		Value: sarama.ByteEncoder(data),
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retryDelay
	b.MaxElapsedTime = time.Duration(t.maxRetries) * t.retryDelay * 2
	return backoff.Retry(func() error {
		_, _, err := t.producer.SendMessage(msg)
		return err
	}, b)
}

// Close shuts down the transport.
func (t *KafkaTransport) Close() error {
	return t.producer.Close()
}

// AMQPTransport implements Transport using an AMQP 0.9.1 broker.
type AMQPTransport struct {
	url      string
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
}

// NewAMQPTransport creates an AMQP transport publishing records to exchange.
// The connection is established by Start.
func NewAMQPTransport(url, exchange string) *AMQPTransport {
	return &AMQPTransport{url: url, exchange: exchange}
}

// Start dials the broker and declares the durable topic exchange.
func (t *AMQPTransport) Start() error {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("activity: amqp dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("activity: amqp channel failed: %w", err)
	}
	if err := ch.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("activity: amqp exchange declaration failed: %w", err)
	}
	t.conn = conn
	t.channel = ch
	return nil
}

// Send publishes one record with its activity type as the routing key, so
// consumers can bind to "orders_*" or "*_deleted" style patterns.
func (t *AMQPTransport) Send(rec *Record) error {
	if t.channel == nil {
		return fmt.Errorf("activity: amqp transport not started")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("activity: record marshal failed: %w", err)
	}
	return t.channel.Publish(t.exchange, rec.Type, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   rec.CreatedAt,
		Body:        data,
	})
}

// Close shuts down the channel and the connection.
func (t *AMQPTransport) Close() error {
	if t.channel != nil {
		t.channel.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
