// Package amqp carries sync jobs over RabbitMQ for multi-instance deployments.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/movements-ledger/internal/jobs"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange and DefaultQueue are used when the config leaves them empty.
const (
	DefaultExchange = "ledger"
	DefaultQueue    = "ledger.sync"
)

const publishTimeout = 5 * time.Second

// Client publishes and consumes SyncJob messages on a durable direct exchange.
type Client struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	queueName    string

	// publish is swapped in tests.
	publish func(ctx context.Context, msg amqp091.Publishing) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient dials url and declares the exchange, queue and binding.
func NewClient(url, exchangeName, queueName string) (*Client, error) {
	if exchangeName == "" {
		exchangeName = DefaultExchange
	}
	if queueName == "" {
		queueName = DefaultQueue
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &Client{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		queueName:    queueName,
	}
	client.publish = client.channelPublish

	if err := client.setup(); err != nil {
		client.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}

	return client, nil
}

func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.queueName,    // queue name
		c.queueName,    // routing key
		c.exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	// One unacked sync per consumer.
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	return nil
}

func (c *Client) channelPublish(ctx context.Context, msg amqp091.Publishing) error {
	return c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		c.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		msg,
	)
}

// PublishSync implements jobs.Publisher.
func (c *Client) PublishSync(ctx context.Context, job *jobs.SyncJob) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = jobs.DefaultMaxRetries
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = c.publish(ctx, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    job.JobID,
		Timestamp:    time.Now(),
		Type:         string(job.GetType()),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("job_id", job.JobID).
		Str("principal_id", job.PrincipalID).
		Int("retry", job.RetryCount).
		Str("queue", c.queueName).
		Msg("Published sync job")

	return nil
}

// Start implements jobs.Consumer. Deliveries are acked manually and handled
// one at a time until ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context, handler jobs.JobHandler) error {
	msgs, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	log := logger.FromContext(ctx)
	log.Info().Str("queue", c.queueName).Msg("Started consuming sync jobs")

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				log.Info().Err(ctx.Err()).Msg("Stopping sync job consumption")
				return
			case delivery, ok := <-msgs:
				if !ok {
					log.Warn().Msg("Delivery channel closed")
					return
				}
				c.handleDelivery(ctx, delivery, handler)
			}
		}
	}()

	return nil
}

// handleDelivery runs handler for one delivery. Retryable failures are
// re-published with an incremented retry count; malformed and exhausted jobs
// are rejected without requeue.
func (c *Client) handleDelivery(ctx context.Context, delivery amqp091.Delivery, handler jobs.JobHandler) {
	log := logger.FromContext(ctx)

	var job jobs.SyncJob
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal sync job")
		_ = delivery.Nack(false, false)
		return
	}

	log = log.With().Str("job_id", job.JobID).Str("principal_id", job.PrincipalID).Logger()
	jobCtx := logger.WithContext(ctx, log)

	job.Status = jobs.JobStatusRunning
	err := handler(jobCtx, &job)
	if err == nil {
		_ = delivery.Ack(false)
		log.Info().Msg("Processed sync job")
		return
	}

	if jobs.IsPermanent(err) || job.RetryCount >= job.MaxRetries {
		log.Error().Err(err).Int("retry", job.RetryCount).Msg("Sync job failed")
		_ = delivery.Nack(false, false)
		return
	}

	job.RetryCount++
	job.Status = jobs.JobStatusPending
	job.Error = err.Error()
	log.Warn().Err(err).Int("retry", job.RetryCount).Msg("Sync job failed, retrying")

	if pubErr := c.PublishSync(jobCtx, &job); pubErr != nil {
		log.Error().Err(pubErr).Msg("Failed to re-publish sync job")
		_ = delivery.Nack(false, true)
		return
	}
	_ = delivery.Ack(false)
}

// Stop implements jobs.Consumer.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel and the connection.
func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var _ jobs.Publisher = (*Client)(nil)
var _ jobs.Consumer = (*Client)(nil)
