// Package queue moves document ingest jobs through RabbitMQ. The API
// publishes a job after each upload; the ingest worker consumes them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/google/uuid"
)

// IngestJob tells the worker which document to process and where its bytes
// live.
type IngestJob struct {
	DocumentID uuid.UUID `json:"document_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	ObjectKey  string    `json:"object_key"`
}

// Client owns the AMQP connection and the durable ingest queue.
type Client struct {
	conn   *amqp.Connection
	queue  string
	logger *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// Connect dials RabbitMQ and declares the durable ingest queue.
func Connect(url, queueName string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declaring queue %q: %w", queueName, err)
	}

	return &Client{conn: conn, queue: queueName, logger: logger, ch: ch}, nil
}

// Close shuts down the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
	}
	return c.conn.Close()
}

// Publish enqueues an ingest job as a persistent JSON message.
func (c *Client) Publish(ctx context.Context, job IngestJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling ingest job: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.ch.PublishWithContext(ctx, "", c.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing ingest job: %w", err)
	}

	c.logger.Debug("published ingest job", "document_id", job.DocumentID, "queue", c.queue)
	return nil
}

// Handler processes one ingest job. A nil return acks the message; an error
// nacks it without requeue so a poison message cannot loop forever.
type Handler func(ctx context.Context, job IngestJob) error

// Consume delivers queued jobs to the handler until ctx is canceled.
// Messages are prefetched one at a time so slow embedding work does not
// pile deliveries onto a single worker.
func (c *Client) Consume(ctx context.Context, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handleDelivery(ctx, d, handler)
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	var job IngestJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		c.logger.Error("dropping malformed ingest message", "error", err)
		_ = d.Nack(false, false)
		return
	}

	if err := handler(ctx, job); err != nil {
		c.logger.Error("ingest job failed", "document_id", job.DocumentID, "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// Ping verifies the connection is alive.
func (c *Client) Ping() error {
	if c.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}
