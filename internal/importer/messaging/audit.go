package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"invoiceimport/internal/importer/domain"
	"invoiceimport/pkg/logger"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// auditDetail is the event body on the audit bus.
type auditDetail struct {
	Reason string `json:"reason"`
}

// AuditSink emits invoice failure events to the audit exchange.
type AuditSink struct {
	publisher  Publisher
	exchange   string
	routingKey string
	source     string
	now        func() time.Time
	logger     *logger.Logger
}

func NewAuditSink(publisher Publisher, exchange, routingKey, source string) *AuditSink {
	return &AuditSink{
		publisher:  publisher,
		exchange:   exchange,
		routingKey: routingKey,
		source:     source,
		now:        time.Now,
		logger:     logger.WithField("component", "audit-sink"),
	}
}

func (s *AuditSink) Emit(ctx context.Context, event domain.AuditEvent) error {
	body, err := json.Marshal(auditDetail{Reason: event.Reason})
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	ts := event.Time
	if ts.IsZero() {
		ts = s.now()
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    ts,
		Type:         s.routingKey,
		AppId:        s.source,
		Body:         body,
	}
	if event.TransactionId != "" {
		msg.Headers = amqp.Table{"transactionId": event.TransactionId}
	}

	if err := s.publisher.Publish(ctx, s.exchange, s.routingKey, msg); err != nil {
		return fmt.Errorf("emit audit event: %w", err)
	}

	s.logger.Debug("audit event emitted", "transactionId", event.TransactionId, "reason", event.Reason)
	return nil
}

// AuditConsumer records every invoice failure event delivered to the audit
// queue in the service log.
type AuditConsumer struct {
	ch     ConsumeChannel
	queue  string
	logger *logger.Logger
}

func NewAuditConsumer(ch ConsumeChannel, queue string) *AuditConsumer {
	return &AuditConsumer{
		ch:     ch,
		queue:  queue,
		logger: logger.WithField("component", "audit-consumer"),
	}
}

// Run consumes until ctx is done or the channel closes.
func (c *AuditConsumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "invoiced-audit", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Info("audit consumer started", "queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrChannelClosed
			}
			c.handle(d)
		}
	}
}

func (c *AuditConsumer) handle(d amqp.Delivery) {
	var detail auditDetail
	if err := json.Unmarshal(d.Body, &detail); err != nil {
		c.logger.Warn("malformed audit event", "messageId", d.MessageId, "error", err)
	} else {
		txID, _ := d.Headers["transactionId"].(string)
		c.logger.Warn("invoice failure event",
			"source", d.AppId,
			"type", d.Type,
			"transactionId", txID,
			"reason", detail.Reason,
			"time", d.Timestamp)
	}

	if err := d.Ack(false); err != nil {
		c.logger.Warn("failed to ack audit event", "messageId", d.MessageId, "error", err)
	}
}
