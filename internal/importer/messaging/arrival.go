package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"invoiceimport/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeChannel is the subset of *amqp.Channel used by consumers.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// ArrivalHandler processes one staged object.
type ArrivalHandler interface {
	HandleObjectArrival(ctx context.Context, key string) error
}

type arrivalMessage struct {
	Key string `json:"key"`
}

// ArrivalPublisher announces objects written to the staging area.
type ArrivalPublisher struct {
	publisher Publisher
	exchange  string
}

func NewArrivalPublisher(publisher Publisher, exchange string) *ArrivalPublisher {
	return &ArrivalPublisher{publisher: publisher, exchange: exchange}
}

// ObjectCreated publishes the arrival of key.
func (p *ArrivalPublisher) ObjectCreated(ctx context.Context, key string) error {
	body, err := json.Marshal(arrivalMessage{Key: key})
	if err != nil {
		return err
	}

	return p.publisher.Publish(ctx, p.exchange, ArrivalRoutingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Body:         body,
	})
}

// ArrivalConsumer drives the coordinator from the arrival queue. A failed
// delivery is requeued once and dead-lettered on its second failure.
type ArrivalConsumer struct {
	ch       ConsumeChannel
	queue    string
	handler  ArrivalHandler
	prefetch int
	logger   *logger.Logger
}

func NewArrivalConsumer(ch ConsumeChannel, queue string, handler ArrivalHandler, prefetch int) *ArrivalConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	return &ArrivalConsumer{
		ch:       ch,
		queue:    queue,
		handler:  handler,
		prefetch: prefetch,
		logger:   logger.WithField("component", "arrival-consumer"),
	}
}

// Run consumes until ctx is done or the channel closes. In-flight deliveries
// finish before it returns.
func (c *ArrivalConsumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := c.ch.Consume(c.queue, "invoiced-arrivals", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Info("arrival consumer started", "queue", c.queue, "prefetch", c.prefetch)

	var wg sync.WaitGroup
	defer wg.Wait()

	slots := make(chan struct{}, c.prefetch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrChannelClosed
			}

			slots <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				c.handle(ctx, d)
			}()
		}
	}
}

func (c *ArrivalConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg arrivalMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.Key == "" {
		c.logger.Warn("dead-lettering malformed arrival", "messageId", d.MessageId, "error", err)
		c.settle(d, d.Nack(false, false))
		return
	}

	log := c.logger.WithFields("transactionId", msg.Key, "redelivered", d.Redelivered)

	err := c.handler.HandleObjectArrival(ctx, msg.Key)
	switch {
	case err == nil:
		c.settle(d, d.Ack(false))
	case errors.Is(err, context.Canceled):
		// shutting down, let the broker hand it to someone else
		c.settle(d, d.Nack(false, true))
	case d.Redelivered:
		log.Error("arrival failed again, dead-lettering", "error", err)
		c.settle(d, d.Nack(false, false))
	default:
		log.Warn("arrival failed, requeueing", "error", err)
		c.settle(d, d.Nack(false, true))
	}
}

func (c *ArrivalConsumer) settle(d amqp.Delivery, err error) {
	if err != nil {
		c.logger.Warn("failed to settle delivery", "deliveryTag", d.DeliveryTag, "error", err)
	}
}
