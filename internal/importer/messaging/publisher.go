package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrPublishNacked  = errors.New("broker rejected publish")
	ErrConfirmTimeout = errors.New("publish confirmation timed out")
	ErrChannelClosed  = errors.New("amqp channel closed")
)

// ConfirmChannel is the subset of *amqp.Channel needed for confirmed publishing.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends a message to an exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// ConfirmPublisher publishes with broker confirms. Calls are serialized so
// each confirmation matches the publish that produced it.
type ConfirmPublisher struct {
	ch       ConfirmChannel
	confirms chan amqp.Confirmation
	timeout  time.Duration
	mu       sync.Mutex
}

func NewConfirmPublisher(ch ConfirmChannel, timeout time.Duration) (*ConfirmPublisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &ConfirmPublisher{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		timeout:  timeout,
	}, nil
}

func (p *ConfirmPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return ErrPublishNacked
		}
		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
