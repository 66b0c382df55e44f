package messaging

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeKindTopic = "topic"
	// ArrivalRoutingKey tags "object stored" notifications on the staging exchange.
	ArrivalRoutingKey = "object.created"
)

// TopologyChannel is the subset of *amqp.Channel used to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology names the exchanges and queues of the import workflow.
type Topology struct {
	AuditExchange   string
	AuditRoutingKey string
	AuditQueue      string
	StagingExchange string
	ArrivalQueue    string
}

// DeadLetterExchange receives arrivals that failed twice.
func (t Topology) DeadLetterExchange() string {
	return t.StagingExchange + ".dlx"
}

// DeadLetterQueue holds dead-lettered arrivals for inspection.
func (t Topology) DeadLetterQueue() string {
	return t.ArrivalQueue + ".dlq"
}

// Declare creates every exchange, queue and binding. It is idempotent.
func (t Topology) Declare(ch TopologyChannel) error {
	if err := ch.ExchangeDeclare(t.AuditExchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare audit exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(t.AuditQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare audit queue: %w", err)
	}
	if err := ch.QueueBind(t.AuditQueue, t.AuditRoutingKey, t.AuditExchange, false, nil); err != nil {
		return fmt.Errorf("bind audit queue: %w", err)
	}

	if err := ch.ExchangeDeclare(t.DeadLetterExchange(), exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue(), "#", t.DeadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	if err := ch.ExchangeDeclare(t.StagingExchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare staging exchange: %w", err)
	}
	args := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange()}
	if _, err := ch.QueueDeclare(t.ArrivalQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare arrival queue: %w", err)
	}
	if err := ch.QueueBind(t.ArrivalQueue, ArrivalRoutingKey, t.StagingExchange, false, nil); err != nil {
		return fmt.Errorf("bind arrival queue: %w", err)
	}

	return nil
}
