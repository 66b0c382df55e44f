package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "invoiceimport/pkg/errors"
	"invoiceimport/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	relaySend       = "send"
	relayDisconnect = "disconnect"
)

type relayMessage struct {
	Op      string `json:"op"`
	Payload []byte `json:"payload,omitempty"`
}

// Relay makes the sessions of a Hub reachable from every replica. While a
// session is open its replica subscribes to a Redis channel named after the
// connection; a replica that does not hold the connection publishes there
// and the owner delivers locally.
type Relay struct {
	hub    *Hub
	client redis.UniversalClient
	prefix string
	sub    *redis.PubSub
	logger *logger.Logger
}

func NewRelay(ctx context.Context, hub *Hub, client redis.UniversalClient, keyPrefix string) (*Relay, error) {
	r := &Relay{
		hub:    hub,
		client: client,
		prefix: keyPrefix + ":conn:",
		logger: logger.WithField("component", "push-relay"),
	}

	// a replica channel opens the subscription connection before any session
	node := keyPrefix + ":relay:" + uuid.NewString()
	sub := client.Subscribe(ctx, node)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", node, err)
	}
	r.sub = sub

	return r, nil
}

func (r *Relay) channel(connectionID string) string {
	return r.prefix + connectionID
}

// Register opens a local session and starts listening for messages other
// replicas address to it.
func (r *Relay) Register(parent context.Context) (*Session, error) {
	s, err := r.hub.Register(parent)
	if err != nil {
		return nil, err
	}

	if err := r.sub.Subscribe(parent, r.channel(s.ID())); err != nil {
		r.hub.Unregister(s.ID())
		return nil, fmt.Errorf("subscribe session %s: %w", s.ID(), err)
	}
	return s, nil
}

func (r *Relay) Unregister(id string) {
	r.hub.Unregister(id)
	if err := r.sub.Unsubscribe(context.Background(), r.channel(id)); err != nil {
		r.logger.Debug("failed to unsubscribe session", "connectionId", id, "error", err)
	}
}

// Send delivers locally when this replica holds the connection and forwards
// the payload otherwise.
func (r *Relay) Send(ctx context.Context, connectionID string, payload []byte) error {
	if _, ok := r.hub.lookup(connectionID); ok {
		return r.hub.Send(ctx, connectionID, payload)
	}
	return r.forward(ctx, connectionID, relayMessage{Op: relaySend, Payload: payload})
}

func (r *Relay) Disconnect(ctx context.Context, connectionID string) error {
	if _, ok := r.hub.lookup(connectionID); ok {
		return r.hub.Disconnect(ctx, connectionID)
	}
	return r.forward(ctx, connectionID, relayMessage{Op: relayDisconnect})
}

// forward publishes msg to the owner of connectionID. No subscriber means no
// replica holds the connection.
func (r *Relay) forward(ctx context.Context, connectionID string, msg relayMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}

	receivers, err := r.client.Publish(ctx, r.channel(connectionID), body).Result()
	if err != nil {
		return fmt.Errorf("relay to connection %s: %w: %w", connectionID, apperrors.ErrInfrastructure, err)
	}
	if receivers == 0 {
		return fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrConnectionGone)
	}
	return nil
}

// Run delivers forwarded messages to local sessions until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	defer r.sub.Close()

	r.logger.Info("push relay started")
	msgs := r.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, msg *redis.Message) {
	connectionID, ok := strings.CutPrefix(msg.Channel, r.prefix)
	if !ok {
		return
	}

	var rm relayMessage
	if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
		r.logger.Warn("dropping malformed relay message", "connectionId", connectionID, "error", err)
		return
	}

	var err error
	switch rm.Op {
	case relaySend:
		err = r.hub.Send(ctx, connectionID, rm.Payload)
	case relayDisconnect:
		err = r.hub.Disconnect(ctx, connectionID)
	default:
		r.logger.Warn("unknown relay operation", "connectionId", connectionID, "op", rm.Op)
		return
	}
	if err != nil {
		r.logger.Warn("relayed message not delivered", "connectionId", connectionID, "op", rm.Op, "error", err)
	}
}
