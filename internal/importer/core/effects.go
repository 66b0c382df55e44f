package core

import (
	"context"

	"invoiceimport/internal/importer/domain"
	"invoiceimport/internal/importer/mappers"

	"golang.org/x/sync/errgroup"
)

type effect func(ctx context.Context) error

// join runs effects concurrently and waits for all of them. Siblings are not
// cancelled when one fails; the first error is returned. Advisory effects
// swallow their own errors, so only effects of record can fail the join.
func join(ctx context.Context, effects ...effect) error {
	var g errgroup.Group
	for _, fn := range effects {
		fn := fn
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}

// notifyEffect pushes payload and only logs a failed delivery.
func (c *Coordinator) notifyEffect(connectionID string, payload []byte) effect {
	return func(ctx context.Context) error {
		c.notify(ctx, connectionID, payload)
		return nil
	}
}

func (c *Coordinator) notify(ctx context.Context, connectionID string, payload []byte) {
	if err := c.push.Send(ctx, connectionID, payload); err != nil {
		c.logger.Warn("push notification not delivered", "connectionId", connectionID, "error", err)
	}
}

func (c *Coordinator) notifyStatus(ctx context.Context, tx *domain.Transaction, status domain.TransactionStatus) {
	c.notify(ctx, tx.ConnectionId, mappers.StatusToPayload(tx.Id, status))
}

func (c *Coordinator) disconnect(ctx context.Context, connectionID string) {
	if err := c.push.Disconnect(ctx, connectionID); err != nil {
		c.logger.Warn("forced disconnect failed", "connectionId", connectionID, "error", err)
	}
}

// auditEffect emits a failure event and only logs a failed emission.
func (c *Coordinator) auditEffect(transactionID, reason string) effect {
	return func(ctx context.Context) error {
		event := domain.AuditEvent{
			Reason:        reason,
			TransactionId: transactionID,
			Time:          c.now(),
		}
		if err := c.events.Emit(ctx, event); err != nil {
			c.logger.Warn("audit event not emitted", "transactionId", transactionID, "reason", reason, "error", err)
		}
		return nil
	}
}

// deleteEffect removes a staged object and only logs a failed delete.
func (c *Coordinator) deleteEffect(key string) effect {
	return func(ctx context.Context) error {
		if err := c.staging.DeleteObject(ctx, key); err != nil {
			c.logger.Warn("staged object not deleted", "transactionId", key, "error", err)
		}
		return nil
	}
}
