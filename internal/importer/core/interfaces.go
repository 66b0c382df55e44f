package core

import (
	"context"
	"time"

	"invoiceimport/internal/importer/domain"
)

// StagingArea holds uploaded objects keyed by transaction id.
type StagingArea interface {
	// PresignPut issues a time-limited write authorization for key.
	PresignPut(ctx context.Context, key string, validity time.Duration) (string, error)
	// ReadObject returns the object's content as text.
	ReadObject(ctx context.Context, key string) (string, error)
	// DeleteObject removes the object; deleting a missing object succeeds.
	DeleteObject(ctx context.Context, key string) error
}

// PushChannel delivers server-initiated messages to a client connection.
type PushChannel interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
	Disconnect(ctx context.Context, connectionID string) error
}

// EventSink emits failure events to the audit bus.
type EventSink interface {
	Emit(ctx context.Context, event domain.AuditEvent) error
}

// InvoiceRepository persists accepted invoices. Saving the same invoice twice
// must not create a duplicate.
type InvoiceRepository interface {
	SaveInvoice(ctx context.Context, invoice *domain.Invoice) error
}
