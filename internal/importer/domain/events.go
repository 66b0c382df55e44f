package domain

import "time"

// EntityKind names the record type a change event refers to.
type EntityKind string

const (
	EntityTransaction EntityKind = "TRANSACTION"
	EntityInvoice     EntityKind = "INVOICE"
)

// Operation names what happened to the record.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeEvent is a typed store change notification. For deletes New is nil
// and Old carries the last known snapshot.
type ChangeEvent struct {
	Entity    EntityKind
	Operation Operation
	Key       string
	Old       *Transaction
	New       *Transaction
}

// IsTransactionDelete reports whether the event signals a removed transaction.
func (e ChangeEvent) IsTransactionDelete() bool {
	return e.Entity == EntityTransaction && e.Operation == OpDelete && e.Old != nil
}

// AuditEvent is a failure notice sent to the audit bus.
type AuditEvent struct {
	Reason        string
	TransactionId string
	Time          time.Time
}

// InvoiceEventType tags invoice lifecycle events kept in the event log.
type InvoiceEventType string

const InvoiceCreated InvoiceEventType = "INVOICE_CREATED"
