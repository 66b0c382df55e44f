package state

import (
	"context"
	"fmt"

	"invoiceimport/internal/importer/domain"
)

// Store defines the transaction record store used by the coordinator.
// Every status write is conditional on the expected prior status.
type Store interface {
	// Create inserts a new transaction and arms its deadline.
	// Returns ErrTransactionExists if the id is already present.
	Create(ctx context.Context, tx *domain.Transaction) error
	// Get looks up a transaction by id.
	Get(ctx context.Context, id string) (Lookup, error)
	// CompareAndSetStatus moves the transaction from expected to next.
	// Returns ErrTransactionNotFound if the record is gone and a
	// *ConditionFailedError if the stored status is not expected.
	CompareAndSetStatus(ctx context.Context, id string, expected, next domain.TransactionStatus) (*domain.Transaction, error)
	// ClaimExpiry marks the expiry of id as handled. Only the first caller
	// gets true.
	ClaimExpiry(ctx context.Context, id string) (bool, error)
}

// ChangeStream is the store's change-notification feed.
type ChangeStream interface {
	// Subscribe delivers create, update and delete events until ctx is done.
	Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error)
}

// Lookup is the result of a read. A zero Lookup means the record is absent.
type Lookup struct {
	Transaction *domain.Transaction
}

func Found(tx *domain.Transaction) Lookup {
	return Lookup{Transaction: tx}
}

func NotFound() Lookup {
	return Lookup{}
}

// Found reports whether the record exists.
func (l Lookup) Found() bool {
	return l.Transaction != nil
}

// ConditionFailedError is returned when a conditional write lost a race.
type ConditionFailedError struct {
	ID       string
	Expected domain.TransactionStatus
	Current  domain.TransactionStatus
}

func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("transaction %s: expected status %s, found %s", e.ID, e.Expected, e.Current)
}
