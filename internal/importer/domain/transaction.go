package domain

import (
	"fmt"
	"time"
)

type TransactionStatus string

const (
	StatusGenerated TransactionStatus = "GENERATED"
	StatusReceived  TransactionStatus = "RECEIVED"
	StatusProcessed TransactionStatus = "PROCESSED"
	StatusCancelled TransactionStatus = "CANCELLED"
	StatusNonValid  TransactionStatus = "NON_VALID_INVOICE_NUMBER"
	StatusTimeout   TransactionStatus = "TIMEOUT"
)

// transitions lists the permitted next statuses for every non-terminal status.
// RECEIVED -> NON_VALID exists because arrival is acknowledged before the
// staged object is validated.
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusGenerated: {StatusReceived, StatusCancelled, StatusNonValid, StatusTimeout},
	StatusReceived:  {StatusProcessed, StatusCancelled, StatusNonValid, StatusTimeout},
}

// ParseStatus maps a stored status string back to a TransactionStatus.
func ParseStatus(s string) (TransactionStatus, error) {
	switch st := TransactionStatus(s); st {
	case StatusGenerated, StatusReceived, StatusProcessed, StatusCancelled, StatusNonValid, StatusTimeout:
		return st, nil
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

// IsTerminal reports whether no further transition is permitted from s.
func (s TransactionStatus) IsTerminal() bool {
	_, open := transitions[s]
	return !open
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transaction is the per-upload record. Id doubles as the staging object key.
type Transaction struct {
	Id           string            // Transaction id and staging object key
	ConnectionId string            // Client connection to notify
	Status       TransactionStatus // Current lifecycle status
	CreatedAt    time.Time         // Creation timestamp
	ExpiresAt    time.Time         // Deadline after which the store drops the record
	RequestId    string            // Correlation id of the slot request
}

// NewTransaction builds a GENERATED transaction expiring ttl after now.
func NewTransaction(id, connectionID, requestID string, now time.Time, ttl time.Duration) *Transaction {
	return &Transaction{
		Id:           id,
		ConnectionId: connectionID,
		Status:       StatusGenerated,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		RequestId:    requestID,
	}
}

func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// TTL returns the lifetime the record was created with.
func (t *Transaction) TTL() time.Duration {
	return t.ExpiresAt.Sub(t.CreatedAt)
}

// Transition moves the transaction to next if the edge exists.
func (t *Transaction) Transition(next TransactionStatus) error {
	if !CanTransition(t.Status, next) {
		return fmt.Errorf("cannot move transaction %s from %s to %s", t.Id, t.Status, next)
	}
	t.Status = next
	return nil
}

func (t *Transaction) DeepCopy() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
