package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"invoiceimport/internal/importer/domain"
	"invoiceimport/internal/importer/mappers"
	"invoiceimport/internal/importer/state"
	apperrors "invoiceimport/pkg/errors"
)

var errBoom = errors.New("boom")

// fakeStore mirrors the conditional-write semantics of the Redis store.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*domain.Transaction
	claimed map[string]bool

	createErr error
	getErr    error
	casErr    error
	// beforeCAS runs before each conditional write, outside the lock
	beforeCAS func(id string, expected, next domain.TransactionStatus)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]*domain.Transaction),
		claimed: make(map[string]bool),
	}
}

func (s *fakeStore) Create(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.records[tx.Id]; ok {
		return apperrors.ErrTransactionExists
	}
	s.records[tx.Id] = tx.DeepCopy()
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (state.Lookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return state.NotFound(), s.getErr
	}
	tx, ok := s.records[id]
	if !ok {
		return state.NotFound(), nil
	}
	return state.Found(tx.DeepCopy()), nil
}

func (s *fakeStore) CompareAndSetStatus(_ context.Context, id string, expected, next domain.TransactionStatus) (*domain.Transaction, error) {
	if s.beforeCAS != nil {
		s.beforeCAS(id, expected, next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.casErr != nil {
		return nil, s.casErr
	}
	tx, ok := s.records[id]
	if !ok {
		return nil, apperrors.ErrTransactionNotFound
	}
	if tx.Status != expected {
		return nil, &state.ConditionFailedError{ID: id, Expected: expected, Current: tx.Status}
	}
	if err := tx.Transition(next); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidState, err)
	}
	return tx.DeepCopy(), nil
}

func (s *fakeStore) ClaimExpiry(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimed[id] {
		return false, nil
	}
	s.claimed[id] = true
	return true, nil
}

func (s *fakeStore) put(tx *domain.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[tx.Id] = tx.DeepCopy()
}

func (s *fakeStore) status(id string) domain.TransactionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.records[id]; ok {
		return tx.Status
	}
	return ""
}

// forceStatus bypasses the transition graph, as a racing handler would.
func (s *fakeStore) forceStatus(id string, st domain.TransactionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].Status = st
}

type fakeStaging struct {
	mu       sync.Mutex
	objects  map[string]string
	deletes  map[string]int
	readErr  error
	delErr   error
	signErr  error
	validity time.Duration
}

func newFakeStaging() *fakeStaging {
	return &fakeStaging{objects: make(map[string]string), deletes: make(map[string]int)}
}

func (s *fakeStaging) PresignPut(_ context.Context, key string, validity time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signErr != nil {
		return "", s.signErr
	}
	s.validity = validity
	return "https://staging.test/uploads/" + key + "?signature=abc", nil
}

func (s *fakeStaging) ReadObject(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return "", s.readErr
	}
	body, ok := s.objects[key]
	if !ok {
		return "", apperrors.ErrObjectNotFound
	}
	return body, nil
}

func (s *fakeStaging) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delErr != nil {
		return s.delErr
	}
	s.deletes[key]++
	delete(s.objects, key)
	return nil
}

func (s *fakeStaging) upload(key, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
}

func (s *fakeStaging) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *fakeStaging) deleteCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[key]
}

// pushEvent is either a sent payload or a disconnect.
type pushEvent struct {
	connectionID string
	disconnect   bool
	payload      mappers.Notification
}

type fakePush struct {
	mu      sync.Mutex
	events  []pushEvent
	sendErr error
}

func (p *fakePush) Send(_ context.Context, connectionID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	n, err := mappers.DecodeNotification(payload)
	if err != nil {
		return err
	}
	p.events = append(p.events, pushEvent{connectionID: connectionID, payload: n})
	return nil
}

func (p *fakePush) Disconnect(_ context.Context, connectionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pushEvent{connectionID: connectionID, disconnect: true})
	return nil
}

func (p *fakePush) all() []pushEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushEvent(nil), p.events...)
}

func (p *fakePush) sent() []mappers.Notification {
	var out []mappers.Notification
	for _, ev := range p.all() {
		if !ev.disconnect {
			out = append(out, ev.payload)
		}
	}
	return out
}

func (p *fakePush) statuses() []string {
	var out []string
	for _, n := range p.sent() {
		if n.Status != "" {
			out = append(out, n.Status)
		}
	}
	return out
}

func (p *fakePush) disconnects() int {
	count := 0
	for _, ev := range p.all() {
		if ev.disconnect {
			count++
		}
	}
	return count
}

type fakeSink struct {
	mu      sync.Mutex
	events  []domain.AuditEvent
	emitErr error
}

func (s *fakeSink) Emit(_ context.Context, ev domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitErr != nil {
		return s.emitErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) all() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEvent(nil), s.events...)
}

type fakeInvoices struct {
	mu      sync.Mutex
	saved   map[string]*domain.Invoice
	saveErr error
}

func newFakeInvoices() *fakeInvoices {
	return &fakeInvoices{saved: make(map[string]*domain.Invoice)}
}

func (r *fakeInvoices) SaveInvoice(_ context.Context, inv *domain.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved[inv.Key()] = inv
	return nil
}

func (r *fakeInvoices) get(key string) (*domain.Invoice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.saved[key]
	return inv, ok
}
