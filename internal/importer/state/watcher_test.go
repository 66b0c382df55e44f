package state_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"invoiceimport/internal/importer/domain"
	"invoiceimport/internal/importer/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu        sync.Mutex
	snapshots []domain.Transaction
	failFirst int
	calls     int
}

func (h *recordingHandler) HandleExpiry(_ context.Context, snapshot domain.Transaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls++
	if h.calls <= h.failFirst {
		return errors.New("store unavailable")
	}
	h.snapshots = append(h.snapshots, snapshot)
	return nil
}

func (h *recordingHandler) seen() []domain.Transaction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Transaction(nil), h.snapshots...)
}

type chanStream struct {
	ch chan domain.ChangeEvent
}

func (s *chanStream) Subscribe(context.Context) (<-chan domain.ChangeEvent, error) {
	return s.ch, nil
}

func TestWatcher_FiltersTransactionDeletes(t *testing.T) {
	stream := &chanStream{ch: make(chan domain.ChangeEvent, 8)}
	handler := &recordingHandler{}
	watcher := state.NewWatcher(stream, handler)

	done, err := watcher.Start(context.Background())
	require.NoError(t, err)

	snap := &domain.Transaction{Id: "t1", ConnectionId: "c1", Status: domain.StatusGenerated}
	stream.ch <- domain.ChangeEvent{Entity: domain.EntityTransaction, Operation: domain.OpCreate, New: snap}
	stream.ch <- domain.ChangeEvent{Entity: domain.EntityTransaction, Operation: domain.OpUpdate, Old: snap, New: snap}
	stream.ch <- domain.ChangeEvent{Entity: domain.EntityInvoice, Operation: domain.OpDelete, Old: snap}
	stream.ch <- domain.ChangeEvent{Entity: domain.EntityTransaction, Operation: domain.OpDelete, Old: snap}
	close(stream.ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after stream closed")
	}

	seen := handler.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "t1", seen[0].Id)
}

func TestWatcher_RetriesFailedExpiry(t *testing.T) {
	stream := &chanStream{ch: make(chan domain.ChangeEvent, 1)}
	handler := &recordingHandler{failFirst: 2}
	watcher := state.NewWatcher(stream, handler)

	done, err := watcher.Start(context.Background())
	require.NoError(t, err)

	stream.ch <- domain.ChangeEvent{
		Entity:    domain.EntityTransaction,
		Operation: domain.OpDelete,
		Old:       &domain.Transaction{Id: "t2", Status: domain.StatusReceived},
	}
	close(stream.ch)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not finish")
	}

	assert.Len(t, handler.seen(), 1)
}

func TestExpiryMonitor_SweepEmitsDeleteEvents(t *testing.T) {
	store, mr := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &recordingHandler{}
	done, err := state.NewWatcher(store, handler).Start(ctx)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.Create(ctx, newTx("expired", now)))
	require.NoError(t, store.Create(ctx, newTx("fresh", now.Add(time.Minute))))

	mr.FastForward(2*time.Minute + time.Second)

	monitor := state.NewExpiryMonitor(store, time.Second, false)
	reaped := monitor.Sweep(ctx, now.Add(2*time.Minute+time.Second))
	assert.Equal(t, 1, reaped)

	// a second sweep finds nothing left to reap
	assert.Equal(t, 0, monitor.Sweep(ctx, now.Add(2*time.Minute+time.Second)))

	require.Eventually(t, func() bool { return len(handler.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	seen := handler.seen()
	assert.Equal(t, "expired", seen[0].Id)
	assert.Equal(t, domain.StatusGenerated, seen[0].Status)

	cancel()
	<-done
}
