package state

import (
	"context"
	"time"

	"invoiceimport/internal/importer/domain"
	"invoiceimport/pkg/logger"
)

// Reaper is the part of the store that turns elapsed deadlines into delete
// events.
type Reaper interface {
	Reap(ctx context.Context, id string) (Lookup, error)
	DueDeadlines(ctx context.Context, now time.Time) ([]string, error)
	SubscribeExpired(ctx context.Context) (<-chan string, error)
}

// ExpiryHandler is invoked once per deleted transaction.
type ExpiryHandler interface {
	HandleExpiry(ctx context.Context, snapshot domain.Transaction) error
}

// ExpiryMonitor reaps transactions whose deadline elapsed. Keyspace
// notifications give low latency; the periodic sweep catches anything a
// notification missed.
type ExpiryMonitor struct {
	reaper        Reaper
	sweepInterval time.Duration
	keyspace      bool
	now           func() time.Time
	logger        *logger.Logger
}

func NewExpiryMonitor(reaper Reaper, sweepInterval time.Duration, keyspace bool) *ExpiryMonitor {
	return &ExpiryMonitor{
		reaper:        reaper,
		sweepInterval: sweepInterval,
		keyspace:      keyspace,
		now:           time.Now,
		logger:        logger.WithField("component", "expiry-monitor"),
	}
}

// Run blocks until ctx is done.
func (m *ExpiryMonitor) Run(ctx context.Context) error {
	var expired <-chan string
	if m.keyspace {
		ch, err := m.reaper.SubscribeExpired(ctx)
		if err != nil {
			m.logger.Warn("keyspace notifications unavailable, relying on sweeper", "error", err)
		} else {
			expired = ch
		}
	}

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	m.logger.Info("expiry monitor started", "sweepInterval", m.sweepInterval, "keyspace", expired != nil)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("expiry monitor stopped")
			return nil
		case id, ok := <-expired:
			if !ok {
				expired = nil
				continue
			}
			m.reap(ctx, id)
		case <-ticker.C:
			m.Sweep(ctx, m.now())
		}
	}
}

// Sweep reaps every transaction whose deadline is at or before now.
func (m *ExpiryMonitor) Sweep(ctx context.Context, now time.Time) int {
	ids, err := m.reaper.DueDeadlines(ctx, now)
	if err != nil {
		m.logger.Warn("deadline sweep failed", "error", err)
		return 0
	}

	reaped := 0
	for _, id := range ids {
		if m.reap(ctx, id) {
			reaped++
		}
	}
	if reaped > 0 {
		m.logger.Debug("deadline sweep reaped transactions", "count", reaped)
	}
	return reaped
}

func (m *ExpiryMonitor) reap(ctx context.Context, id string) bool {
	lookup, err := m.reaper.Reap(ctx, id)
	if err != nil {
		m.logger.Warn("failed to reap transaction", "transactionId", id, "error", err)
		return false
	}
	return lookup.Found()
}

// Watcher feeds transaction delete events from the change stream to an
// ExpiryHandler. Handler errors are retried a bounded number of times.
type Watcher struct {
	stream     ChangeStream
	handler    ExpiryHandler
	maxRetries int
	backoff    time.Duration
	logger     *logger.Logger
}

func NewWatcher(stream ChangeStream, handler ExpiryHandler) *Watcher {
	return &Watcher{
		stream:     stream,
		handler:    handler,
		maxRetries: 3,
		backoff:    200 * time.Millisecond,
		logger:     logger.WithField("component", "expiry-watcher"),
	}
}

// Start subscribes before returning so no delete published afterwards is
// missed, then dispatches in the background until ctx is done.
func (w *Watcher) Start(ctx context.Context) (<-chan struct{}, error) {
	events, err := w.stream.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.consume(ctx, events)
	}()

	w.logger.Info("expiry watcher started")
	return done, nil
}

func (w *Watcher) consume(ctx context.Context, events <-chan domain.ChangeEvent) {
	for ev := range events {
		if !ev.IsTransactionDelete() {
			continue
		}
		w.dispatch(ctx, *ev.Old)
	}
}

func (w *Watcher) dispatch(ctx context.Context, snapshot domain.Transaction) {
	for attempt := 1; ; attempt++ {
		err := w.handler.HandleExpiry(ctx, snapshot)
		if err == nil {
			return
		}
		if attempt > w.maxRetries || ctx.Err() != nil {
			w.logger.Error("giving up on expiry", "transactionId", snapshot.Id, "attempts", attempt, "error", err)
			return
		}

		w.logger.Warn("expiry handling failed, retrying", "transactionId", snapshot.Id, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.backoff * time.Duration(attempt)):
		}
	}
}
