package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "invoiceimport/pkg/errors"
	"invoiceimport/pkg/logger"

	"github.com/google/uuid"
)

// Session is one connected client. Messages are delivered in Send order.
type Session struct {
	id     string
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	forced bool
}

func (s *Session) ID() string {
	return s.id
}

// Outbound yields queued messages. It is never closed; watch Done.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Done is closed once the session ends for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Forced reports whether the server disconnected the session.
func (s *Session) Forced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

// Drain returns messages still queued, without blocking.
func (s *Session) Drain() [][]byte {
	var pending [][]byte
	for {
		select {
		case msg := <-s.out:
			pending = append(pending, msg)
		default:
			return pending
		}
	}
}

// Hub routes server-initiated messages to live sessions by connection id.
// Delivery is at most once: a message for a gone or stalled session is
// dropped and reported to the caller.
type Hub struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	sendTimeout time.Duration
	bufferSize  int
	closed      bool
	logger      *logger.Logger
}

func NewHub(sendTimeout time.Duration, bufferSize int) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = 50 * time.Millisecond
	}
	if bufferSize <= 0 {
		bufferSize = 16
	}

	return &Hub{
		sessions:    make(map[string]*Session),
		sendTimeout: sendTimeout,
		bufferSize:  bufferSize,
		logger:      logger.WithField("component", "push-hub"),
	}
}

// Register opens a session bound to parent. The session ends when parent is
// cancelled, on Disconnect, or on Unregister.
func (h *Hub) Register(parent context.Context) (*Session, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:     uuid.NewString(),
		out:    make(chan []byte, h.bufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrHubClosed
	}
	h.sessions[s.id] = s
	total := len(h.sessions)
	h.mu.Unlock()

	h.logger.Debug("session registered", "connectionId", s.id, "totalSessions", total)
	return s, nil
}

// Unregister removes a session after its stream has ended.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	remaining := len(h.sessions)
	h.mu.Unlock()

	if ok {
		s.cancel()
		h.logger.Debug("session removed", "connectionId", id, "remainingSessions", remaining)
	}
}

func (h *Hub) lookup(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Send enqueues payload for connectionID, waiting at most the send timeout
// for queue space.
func (h *Hub) Send(ctx context.Context, connectionID string, payload []byte) error {
	s, ok := h.lookup(connectionID)
	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrConnectionGone)
	}

	// a disconnected session never accepts new messages
	select {
	case <-s.ctx.Done():
		return fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrConnectionGone)
	default:
	}

	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()

	select {
	case s.out <- payload:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrConnectionGone)
	case <-timer.C:
		h.logger.Warn("slow session detected, dropping message", "connectionId", connectionID, "timeout", h.sendTimeout)
		return fmt.Errorf("connection %s: %w", connectionID, ErrSlowConsumer)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect force-closes a session. Messages queued before the call are still
// flushed by the stream.
func (h *Hub) Disconnect(_ context.Context, connectionID string) error {
	s, ok := h.lookup(connectionID)
	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrConnectionGone)
	}

	s.mu.Lock()
	s.forced = true
	s.mu.Unlock()
	s.cancel()

	h.logger.Debug("session disconnected by server", "connectionId", connectionID)
	return nil
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every session and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}

	if len(sessions) > 0 {
		h.logger.Info("hub closed", "disconnectedSessions", len(sessions))
	}
}
