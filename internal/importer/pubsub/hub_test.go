package pubsub

import (
	"context"
	"testing"
	"time"

	apperrors "invoiceimport/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SendPreservesOrder(t *testing.T) {
	hub := NewHub(50*time.Millisecond, 4)
	ctx := context.Background()

	s, err := hub.Register(ctx)
	require.NoError(t, err)

	require.NoError(t, hub.Send(ctx, s.ID(), []byte("RECEIVED")))
	require.NoError(t, hub.Send(ctx, s.ID(), []byte("PROCESSED")))

	assert.Equal(t, "RECEIVED", string(<-s.Outbound()))
	assert.Equal(t, "PROCESSED", string(<-s.Outbound()))
}

func TestHub_SendToUnknownConnection(t *testing.T) {
	hub := NewHub(0, 0)

	err := hub.Send(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, apperrors.ErrConnectionGone)
	assert.ErrorIs(t, hub.Disconnect(context.Background(), "missing"), apperrors.ErrConnectionGone)
}

func TestHub_SlowConsumerIsReported(t *testing.T) {
	hub := NewHub(10*time.Millisecond, 1)
	ctx := context.Background()

	s, err := hub.Register(ctx)
	require.NoError(t, err)

	require.NoError(t, hub.Send(ctx, s.ID(), []byte("first")))
	err = hub.Send(ctx, s.ID(), []byte("second"))
	assert.ErrorIs(t, err, ErrSlowConsumer)
}

func TestHub_DisconnectKeepsQueuedMessages(t *testing.T) {
	hub := NewHub(50*time.Millisecond, 4)
	ctx := context.Background()

	s, err := hub.Register(ctx)
	require.NoError(t, err)

	require.NoError(t, hub.Send(ctx, s.ID(), []byte("NON_VALID_INVOICE_NUMBER")))
	require.NoError(t, hub.Disconnect(ctx, s.ID()))

	select {
	case <-s.Done():
	default:
		t.Fatal("expected session to be done after disconnect")
	}
	assert.True(t, s.Forced())

	pending := s.Drain()
	require.Len(t, pending, 1)
	assert.Equal(t, "NON_VALID_INVOICE_NUMBER", string(pending[0]))

	// nothing is accepted after the disconnect
	assert.ErrorIs(t, hub.Send(ctx, s.ID(), []byte("late")), apperrors.ErrConnectionGone)
}

func TestHub_ParentCancelEndsSession(t *testing.T) {
	hub := NewHub(50*time.Millisecond, 4)
	parent, cancel := context.WithCancel(context.Background())

	s, err := hub.Register(parent)
	require.NoError(t, err)
	cancel()

	<-s.Done()
	assert.False(t, s.Forced())

	hub.Unregister(s.ID())
	assert.Equal(t, 0, hub.Count())
}

func TestHub_CloseRejectsNewSessions(t *testing.T) {
	hub := NewHub(50*time.Millisecond, 4)

	s, err := hub.Register(context.Background())
	require.NoError(t, err)

	hub.Close()
	<-s.Done()

	_, err = hub.Register(context.Background())
	assert.ErrorIs(t, err, ErrHubClosed)
}
