package pubsub

import "errors"

// Push channel errors.
var (
	// ErrHubClosed indicates that the hub no longer accepts sessions.
	ErrHubClosed = errors.New("hub is closed")

	// ErrSlowConsumer indicates that a session did not drain its queue in time.
	ErrSlowConsumer = errors.New("session outbound queue is full")
)
