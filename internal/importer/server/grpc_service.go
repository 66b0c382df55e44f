package server

import (
	"context"
	"errors"
	"io"

	"invoiceimport/api/gateway"
	"invoiceimport/internal/importer/pubsub"
	"invoiceimport/pkg/logger"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SessionRegistry opens and closes push sessions for streams.
type SessionRegistry interface {
	Register(parent context.Context) (*pubsub.Session, error)
	Unregister(id string)
}

// GatewayService serves client sessions. Each stream is one connection: the
// reader dispatches command frames and the writer forwards pushes queued for
// the connection until either side ends it.
type GatewayService struct {
	sessions   SessionRegistry
	dispatcher *Dispatcher
	logger     *logger.Logger
}

func NewGatewayService(sessions SessionRegistry, dispatcher *Dispatcher) *GatewayService {
	return &GatewayService{
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "grpc-service"),
	}
}

func (s *GatewayService) Connect(stream gateway.ImportGateway_ConnectServer) error {
	session, err := s.sessions.Register(stream.Context())
	if err != nil {
		s.logger.Warn("session rejected", "error", err)
		return status.Error(codes.Unavailable, "session could not be opened")
	}
	defer s.sessions.Unregister(session.ID())

	log := s.logger.WithFields("operation", "Connect", "connectionId", session.ID())
	log.Info("client connected")

	recvErr := make(chan error, 1)
	go func() {
		for {
			frame, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			s.dispatcher.Dispatch(stream.Context(), session.ID(), frame.GetValue())
		}
	}()

	incoming := recvErr
	for {
		select {
		case msg := <-session.Outbound():
			if err := stream.Send(&wrapperspb.BytesValue{Value: msg}); err != nil {
				log.Warn("failed to push message", "error", err)
				return err
			}

		case err := <-incoming:
			if errors.Is(err, io.EOF) {
				// half-closed, keep pushing until the session ends
				log.Debug("client closed its send side")
				incoming = nil
				continue
			}
			if status.Code(err) == codes.Canceled {
				log.Info("client disconnected")
				return nil
			}
			log.Warn("receive failed", "error", err)
			return err

		case <-session.Done():
			for _, msg := range session.Drain() {
				if err := stream.Send(&wrapperspb.BytesValue{Value: msg}); err != nil {
					log.Debug("failed to flush message", "error", err)
					break
				}
			}
			if session.Forced() {
				log.Info("client disconnected by server")
				return status.Error(codes.Aborted, "session closed by server")
			}
			log.Info("client disconnected")
			return nil
		}
	}
}
