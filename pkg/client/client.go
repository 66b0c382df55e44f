package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"invoiceimport/api/gateway"
	"invoiceimport/internal/importer/domain"
	"invoiceimport/internal/importer/mappers"
	"invoiceimport/pkg/config"
	apperrors "invoiceimport/pkg/errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	// ErrSessionClosed is returned once the server has ended the session.
	ErrSessionClosed = errors.New("session closed by server")
	// ErrCommandFailed wraps a status coded rejection pushed by the server.
	ErrCommandFailed = errors.New("command rejected")
)

// CommandError carries the server's rejection message and HTTP style code.
type CommandError struct {
	StatusCode int
	Message    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}

type ImportClient struct {
	client gateway.ImportGatewayClient
	conn   *grpc.ClientConn
	http   *http.Client
}

func NewImportClient(serverAddr string) (*ImportClient, error) {
	conn, err := grpc.NewClient(
		serverAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	return newImportClient(conn), nil
}

func newImportClient(conn *grpc.ClientConn) *ImportClient {
	return &ImportClient{
		client: gateway.NewImportGatewayClient(conn),
		conn:   conn,
		http:   &http.Client{Timeout: time.Minute},
	}
}

func NewImportClientFromCLIConfig(cfg *config.CLIConfig) (*ImportClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewImportClient(cfg.ServerAddr)
}

func (c *ImportClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Open starts a session. The session lives until ctx is done, the caller
// closes it, or the server disconnects it.
func (c *ImportClient) Open(ctx context.Context) (*Session, error) {
	stream, err := c.client.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return &Session{stream: stream}, nil
}

// Upload writes content to a presigned upload URL.
func (c *ImportClient) Upload(ctx context.Context, url string, content []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &CommandError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}
	return nil
}

// Session is one connection to the gateway.
type Session struct {
	stream gateway.ImportGateway_ConnectClient
}

func (s *Session) send(cmd mappers.Command) error {
	if err := s.stream.Send(&wrapperspb.BytesValue{Value: mappers.EncodeCommand(cmd)}); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd.Action, err)
	}
	return nil
}

// Next blocks for the next pushed notification.
func (s *Session) Next() (mappers.Notification, error) {
	frame, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Aborted {
			return mappers.Notification{}, ErrSessionClosed
		}
		return mappers.Notification{}, err
	}
	return mappers.DecodeNotification(frame.GetValue())
}

// RequestUploadURL asks for an upload slot and returns its answer.
func (s *Session) RequestUploadURL() (mappers.Notification, error) {
	if err := s.send(mappers.Command{Action: mappers.ActionGetImportURL}); err != nil {
		return mappers.Notification{}, err
	}

	n, err := s.Next()
	if err != nil {
		return mappers.Notification{}, err
	}
	if n.StatusCode != 0 {
		return n, &CommandError{StatusCode: n.StatusCode, Message: n.Message}
	}
	if n.URL == "" {
		return n, fmt.Errorf("unexpected answer to %s: %+v", mappers.ActionGetImportURL, n)
	}
	return n, nil
}

// Cancel asks the server to cancel transactionID and returns its answer.
// The server ends the session after answering.
func (s *Session) Cancel(transactionID string) (string, error) {
	if err := s.send(mappers.Command{Action: mappers.ActionCancelImport, TransactionId: transactionID}); err != nil {
		return "", err
	}

	n, err := s.Next()
	if err != nil {
		return "", err
	}
	if n.StatusCode != 0 {
		return "", &CommandError{StatusCode: n.StatusCode, Message: n.Message}
	}
	return n.Message, nil
}

// WaitForResult reads notifications until transactionID reaches a terminal
// status. A TIMEOUT status is reported as ErrExpiredTransaction.
func (s *Session) WaitForResult(transactionID string) (domain.TransactionStatus, error) {
	for {
		n, err := s.Next()
		if err != nil {
			return "", err
		}
		if n.StatusCode != 0 {
			return "", &CommandError{StatusCode: n.StatusCode, Message: n.Message}
		}
		if n.TransactionId != transactionID || n.Status == "" {
			continue
		}

		st, err := domain.ParseStatus(n.Status)
		if err != nil {
			return "", err
		}
		if st == domain.StatusTimeout {
			return st, fmt.Errorf("transaction %s: %w", transactionID, apperrors.ErrExpiredTransaction)
		}
		if st.IsTerminal() {
			return st, nil
		}
	}
}

// Close half-closes the session.
func (s *Session) Close() error {
	return s.stream.CloseSend()
}
