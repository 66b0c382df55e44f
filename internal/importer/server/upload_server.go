package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"invoiceimport/internal/importer/core/staging"
	"invoiceimport/internal/importer/domain"
	"invoiceimport/internal/importer/state"
	apperrors "invoiceimport/pkg/errors"
	"invoiceimport/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// ArrivalNotifier announces stored objects to the arrival queue.
type ArrivalNotifier interface {
	ObjectCreated(ctx context.Context, key string) error
}

// TransactionLookup reads the transaction an upload belongs to.
type TransactionLookup interface {
	Get(ctx context.Context, id string) (state.Lookup, error)
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// UploadServer accepts objects on presigned URLs.
type UploadServer struct {
	app          *fiber.App
	store        *staging.Store
	transactions TransactionLookup
	notifier     ArrivalNotifier
	maxSize      int64
	logger       *logger.Logger
}

func NewUploadServer(store *staging.Store, transactions TransactionLookup, notifier ArrivalNotifier, maxSize int64) *UploadServer {
	s := &UploadServer{
		store:        store,
		transactions: transactions,
		notifier:     notifier,
		maxSize:      maxSize,
		logger:       logger.WithField("component", "upload-server"),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "invoiceimport-upload",
		DisableStartupMessage: true,
		// leave headroom so oversized bodies reach Put and get a JSON answer
		BodyLimit: int(maxSize) * 2,
	})
	s.app.Put("/uploads/:key", s.handlePut)
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	return s
}

// App exposes the router, mostly for tests.
func (s *UploadServer) App() *fiber.App {
	return s.app
}

func (s *UploadServer) Listen(address string) error {
	s.logger.Info("starting upload server", "address", address)
	return s.app.Listen(address)
}

func (s *UploadServer) Shutdown() error {
	return s.app.Shutdown()
}

func (s *UploadServer) handlePut(c *fiber.Ctx) error {
	key := c.Params("key")
	log := s.logger.WithField("transactionId", key)

	if err := s.store.Verify(key, c.Query("expires"), c.Query("signature")); err != nil {
		log.Debug("upload refused", "error", err)
		switch {
		case errors.Is(err, apperrors.ErrUploadExpired):
			return writeError(c, fiber.StatusForbidden, "upload authorization expired")
		case errors.Is(err, apperrors.ErrInvalidSignature):
			return writeError(c, fiber.StatusForbidden, "invalid upload signature")
		default:
			return writeError(c, fiber.StatusNotFound, "unknown upload")
		}
	}

	// a staged object belongs to its transaction once the upload was received
	lookup, err := s.transactions.Get(c.UserContext(), key)
	if err != nil {
		log.Error("failed to look up transaction", "error", err)
		return writeError(c, fiber.StatusServiceUnavailable, "could not check the upload, retry the upload")
	}
	if !lookup.Found() {
		return writeError(c, fiber.StatusGone, "upload slot expired")
	}
	if st := lookup.Transaction.Status; st != domain.StatusGenerated {
		log.Info("upload refused for finished slot", "status", string(st))
		return writeError(c, fiber.StatusConflict, fmt.Sprintf("transaction is %s, upload no longer accepted", st))
	}

	n, err := s.store.Put(c.UserContext(), key, bytes.NewReader(c.Body()), s.maxSize)
	if err != nil {
		if errors.Is(err, staging.ErrObjectTooLarge) {
			return writeError(c, fiber.StatusRequestEntityTooLarge, "object exceeds size limit")
		}
		log.Error("failed to stage object", "error", err)
		return writeError(c, fiber.StatusInternalServerError, "could not store object")
	}

	if err := s.notifier.ObjectCreated(c.UserContext(), key); err != nil {
		// stored but unannounced, a retried PUT overwrites and announces again
		log.Error("failed to announce object", "error", err)
		return writeError(c, fiber.StatusServiceUnavailable, "object stored but not queued, retry the upload")
	}

	log.Info("object staged", "bytes", n)
	return c.SendStatus(fiber.StatusOK)
}

func writeError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(errorResponse{Code: status, Message: message})
}
