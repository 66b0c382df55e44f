package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"invoiceimport/internal/importer/core"
	"invoiceimport/internal/importer/mappers"
	apperrors "invoiceimport/pkg/errors"
	"invoiceimport/pkg/logger"

	"github.com/google/uuid"
)

// Coordinator is the command surface the session layer drives.
type Coordinator interface {
	RequestUploadSlot(ctx context.Context, connectionID, requestID string) (core.UploadSlot, error)
	CancelTransaction(ctx context.Context, transactionID, connectionID string) (core.CommandResult, error)
}

// Dispatcher routes client command frames to the coordinator. Successful
// commands are answered by the coordinator itself; the dispatcher only
// answers frames it cannot route or commands that failed outright.
type Dispatcher struct {
	coordinator Coordinator
	push        core.PushChannel
	logger      *logger.Logger
}

func NewDispatcher(coordinator Coordinator, push core.PushChannel) *Dispatcher {
	return &Dispatcher{
		coordinator: coordinator,
		push:        push,
		logger:      logger.WithField("component", "dispatcher"),
	}
}

// Dispatch handles one frame received on connectionID.
func (d *Dispatcher) Dispatch(ctx context.Context, connectionID string, frame []byte) {
	cmd, err := mappers.ParseCommand(frame)
	if err != nil {
		d.logger.Debug("malformed command", "connectionId", connectionID, "error", err)
		d.reply(ctx, connectionID, "Malformed command", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	log := d.logger.WithFields("connectionId", connectionID, "action", cmd.Action, "requestId", requestID)

	switch cmd.Action {
	case mappers.ActionGetImportURL:
		if _, err := d.coordinator.RequestUploadSlot(ctx, connectionID, requestID); err != nil {
			log.Error("upload slot request failed", "error", err)
			d.reply(ctx, connectionID, "Could not issue an import url, try again", statusFor(err))
		}

	case mappers.ActionCancelImport:
		if cmd.TransactionId == "" {
			d.reply(ctx, connectionID, "transactionId is required", http.StatusBadRequest)
			return
		}
		res, err := d.coordinator.CancelTransaction(ctx, cmd.TransactionId, connectionID)
		if err != nil {
			log.Error("cancel failed", "transactionId", cmd.TransactionId, "error", err)
			d.reply(ctx, connectionID, fmt.Sprintf("Could not cancel transaction %s, try again", cmd.TransactionId), statusFor(err))
			return
		}
		log.Debug("cancel handled", "transactionId", cmd.TransactionId, "statusCode", res.StatusCode)

	default:
		log.Debug("unknown action")
		d.reply(ctx, connectionID, fmt.Sprintf("Unknown action %q", cmd.Action), http.StatusBadRequest)
	}
}

func statusFor(err error) int {
	if errors.Is(err, apperrors.ErrValidation) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (d *Dispatcher) reply(ctx context.Context, connectionID, message string, statusCode int) {
	if err := d.push.Send(ctx, connectionID, mappers.TextToPayload(message, statusCode)); err != nil {
		d.logger.Debug("reply not delivered", "connectionId", connectionID, "error", err)
	}
}
