package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"invoiceimport/internal/importer/domain"
	"invoiceimport/internal/importer/mappers"
	"invoiceimport/internal/importer/state"
	apperrors "invoiceimport/pkg/errors"
	"invoiceimport/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTransactionTTL        = 2 * time.Minute
	DefaultAuthorizationValidity = 5 * time.Minute
)

// Options tunes timings and audit wording.
type Options struct {
	TransactionTTL        time.Duration
	AuthorizationValidity time.Duration
	FailCheckReason       string
	TimeoutReason         string
}

// UploadSlot is the answer to a slot request.
type UploadSlot struct {
	TransactionID string
	URL           string
	ExpiresIn     time.Duration
}

// CommandResult is the outcome of a client command. StatusCode follows HTTP
// conventions.
type CommandResult struct {
	StatusCode int
	Message    string
}

func (r CommandResult) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ValidationError describes why an uploaded object was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid invoice: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrValidation
}

// Coordinator owns the transaction state machine. Every status change goes
// through a conditional write; notifications announcing a change are sent
// only after that write committed.
type Coordinator struct {
	store    state.Store
	staging  StagingArea
	push     PushChannel
	events   EventSink
	invoices InvoiceRepository
	opts     Options

	now    func() time.Time
	newID  func() string
	tracer trace.Tracer
	logger *logger.Logger
}

func NewCoordinator(store state.Store, staging StagingArea, push PushChannel, events EventSink, invoices InvoiceRepository, opts Options) *Coordinator {
	if opts.TransactionTTL <= 0 {
		opts.TransactionTTL = DefaultTransactionTTL
	}
	if opts.AuthorizationValidity <= 0 {
		opts.AuthorizationValidity = DefaultAuthorizationValidity
	}
	if opts.FailCheckReason == "" {
		opts.FailCheckReason = "Invoice number validation failed"
	}
	if opts.TimeoutReason == "" {
		opts.TimeoutReason = "Invoice import timed out"
	}

	return &Coordinator{
		store:    store,
		staging:  staging,
		push:     push,
		events:   events,
		invoices: invoices,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
		tracer:   otel.Tracer("invoiceimport/coordinator"),
		logger:   logger.WithField("component", "coordinator"),
	}
}

func (c *Coordinator) startSpan(ctx context.Context, name, transactionID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "coordinator."+name, trace.WithAttributes(attribute.String("transaction.id", transactionID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RequestUploadSlot creates a GENERATED transaction for connectionID and
// pushes the signed upload URL to it.
func (c *Coordinator) RequestUploadSlot(ctx context.Context, connectionID, requestID string) (slot UploadSlot, err error) {
	id := c.newID()
	ctx, span := c.startSpan(ctx, "RequestUploadSlot", id)
	defer func() { endSpan(span, err) }()

	if connectionID == "" {
		return UploadSlot{}, fmt.Errorf("connection id is required: %w", apperrors.ErrValidation)
	}

	log := c.logger.WithFields("transactionId", id, "connectionId", connectionID, "requestId", requestID)

	tx := domain.NewTransaction(id, connectionID, requestID, c.now(), c.opts.TransactionTTL)
	if err := c.store.Create(ctx, tx); err != nil {
		log.Error("failed to create transaction", "error", err)
		return UploadSlot{}, fmt.Errorf("create transaction: %w", err)
	}

	url, err := c.staging.PresignPut(ctx, id, c.opts.AuthorizationValidity)
	if err != nil {
		// the record stays GENERATED and will be timed out by the watcher
		log.Error("failed to issue upload authorization", "error", err)
		return UploadSlot{}, fmt.Errorf("presign upload: %w: %w", apperrors.ErrInfrastructure, err)
	}

	c.notify(ctx, connectionID, mappers.UploadSlotToPayload(id, url, c.opts.TransactionTTL))
	log.Info("upload slot issued", "ttl", c.opts.TransactionTTL, "authorizationValidity", c.opts.AuthorizationValidity)

	return UploadSlot{TransactionID: id, URL: url, ExpiresIn: c.opts.TransactionTTL}, nil
}

// CancelTransaction cancels a transaction that is still waiting for its
// upload. Rejections are answered on connectionID and close it.
func (c *Coordinator) CancelTransaction(ctx context.Context, transactionID, connectionID string) (result CommandResult, err error) {
	ctx, span := c.startSpan(ctx, "CancelTransaction", transactionID)
	defer func() { endSpan(span, err) }()

	log := c.logger.WithFields("transactionId", transactionID, "connectionId", connectionID)

	lookup, err := c.store.Get(ctx, transactionID)
	if err != nil {
		return CommandResult{}, fmt.Errorf("lookup transaction: %w", err)
	}
	if !lookup.Found() {
		log.Info("cancel requested for unknown transaction")
		return c.reject(ctx, connectionID, fmt.Sprintf("Transaction %s not found", transactionID)), nil
	}

	tx := lookup.Transaction
	if tx.Status != domain.StatusGenerated {
		log.Info("cancel rejected", "status", string(tx.Status))
		return c.reject(ctx, connectionID, notCancellable(transactionID, tx.Status)), nil
	}

	_, err = c.store.CompareAndSetStatus(ctx, transactionID, domain.StatusGenerated, domain.StatusCancelled)
	var condErr *state.ConditionFailedError
	switch {
	case errors.As(err, &condErr):
		log.Info("cancel lost race", "status", string(condErr.Current))
		return c.reject(ctx, connectionID, notCancellable(transactionID, condErr.Current)), nil
	case errors.Is(err, apperrors.ErrTransactionNotFound):
		return c.reject(ctx, connectionID, fmt.Sprintf("Transaction %s not found", transactionID)), nil
	case err != nil:
		return CommandResult{}, fmt.Errorf("cancel transaction: %w", err)
	}

	result = CommandResult{
		StatusCode: http.StatusOK,
		Message:    fmt.Sprintf("Success, transactionId %s CANCELLED!", transactionID),
	}
	c.notify(ctx, connectionID, mappers.TextToPayload(result.Message, 0))
	c.disconnect(ctx, connectionID)

	log.Info("transaction cancelled")
	return result, nil
}

func notCancellable(transactionID string, status domain.TransactionStatus) string {
	return fmt.Sprintf("Transaction %s cannot be cancelled in status %s", transactionID, status)
}

func (c *Coordinator) reject(ctx context.Context, connectionID, message string) CommandResult {
	result := CommandResult{StatusCode: http.StatusExpectationFailed, Message: message}
	c.notify(ctx, connectionID, mappers.TextToPayload(message, result.StatusCode))
	c.disconnect(ctx, connectionID)
	return result
}

// HandleObjectArrival processes the object staged under key. A returned error
// asks the trigger to redeliver.
func (c *Coordinator) HandleObjectArrival(ctx context.Context, key string) (err error) {
	ctx, span := c.startSpan(ctx, "HandleObjectArrival", key)
	defer func() { endSpan(span, err) }()

	log := c.logger.WithField("transactionId", key)

	lookup, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("lookup transaction: %w", err)
	}
	if !lookup.Found() {
		// without a record there is no connection to tell
		log.Warn("object arrived for unknown transaction")
		return nil
	}

	tx := lookup.Transaction
	log = log.WithField("connectionId", tx.ConnectionId)

	switch tx.Status {
	case domain.StatusGenerated, domain.StatusReceived:
	default:
		c.arrivalOutOfState(ctx, log, tx, tx.Status)
		return nil
	}

	if !c.now().Before(tx.ExpiresAt) {
		log.Info("object arrived after deadline, leaving transaction to expire", "expiresAt", tx.ExpiresAt)
		return nil
	}

	if tx.Status == domain.StatusReceived {
		// an earlier delivery acknowledged the object and then failed
		log.Info("resuming interrupted arrival")
		return c.processObject(ctx, log, tx)
	}

	received, err := c.store.CompareAndSetStatus(ctx, key, domain.StatusGenerated, domain.StatusReceived)
	if lost, current := lostRace(err); lost {
		c.arrivalOutOfState(ctx, log, tx, current)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark received: %w", err)
	}
	c.notifyStatus(ctx, received, domain.StatusReceived)
	log.Info("object received")

	return c.processObject(ctx, log, received)
}

// processObject validates and commits the object of a RECEIVED transaction.
// The object is deleted only once the transaction is PROCESSED, so a failed
// attempt can be retried from the staged object.
func (c *Coordinator) processObject(ctx context.Context, log *logger.Logger, tx *domain.Transaction) error {
	file, verr := c.readInvoice(ctx, tx.Id)
	if verr != nil {
		log.Info("staged object rejected", "reason", verr.Reason)
		return c.rejectObject(ctx, log, tx)
	}

	invoice := domain.NewInvoice(file, tx.Id, c.now())
	if err := c.invoices.SaveInvoice(ctx, invoice); err != nil {
		return fmt.Errorf("persist invoice: %w: %w", apperrors.ErrInfrastructure, err)
	}

	processed, err := c.store.CompareAndSetStatus(ctx, tx.Id, domain.StatusReceived, domain.StatusProcessed)
	if lost, current := lostRace(err); lost {
		log.Warn("invoice saved but transaction already left RECEIVED", "status", string(current))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	_ = join(ctx,
		c.notifyEffect(processed.ConnectionId, mappers.StatusToPayload(processed.Id, domain.StatusProcessed)),
		c.deleteEffect(processed.Id),
	)

	log.Info("invoice processed", "invoiceKey", invoice.Key())
	return nil
}

// arrivalOutOfState handles an arrival for a transaction that is no longer
// waiting. Only a cancelled transaction is told; repeats of statuses this
// handler produced itself are redeliveries and stay silent.
func (c *Coordinator) arrivalOutOfState(ctx context.Context, log *logger.Logger, tx *domain.Transaction, current domain.TransactionStatus) {
	if current == domain.StatusCancelled {
		c.notifyStatus(ctx, tx, current)
	}
	log.Info("arrival ignored", "status", string(current))
}

// rejectObject moves a received transaction to NON_VALID. The staged object is
// kept for inspection.
func (c *Coordinator) rejectObject(ctx context.Context, log *logger.Logger, tx *domain.Transaction) error {
	_, err := c.store.CompareAndSetStatus(ctx, tx.Id, domain.StatusReceived, domain.StatusNonValid)
	if lost, current := lostRace(err); lost {
		log.Warn("transaction left RECEIVED before rejection", "status", string(current))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark non valid: %w", err)
	}

	_ = join(ctx,
		c.auditEffect(tx.Id, c.opts.FailCheckReason),
		c.notifyEffect(tx.ConnectionId, mappers.StatusToPayload(tx.Id, domain.StatusNonValid)),
	)
	c.disconnect(ctx, tx.ConnectionId)
	return nil
}

// readInvoice loads and validates the staged object.
func (c *Coordinator) readInvoice(ctx context.Context, key string) (*domain.InvoiceFile, *ValidationError) {
	content, err := c.staging.ReadObject(ctx, key)
	if err != nil {
		return nil, &ValidationError{Reason: "object unreadable: " + err.Error()}
	}
	if strings.TrimSpace(content) == "" {
		return nil, &ValidationError{Reason: "object is empty"}
	}

	var file domain.InvoiceFile
	if err := json.Unmarshal([]byte(content), &file); err != nil {
		return nil, &ValidationError{Reason: "malformed invoice: " + err.Error()}
	}
	if err := file.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return &file, nil
}

// HandleExpiry reacts to the removal of a transaction at its deadline.
func (c *Coordinator) HandleExpiry(ctx context.Context, snapshot domain.Transaction) (err error) {
	ctx, span := c.startSpan(ctx, "HandleExpiry", snapshot.Id)
	defer func() { endSpan(span, err) }()

	log := c.logger.WithFields("transactionId", snapshot.Id, "connectionId", snapshot.ConnectionId, "status", string(snapshot.Status))

	if snapshot.IsTerminal() {
		log.Debug("expired transaction was already finished")
		return nil
	}

	claimed, err := c.store.ClaimExpiry(ctx, snapshot.Id)
	if err != nil {
		return fmt.Errorf("claim expiry: %w", err)
	}
	if !claimed {
		log.Debug("expiry already handled")
		return nil
	}

	// the record is gone, nothing to write
	_ = join(ctx,
		c.notifyEffect(snapshot.ConnectionId, mappers.StatusToPayload(snapshot.Id, domain.StatusTimeout)),
		c.auditEffect(snapshot.Id, c.opts.TimeoutReason),
	)
	c.disconnect(ctx, snapshot.ConnectionId)

	log.Info("transaction timed out", "reason", c.opts.TimeoutReason)
	return nil
}

// lostRace classifies a conditional write failure that should fall back to
// the current state instead of failing the handler.
func lostRace(err error) (bool, domain.TransactionStatus) {
	var condErr *state.ConditionFailedError
	if errors.As(err, &condErr) {
		return true, condErr.Current
	}
	if errors.Is(err, apperrors.ErrTransactionNotFound) {
		return true, ""
	}
	return false, ""
}
