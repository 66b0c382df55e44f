package errors

import "errors"

// Failure taxonomy of the import workflow. Callers classify with errors.Is.
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionExists   = errors.New("transaction already exists")
	ErrInvalidState        = errors.New("action not permitted in current transaction status")
	ErrValidation          = errors.New("invoice validation failed")
	ErrExpiredTransaction  = errors.New("transaction expired")
	ErrInfrastructure      = errors.New("infrastructure call failed")

	ErrObjectNotFound   = errors.New("staged object not found")
	ErrConnectionGone   = errors.New("connection gone")
	ErrStreamCancelled  = errors.New("stream cancelled by client")
	ErrInvalidSignature = errors.New("invalid upload signature")
	ErrUploadExpired    = errors.New("upload authorization expired")
)
