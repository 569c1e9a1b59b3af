package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidAmount          ErrorCode = "invalid_amount"
	InvalidInput           ErrorCode = "invalid_input"
	AccountNotFound        ErrorCode = "account_not_found"
	RecipientNotFound      ErrorCode = "recipient_not_found"
	SelfTransferRejected   ErrorCode = "self_transfer_rejected"
	InsufficientFunds      ErrorCode = "insufficient_funds"
	NonZeroBalance         ErrorCode = "non_zero_balance"
	Busy                   ErrorCode = "busy"
	RateLimited            ErrorCode = "rate_limited"
	StorageFailure         ErrorCode = "storage_failure"
	VersionConflict        ErrorCode = "version_conflict"
	DuplicateAccountNumber ErrorCode = "duplicate_account_number"
	InternalError          ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on the error code so that errors.Is works against the
// predefined values even after WithDetails or Wrap produced a copy.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) Unwrap() error {
	return e.cause
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy carrying details; predefined errors stay untouched.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Wrap returns a copy of e that unwraps to cause.
func (e *AppError) Wrap(cause error) *AppError {
	cp := *e
	cp.cause = cause
	if cause != nil && cp.Details == "" {
		cp.Details = cause.Error()
	}
	return &cp
}

// Retryable reports whether the caller may safely re-invoke the operation.
// The ledger state is unchanged for every retryable failure.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case Busy, RateLimited, StorageFailure, VersionConflict:
		return true
	}
	return false
}

func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidAmount, InvalidInput, SelfTransferRejected:
		return http.StatusBadRequest
	case AccountNotFound, RecipientNotFound:
		return http.StatusNotFound
	case NonZeroBalance, VersionConflict, DuplicateAccountNumber:
		return http.StatusConflict
	case InsufficientFunds:
		return http.StatusUnprocessableEntity
	case RateLimited:
		return http.StatusTooManyRequests
	case Busy, StorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AsAppError extracts an *AppError from err. Anything else becomes an
// internal error wrapping err.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return ErrInternal.Wrap(err)
}

// Storage wraps a driver or I/O failure as a retryable storage failure.
func Storage(message string, cause error) *AppError {
	return NewAppError(StorageFailure, message).Wrap(cause)
}

// Predefined errors for common cases
var (
	ErrInvalidAmount          = NewAppError(InvalidAmount, "amount must be a positive value with at most two decimal places")
	ErrInvalidInput           = NewAppError(InvalidInput, "invalid input")
	ErrAccountNotFound        = NewAppError(AccountNotFound, "account not found")
	ErrRecipientNotFound      = NewAppError(RecipientNotFound, "recipient account not found")
	ErrSelfTransferRejected   = NewAppError(SelfTransferRejected, "cannot transfer to the same account")
	ErrInsufficientFunds      = NewAppError(InsufficientFunds, "insufficient funds")
	ErrNonZeroBalance         = NewAppError(NonZeroBalance, "account balance must be zero to close")
	ErrBusy                   = NewAppError(Busy, "account is busy, try again")
	ErrRateLimited            = NewAppError(RateLimited, "too many requests")
	ErrStorageFailure         = NewAppError(StorageFailure, "storage failure")
	ErrVersionConflict        = NewAppError(VersionConflict, "account was modified concurrently")
	ErrDuplicateAccountNumber = NewAppError(DuplicateAccountNumber, "account number already in use")
	ErrInternal               = NewAppError(InternalError, "an unexpected error occurred")
)
