package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"branch-ledger/internal/errors"
)

// SQLExecutor represents both sql.DB and sql.Tx
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB represents a database that can begin transactions
type DB interface {
	SQLExecutor
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
}

// Ensure sql.DB and sql.Tx implement the interfaces
var (
	_ DB          = (*sql.DB)(nil)
	_ SQLExecutor = (*sql.Tx)(nil)
)

const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
)

func pqCode(err error) (pq.ErrorCode, string, bool) {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code, pqErr.Constraint, true
	}
	return "", "", false
}

// storageErr classifies a driver error. Constraint violations map to ledger
// errors, everything else is a retryable storage failure.
func storageErr(message string, err error) *errors.AppError {
	if code, constraint, ok := pqCode(err); ok {
		switch {
		case code == pqUniqueViolation && constraint == "accounts_account_number_key":
			return errors.ErrDuplicateAccountNumber.Wrap(err)
		case code == pqCheckViolation && constraint == "accounts_balance_non_negative":
			return errors.ErrInsufficientFunds.Wrap(err)
		}
	}
	return errors.Storage(message, err)
}
