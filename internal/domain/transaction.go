package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindCredit      TransactionKind = "CREDIT"
	KindDebit       TransactionKind = "DEBIT"
	KindTransferIn  TransactionKind = "TRANSFER_IN"
	KindTransferOut TransactionKind = "TRANSFER_OUT"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindCredit, KindDebit, KindTransferIn, KindTransferOut:
		return true
	}
	return false
}

// Sign is +1 for kinds that add to the balance and -1 for kinds that remove from it.
func (k TransactionKind) Sign() int64 {
	switch k {
	case KindCredit, KindTransferIn:
		return 1
	case KindDebit, KindTransferOut:
		return -1
	}
	return 0
}

// TransactionRecord is an immutable log entry. Amount is always positive.
type TransactionRecord struct {
	ID          int64           `json:"id"`
	AccountID   uuid.UUID       `json:"account_id"`
	Kind        TransactionKind `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Reference   uuid.UUID       `json:"reference"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Signed returns the amount with the sign implied by Kind.
func (r TransactionRecord) Signed() decimal.Decimal {
	return r.Amount.Mul(decimal.NewFromInt(r.Kind.Sign()))
}

// ListOptions selects a newest-first page. Before of zero means from the newest.
type ListOptions struct {
	Before int64
	Limit  int
}

type TransactionRepository interface {
	// Append assigns and returns the record ID. There is no update or delete.
	Append(ctx context.Context, record *TransactionRecord) (int64, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, opts ListOptions) ([]TransactionRecord, error)
}

// UnitOfWork scopes repositories to one atomic set of writes.
type UnitOfWork interface {
	Accounts() AccountRepository
	Transactions() TransactionRepository
}

// Store is the durable backend. Repositories returned directly from the
// Store run outside any unit of work.
type Store interface {
	UnitOfWork
	WithTransaction(ctx context.Context, fn func(uow UnitOfWork) error) error
	Ping(ctx context.Context) error
	Close() error
}
