package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountTypeSavings AccountType = "SAVINGS"
	AccountTypeCurrent AccountType = "CURRENT"
)

func (t AccountType) Valid() bool {
	return t == AccountTypeSavings || t == AccountTypeCurrent
}

type AccountStatus string

const (
	AccountStatusActive AccountStatus = "ACTIVE"
	AccountStatusClosed AccountStatus = "CLOSED"
)

// Account is the authoritative balance holder. Version increases on every
// mutation and backs the optimistic check in ApplyDelta.
type Account struct {
	ID            uuid.UUID       `json:"account_id"`
	OwnerID       string          `json:"owner_id"`
	AccountNumber string          `json:"account_number"`
	Type          AccountType     `json:"account_type"`
	Balance       decimal.Decimal `json:"balance"`
	Status        AccountStatus   `json:"status"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (a *Account) Active() bool {
	return a != nil && a.Status == AccountStatusActive
}

// AccountSummary is the owner-facing view of an account.
type AccountSummary struct {
	AccountNumber string          `json:"account_number"`
	Type          AccountType     `json:"account_type"`
	Balance       decimal.Decimal `json:"balance"`
	Status        AccountStatus   `json:"status"`
}

func (a *Account) Summary() AccountSummary {
	return AccountSummary{
		AccountNumber: a.AccountNumber,
		Type:          a.Type,
		Balance:       a.Balance,
		Status:        a.Status,
	}
}

// LedgerStats aggregates account counts and total holdings.
type LedgerStats struct {
	AccountsByType   map[AccountType]int64   `json:"accounts_by_type"`
	AccountsByStatus map[AccountStatus]int64 `json:"accounts_by_status"`
	TotalBalance     decimal.Decimal         `json:"total_balance"`
}

type AccountRepository interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	// GetForUpdate reads the account and holds its row until the enclosing
	// unit of work ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByNumber(ctx context.Context, accountNumber string) (*Account, error)
	// ListByOwner returns the owner's accounts, oldest first.
	ListByOwner(ctx context.Context, ownerID string) ([]*Account, error)
	NumberExists(ctx context.Context, accountNumber string) (bool, error)
	// ApplyDelta is the only balance mutator. It fails with insufficient
	// funds if the result would be negative and with a version conflict if
	// expectedVersion is stale.
	ApplyDelta(ctx context.Context, id uuid.UUID, delta decimal.Decimal, expectedVersion int64) (decimal.Decimal, error)
	SetStatus(ctx context.Context, id uuid.UUID, status AccountStatus, expectedVersion int64) error
	Stats(ctx context.Context) (*LedgerStats, error)
}
