package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/domain"
	"branch-ledger/internal/errors"
)

type accountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:     db,
		logger: logger,
	}
}

const accountColumns = `id, owner_id, account_number, account_type, balance, status, version, created_at, updated_at`

func (r *accountRepository) Create(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		query,
		account.ID,
		account.OwnerID,
		account.AccountNumber,
		string(account.Type),
		account.Balance.StringFixed(2),
		string(account.Status),
		account.Version,
		now,
		now,
	)
	if err != nil {
		appErr := storageErr("failed to create account", err)
		if appErr.Code == errors.DuplicateAccountNumber {
			r.logger.Warn("Duplicate account number", "account_number", account.AccountNumber)
		} else {
			r.logger.Error("Failed to create account", "account_id", account.ID, "error", err)
		}
		return appErr
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	r.logger.Debug("Account created", "account_id", account.ID, "account_number", account.AccountNumber)
	return nil
}

func (r *accountRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanAccount(ctx, query, id)
}

func (r *accountRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return r.scanAccount(ctx, query, id)
}

func (r *accountRepository) GetByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_number = $1`
	return r.scanAccount(ctx, query, accountNumber)
}

func (r *accountRepository) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE owner_id = $1 ORDER BY created_at, account_number`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		r.logger.Error("Failed to list accounts", "owner_id", ownerID, "error", err)
		return nil, errors.Storage("failed to list accounts", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		account, err := scanAccountRow(rows)
		if err != nil {
			return nil, errors.Storage("failed to scan account", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("failed to list accounts", err)
	}
	if len(accounts) == 0 {
		return nil, errors.ErrAccountNotFound
	}
	return accounts, nil
}

func (r *accountRepository) NumberExists(ctx context.Context, accountNumber string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE account_number = $1)`, accountNumber,
	).Scan(&exists)
	if err != nil {
		return false, errors.Storage("failed to check account number", err)
	}
	return exists, nil
}

func (r *accountRepository) ApplyDelta(ctx context.Context, id uuid.UUID, delta decimal.Decimal, expectedVersion int64) (decimal.Decimal, error) {
	query := `
		UPDATE accounts
		SET balance = balance + $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4 AND balance + $1 >= 0
		RETURNING balance
	`

	var balanceStr string
	err := r.db.QueryRowContext(ctx, query, delta.StringFixed(2), time.Now().UTC(), id, expectedVersion).Scan(&balanceStr)
	if err == sql.ErrNoRows {
		return decimal.Zero, r.explainRejectedDelta(ctx, id, expectedVersion)
	}
	if err != nil {
		r.logger.Error("Failed to apply balance delta", "account_id", id, "delta", delta, "error", err)
		return decimal.Zero, storageErr("failed to update account balance", err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, errors.ErrInternal.WithDetails("failed to parse balance: " + err.Error())
	}

	r.logger.Debug("Account balance updated", "account_id", id, "new_balance", balance)
	return balance, nil
}

// explainRejectedDelta works out why the guarded UPDATE matched no row.
func (r *accountRepository) explainRejectedDelta(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	var version int64
	err := r.db.QueryRowContext(ctx, `SELECT version FROM accounts WHERE id = $1`, id).Scan(&version)
	if err == sql.ErrNoRows {
		return errors.ErrAccountNotFound
	}
	if err != nil {
		return errors.Storage("failed to read account version", err)
	}
	if version != expectedVersion {
		r.logger.Warn("Stale account version", "account_id", id, "expected", expectedVersion, "actual", version)
		return errors.ErrVersionConflict
	}
	return errors.ErrInsufficientFunds
}

func (r *accountRepository) SetStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus, expectedVersion int64) error {
	query := `
		UPDATE accounts
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
	`

	result, err := r.db.ExecContext(ctx, query, string(status), time.Now().UTC(), id, expectedVersion)
	if err != nil {
		r.logger.Error("Failed to update account status", "account_id", id, "error", err)
		return errors.Storage("failed to update account status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Storage("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return errors.ErrVersionConflict
	}
	return nil
}

func (r *accountRepository) Stats(ctx context.Context) (*domain.LedgerStats, error) {
	query := `
		SELECT account_type, status, COUNT(*), COALESCE(SUM(balance), 0)
		FROM accounts
		GROUP BY account_type, status
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Storage("failed to load account stats", err)
	}
	defer rows.Close()

	stats := &domain.LedgerStats{
		AccountsByType:   map[domain.AccountType]int64{},
		AccountsByStatus: map[domain.AccountStatus]int64{},
		TotalBalance:     decimal.Zero,
	}
	for rows.Next() {
		var (
			accountType, status string
			count               int64
			sumStr              string
		)
		if err := rows.Scan(&accountType, &status, &count, &sumStr); err != nil {
			return nil, errors.Storage("failed to scan account stats", err)
		}
		sum, err := decimal.NewFromString(sumStr)
		if err != nil {
			return nil, errors.ErrInternal.WithDetails("failed to parse balance sum: " + err.Error())
		}
		stats.AccountsByType[domain.AccountType(accountType)] += count
		stats.AccountsByStatus[domain.AccountStatus(status)] += count
		stats.TotalBalance = stats.TotalBalance.Add(sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("failed to load account stats", err)
	}
	return stats, nil
}

func (r *accountRepository) scanAccount(ctx context.Context, query string, arg interface{}) (*domain.Account, error) {
	account, err := scanAccountRow(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, errors.ErrAccountNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get account", "arg", arg, "error", err)
		if appErr, ok := err.(*errors.AppError); ok {
			return nil, appErr
		}
		return nil, errors.Storage("failed to get account", err)
	}
	return account, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccountRow(row rowScanner) (*domain.Account, error) {
	var (
		account     domain.Account
		accountType string
		status      string
		balanceStr  string
	)

	err := row.Scan(
		&account.ID,
		&account.OwnerID,
		&account.AccountNumber,
		&accountType,
		&balanceStr,
		&status,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, errors.ErrInternal.WithDetails("failed to parse balance: " + err.Error())
	}

	account.Type = domain.AccountType(accountType)
	account.Status = domain.AccountStatus(status)
	account.Balance = balance
	return &account, nil
}
