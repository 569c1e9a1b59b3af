package repository

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/domain"
	"branch-ledger/internal/errors"
)

type transactionRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransactionRepository(db SQLExecutor, logger *slog.Logger) domain.TransactionRepository {
	return &transactionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transactionRepository) Append(ctx context.Context, record *domain.TransactionRecord) (int64, error) {
	query := `
		INSERT INTO transactions (account_id, kind, amount, description, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx,
		query,
		record.AccountID,
		string(record.Kind),
		record.Amount.StringFixed(2),
		record.Description,
		record.Reference,
		record.Timestamp,
	).Scan(&id)
	if err != nil {
		r.logger.Error("Failed to append transaction record",
			"account_id", record.AccountID,
			"kind", record.Kind,
			"amount", record.Amount,
			"error", err)
		return 0, errors.Storage("failed to append transaction record", err)
	}

	record.ID = id
	r.logger.Debug("Transaction record appended", "transaction_id", id, "account_id", record.AccountID)
	return id, nil
}

func (r *transactionRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.TransactionRecord, error) {
	query := `
		SELECT id, account_id, kind, amount, description, reference, created_at
		FROM transactions
		WHERE account_id = $1 AND ($2::bigint = 0 OR id < $2::bigint)
		ORDER BY id DESC
		LIMIT NULLIF($3::integer, 0)
	`

	rows, err := r.db.QueryContext(ctx, query, accountID, opts.Before, opts.Limit)
	if err != nil {
		r.logger.Error("Failed to list transactions", "account_id", accountID, "error", err)
		return nil, errors.Storage("failed to list transactions", err)
	}
	defer rows.Close()

	records := make([]domain.TransactionRecord, 0, opts.Limit)
	for rows.Next() {
		var (
			record    domain.TransactionRecord
			kind      string
			amountStr string
		)
		if err := rows.Scan(
			&record.ID,
			&record.AccountID,
			&kind,
			&amountStr,
			&record.Description,
			&record.Reference,
			&record.Timestamp,
		); err != nil {
			return nil, errors.Storage("failed to scan transaction", err)
		}

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, errors.ErrInternal.WithDetails("failed to parse amount: " + err.Error())
		}
		record.Kind = domain.TransactionKind(kind)
		record.Amount = amount
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("failed to list transactions", err)
	}
	return records, nil
}
