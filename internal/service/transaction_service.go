package service

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/domain"
	"branch-ledger/internal/errors"
	"branch-ledger/internal/events"
	"branch-ledger/internal/lock"
)

// Credit adds amount to an active account and logs one CREDIT record.
func (s *LedgerService) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string) (_ *domain.TransactionRecord, err error) {
	op := s.begin("credit", "account_id", accountID, "amount", amount)
	defer op.finish(&err)

	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if _, err := s.activeAccount(ctx, accountID, errors.ErrAccountNotFound); err != nil {
		return nil, err
	}
	op.advance(PhaseValidated)

	return s.applySingle(ctx, op, accountID, domain.KindCredit, amount, description)
}

// Debit removes amount from an active account and logs one DEBIT record.
func (s *LedgerService) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string) (_ *domain.TransactionRecord, err error) {
	op := s.begin("debit", "account_id", accountID, "amount", amount)
	defer op.finish(&err)

	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	account, err := s.activeAccount(ctx, accountID, errors.ErrAccountNotFound)
	if err != nil {
		return nil, err
	}
	if account.Balance.LessThan(amount) {
		return nil, errors.ErrInsufficientFunds
	}
	op.advance(PhaseValidated)

	return s.applySingle(ctx, op, accountID, domain.KindDebit, amount, description)
}

// applySingle runs a credit or debit under the account lock, re-checking
// status and funds against the locked row.
func (s *LedgerService) applySingle(ctx context.Context, op *operation, accountID uuid.UUID, kind domain.TransactionKind, amount decimal.Decimal, description string) (*domain.TransactionRecord, error) {
	handle, err := s.locks.AcquireAll(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	op.advance(PhaseLocked)

	delta := amount
	if kind.Sign() < 0 {
		delta = amount.Neg()
	}
	record := &domain.TransactionRecord{
		AccountID:   accountID,
		Kind:        kind,
		Amount:      amount,
		Description: description,
		Reference:   uuid.New(),
		Timestamp:   s.now(),
	}

	var ownerID string
	err = s.store.WithTransaction(ctx, func(uow domain.UnitOfWork) error {
		account, err := uow.Accounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.Active() {
			return errors.ErrAccountNotFound
		}
		if account.Balance.Add(delta).IsNegative() {
			return errors.ErrInsufficientFunds
		}
		ownerID = account.OwnerID

		if _, err := uow.Accounts().ApplyDelta(ctx, accountID, delta, account.Version); err != nil {
			return err
		}
		op.advance(PhaseMutated)

		if _, err := uow.Transactions().Append(ctx, record); err != nil {
			return err
		}
		op.advance(PhaseLogged)
		return nil
	})
	if err != nil {
		return nil, err
	}
	op.advance(PhaseCommitted)
	handle.Release()

	s.afterCommit(ctx, &events.TransactionCommitted{
		Operation:  op.name,
		Reference:  record.Reference,
		Amount:     amount,
		Records:    []domain.TransactionRecord{*record},
		OccurredAt: record.Timestamp,
	}, ownerID)
	return record, nil
}

// Transfer moves amount from an account to the account holding
// toAccountNumber. It returns the TRANSFER_OUT and TRANSFER_IN records.
func (s *LedgerService) Transfer(ctx context.Context, fromAccountID uuid.UUID, toAccountNumber string, amount decimal.Decimal, description string) (out *domain.TransactionRecord, in *domain.TransactionRecord, err error) {
	op := s.begin("transfer",
		"from_account_id", fromAccountID,
		"to_account_number", toAccountNumber,
		"amount", amount)
	defer op.finish(&err)

	if err := validateAmount(amount); err != nil {
		return nil, nil, err
	}
	sender, err := s.activeAccount(ctx, fromAccountID, errors.ErrAccountNotFound)
	if err != nil {
		return nil, nil, err
	}
	recipient, err := s.store.Accounts().GetByNumber(ctx, toAccountNumber)
	if err != nil {
		if appErr := errors.AsAppError(err); appErr.Code != errors.AccountNotFound {
			return nil, nil, appErr
		}
		return nil, nil, errors.ErrRecipientNotFound
	}
	if recipient.ID == sender.ID {
		return nil, nil, errors.ErrSelfTransferRejected
	}
	if !recipient.Active() {
		return nil, nil, errors.ErrRecipientNotFound
	}
	if sender.Balance.LessThan(amount) {
		return nil, nil, errors.ErrInsufficientFunds
	}
	op.advance(PhaseValidated)

	handle, err := s.locks.AcquireAll(ctx, sender.ID, recipient.ID)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Release()
	op.advance(PhaseLocked)

	reference := uuid.New()
	now := s.now()
	out = &domain.TransactionRecord{
		AccountID:   sender.ID,
		Kind:        domain.KindTransferOut,
		Amount:      amount,
		Description: transferDescription("Transfer to", recipient.AccountNumber, description),
		Reference:   reference,
		Timestamp:   now,
	}
	in = &domain.TransactionRecord{
		AccountID:   recipient.ID,
		Kind:        domain.KindTransferIn,
		Amount:      amount,
		Description: transferDescription("Transfer from", sender.AccountNumber, description),
		Reference:   reference,
		Timestamp:   now,
	}

	err = s.store.WithTransaction(ctx, func(uow domain.UnitOfWork) error {
		// Row locks are taken in the same canonical order as the
		// coordinator's locks.
		locked := make(map[uuid.UUID]*domain.Account, 2)
		for _, id := range handle.Held() {
			account, err := uow.Accounts().GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			locked[id] = account
		}

		from, to := locked[sender.ID], locked[recipient.ID]
		if !from.Active() {
			return errors.ErrAccountNotFound
		}
		if !to.Active() {
			return errors.ErrRecipientNotFound
		}
		if from.Balance.LessThan(amount) {
			return errors.ErrInsufficientFunds
		}

		if _, err := uow.Accounts().ApplyDelta(ctx, from.ID, amount.Neg(), from.Version); err != nil {
			return err
		}
		if _, err := uow.Accounts().ApplyDelta(ctx, to.ID, amount, to.Version); err != nil {
			return err
		}
		op.advance(PhaseMutated)

		if _, err := uow.Transactions().Append(ctx, out); err != nil {
			return err
		}
		if _, err := uow.Transactions().Append(ctx, in); err != nil {
			return err
		}
		op.advance(PhaseLogged)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	op.advance(PhaseCommitted)
	handle.Release()

	s.afterCommit(ctx, &events.TransactionCommitted{
		Operation:  op.name,
		Reference:  reference,
		Amount:     amount,
		Records:    []domain.TransactionRecord{*out, *in},
		OccurredAt: now,
	}, sender.OwnerID, recipient.OwnerID)
	return out, in, nil
}

func transferDescription(prefix, counterpart, description string) string {
	if description == "" {
		return fmt.Sprintf("%s %s", prefix, counterpart)
	}
	return fmt.Sprintf("%s %s: %s", prefix, counterpart, description)
}

// ListTransactions returns the account's records newest first. The
// sequence pages through the log lazily; every range over it starts again
// from the newest record, and records appended after a range began are not
// included in it.
func (s *LedgerService) ListTransactions(ctx context.Context, accountID uuid.UUID) (iter.Seq2[domain.TransactionRecord, error], error) {
	if _, err := s.store.Accounts().GetByID(ctx, accountID); err != nil {
		return nil, errors.AsAppError(err)
	}

	return func(yield func(domain.TransactionRecord, error) bool) {
		var before int64
		for {
			page, err := s.store.Transactions().ListByAccount(ctx, accountID, domain.ListOptions{
				Before: before,
				Limit:  s.pageSize,
			})
			if err != nil {
				yield(domain.TransactionRecord{}, errors.AsAppError(err))
				return
			}
			for _, record := range page {
				if !yield(record, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			before = page[len(page)-1].ID
		}
	}, nil
}

// PageSize is the page size used when a caller does not choose one.
func (s *LedgerService) PageSize() int {
	return s.pageSize
}

// TransactionPage returns one newest-first page of the account's records.
// A zero limit selects the default page size.
func (s *LedgerService) TransactionPage(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.TransactionRecord, error) {
	if opts.Limit == 0 {
		opts.Limit = s.pageSize
	}
	if opts.Limit < 0 || opts.Limit > MaxPageSize || opts.Before < 0 {
		return nil, errors.ErrInvalidInput.WithDetails(fmt.Sprintf("limit must be between 1 and %d", MaxPageSize))
	}
	if _, err := s.store.Accounts().GetByID(ctx, accountID); err != nil {
		return nil, errors.AsAppError(err)
	}

	records, err := s.store.Transactions().ListByAccount(ctx, accountID, opts)
	if err != nil {
		return nil, errors.AsAppError(err)
	}
	return records, nil
}

// lockAccount is used by reads that need the balance and the log to agree.
func (s *LedgerService) lockAccount(ctx context.Context, id uuid.UUID) (*lock.Handle, error) {
	return s.locks.AcquireAll(ctx, id)
}
