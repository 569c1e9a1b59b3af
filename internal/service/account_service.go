package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/domain"
	"branch-ledger/internal/errors"
	"branch-ledger/internal/events"
)

const (
	initialDepositDescription = "Initial deposit"
	maxNumberAttempts         = 10
)

type OpenAccountRequest struct {
	OwnerID        string
	Type           domain.AccountType
	InitialBalance decimal.Decimal
}

// OpenAccount creates an account under a fresh, never used account number.
// A positive opening balance is logged as an initial deposit in the same
// unit of work, so every account reconciles from zero.
func (s *LedgerService) OpenAccount(ctx context.Context, req OpenAccountRequest) (_ *domain.Account, err error) {
	op := s.begin("open_account", "owner_id", req.OwnerID, "account_type", req.Type, "initial_balance", req.InitialBalance)
	defer op.finish(&err)

	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, errors.ErrInvalidInput.WithDetails("owner_id is required")
	}
	if !req.Type.Valid() {
		return nil, errors.ErrInvalidInput.WithDetails("account_type must be SAVINGS or CURRENT")
	}
	if req.InitialBalance.IsNegative() {
		return nil, errors.ErrInvalidAmount.WithDetails("initial balance cannot be negative")
	}
	if !req.InitialBalance.IsZero() {
		if err := validateAmount(req.InitialBalance); err != nil {
			return nil, err
		}
	}
	op.advance(PhaseValidated)

	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		number, err := s.numbers()
		if err != nil {
			return nil, errors.ErrInternal.Wrap(err)
		}
		exists, err := s.store.Accounts().NumberExists(ctx, number)
		if err != nil {
			return nil, err
		}
		if exists {
			s.logger.Debug("Account number collision", "account_number", number, "attempt", attempt)
			continue
		}

		account, record, err := s.createAccount(ctx, op, ownerID, number, req)
		if err != nil && errors.AsAppError(err).Code == errors.DuplicateAccountNumber {
			s.logger.Debug("Account number taken concurrently", "account_number", number, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		var event *events.TransactionCommitted
		if record != nil {
			event = &events.TransactionCommitted{
				Operation:  op.name,
				Reference:  record.Reference,
				Amount:     record.Amount,
				Records:    []domain.TransactionRecord{*record},
				OccurredAt: record.Timestamp,
			}
		}
		s.afterCommit(ctx, event, account.OwnerID)

		s.logger.Info("Account opened", "account_id", account.ID, "account_number", account.AccountNumber)
		return account, nil
	}

	return nil, errors.ErrStorageFailure.WithDetails("could not allocate an unused account number")
}

// createAccount inserts the account and its initial deposit. The account is
// invisible to other callers until the unit of work commits, so no lock is
// needed.
func (s *LedgerService) createAccount(ctx context.Context, op *operation, ownerID, number string, req OpenAccountRequest) (*domain.Account, *domain.TransactionRecord, error) {
	account := &domain.Account{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		AccountNumber: number,
		Type:          req.Type,
		Balance:       decimal.Zero,
		Status:        domain.AccountStatusActive,
	}

	var record *domain.TransactionRecord
	err := s.store.WithTransaction(ctx, func(uow domain.UnitOfWork) error {
		if err := uow.Accounts().Create(ctx, account); err != nil {
			return err
		}
		if req.InitialBalance.IsZero() {
			return nil
		}

		balance, err := uow.Accounts().ApplyDelta(ctx, account.ID, req.InitialBalance, account.Version)
		if err != nil {
			return err
		}
		account.Balance = balance
		account.Version++
		op.advance(PhaseMutated)

		record = &domain.TransactionRecord{
			AccountID:   account.ID,
			Kind:        domain.KindCredit,
			Amount:      req.InitialBalance,
			Description: initialDepositDescription,
			Reference:   uuid.New(),
			Timestamp:   s.now(),
		}
		if _, err := uow.Transactions().Append(ctx, record); err != nil {
			return err
		}
		op.advance(PhaseLogged)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return account, record, nil
}

// CloseAccount marks a zero-balance account closed. Closed accounts reject
// every further mutation.
func (s *LedgerService) CloseAccount(ctx context.Context, accountID uuid.UUID) (_ *domain.Account, err error) {
	op := s.begin("close_account", "account_id", accountID)
	defer op.finish(&err)

	account, err := s.activeAccount(ctx, accountID, errors.ErrAccountNotFound)
	if err != nil {
		return nil, err
	}
	if !account.Balance.IsZero() {
		return nil, errors.ErrNonZeroBalance
	}
	op.advance(PhaseValidated)

	handle, err := s.locks.AcquireAll(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	op.advance(PhaseLocked)

	var closed *domain.Account
	err = s.store.WithTransaction(ctx, func(uow domain.UnitOfWork) error {
		current, err := uow.Accounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if !current.Active() {
			return errors.ErrAccountNotFound
		}
		if !current.Balance.IsZero() {
			return errors.ErrNonZeroBalance
		}
		if err := uow.Accounts().SetStatus(ctx, accountID, domain.AccountStatusClosed, current.Version); err != nil {
			return err
		}
		op.advance(PhaseMutated)

		current.Status = domain.AccountStatusClosed
		current.Version++
		closed = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	op.advance(PhaseCommitted)
	handle.Release()

	s.afterCommit(ctx, nil, closed.OwnerID)
	return closed, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, err := s.store.Accounts().GetByID(ctx, accountID)
	if err != nil {
		return nil, errors.AsAppError(err)
	}
	return account, nil
}

// GetAccountSummary returns the summary of the owner's primary account,
// the oldest one opened.
func (s *LedgerService) GetAccountSummary(ctx context.Context, ownerID string) (*domain.AccountSummary, error) {
	summaries, err := s.ListAccountSummaries(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &summaries[0], nil
}

// ListAccountSummaries returns summaries of all the owner's accounts,
// oldest first, through the summary cache when one is configured.
func (s *LedgerService) ListAccountSummaries(ctx context.Context, ownerID string) ([]domain.AccountSummary, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errors.ErrInvalidInput.WithDetails("owner_id is required")
	}

	var generation int64 = -1
	if s.cache != nil {
		summaries, gen, ok := s.cache.Get(ctx, ownerID)
		if ok && len(summaries) > 0 {
			return summaries, nil
		}
		generation = gen
	}

	accounts, err := s.store.Accounts().ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, errors.AsAppError(err)
	}

	summaries := make([]domain.AccountSummary, 0, len(accounts))
	for _, account := range accounts {
		summaries = append(summaries, account.Summary())
	}

	if s.cache != nil {
		s.cache.Set(ctx, ownerID, generation, summaries)
	}
	return summaries, nil
}

func (s *LedgerService) Stats(ctx context.Context) (*domain.LedgerStats, error) {
	stats, err := s.store.Accounts().Stats(ctx)
	if err != nil {
		return nil, errors.AsAppError(err)
	}
	return stats, nil
}

type Reconciliation struct {
	AccountID     uuid.UUID       `json:"account_id"`
	AccountNumber string          `json:"account_number"`
	Balance       decimal.Decimal `json:"balance"`
	LoggedTotal   decimal.Decimal `json:"logged_total"`
	Entries       int             `json:"entries"`
	Balanced      bool            `json:"balanced"`
}

// Reconcile recomputes the account balance from its log. The account lock
// is held so the balance and the log are read at the same point.
func (s *LedgerService) Reconcile(ctx context.Context, accountID uuid.UUID) (*Reconciliation, error) {
	handle, err := s.lockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	records, err := s.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	result := &Reconciliation{
		AccountID:     account.ID,
		AccountNumber: account.AccountNumber,
		Balance:       account.Balance,
		LoggedTotal:   decimal.Zero,
	}
	for record, err := range records {
		if err != nil {
			return nil, err
		}
		result.LoggedTotal = result.LoggedTotal.Add(record.Signed())
		result.Entries++
	}
	result.Balanced = result.LoggedTotal.Equal(account.Balance)

	if !result.Balanced {
		s.logger.Error("Account does not reconcile",
			"account_id", account.ID,
			"balance", account.Balance,
			"logged_total", result.LoggedTotal)
	}
	return result, nil
}
