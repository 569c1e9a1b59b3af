package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/domain"
	"branch-ledger/internal/errors"
)

// newAccountVersion marks an account staged by Create.
const newAccountVersion int64 = -1

// txn is a unit of work. When auto is set every write commits on its own.
type txn struct {
	s        *Store
	auto     bool
	base     map[uuid.UUID]int64
	accounts map[uuid.UUID]domain.Account
	records  []domain.TransactionRecord
}

func (t *txn) Accounts() domain.AccountRepository {
	return &accountRepository{tx: t}
}

func (t *txn) Transactions() domain.TransactionRepository {
	return &transactionRepository{tx: t}
}

func (t *txn) reset() {
	clear(t.base)
	clear(t.accounts)
	t.records = nil
}

func (t *txn) get(id uuid.UUID) (domain.Account, bool) {
	if account, ok := t.accounts[id]; ok {
		return account, true
	}
	return t.s.read(id)
}

func (t *txn) flush() error {
	if !t.auto {
		return nil
	}
	err := t.s.commit(t)
	t.reset()
	return err
}

func (t *txn) stage(account domain.Account, baseVersion int64) error {
	if _, ok := t.base[account.ID]; !ok {
		t.base[account.ID] = baseVersion
	}
	t.accounts[account.ID] = account
	return t.flush()
}

type accountRepository struct {
	tx *txn
}

func (r *accountRepository) Create(ctx context.Context, account *domain.Account) error {
	exists, _ := r.NumberExists(ctx, account.AccountNumber)
	if exists {
		return errors.ErrDuplicateAccountNumber
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	return r.tx.stage(*account, newAccountVersion)
}

func (r *accountRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	account, ok := r.tx.get(id)
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	return &account, nil
}

// GetForUpdate is a plain read; exclusivity comes from the lock coordinator
// and the version check at commit.
func (r *accountRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return r.GetByID(ctx, id)
}

func (r *accountRepository) GetByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	for _, account := range r.tx.accounts {
		if account.AccountNumber == accountNumber {
			return &account, nil
		}
	}

	r.tx.s.mu.RLock()
	id, ok := r.tx.s.byNumber[accountNumber]
	r.tx.s.mu.RUnlock()
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *accountRepository) ListByOwner(_ context.Context, ownerID string) ([]*domain.Account, error) {
	seen := make(map[uuid.UUID]bool)
	var accounts []*domain.Account

	r.tx.s.mu.RLock()
	ids := append([]uuid.UUID(nil), r.tx.s.byOwner[ownerID]...)
	r.tx.s.mu.RUnlock()

	for _, id := range ids {
		if account, ok := r.tx.get(id); ok {
			seen[id] = true
			accounts = append(accounts, &account)
		}
	}
	for id, account := range r.tx.accounts {
		if account.OwnerID == ownerID && !seen[id] {
			accounts = append(accounts, &account)
		}
	}
	if len(accounts) == 0 {
		return nil, errors.ErrAccountNotFound
	}

	sort.SliceStable(accounts, func(i, j int) bool {
		if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].AccountNumber < accounts[j].AccountNumber
		}
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (r *accountRepository) NumberExists(_ context.Context, accountNumber string) (bool, error) {
	for _, account := range r.tx.accounts {
		if account.AccountNumber == accountNumber {
			return true, nil
		}
	}

	r.tx.s.mu.RLock()
	defer r.tx.s.mu.RUnlock()
	_, ok := r.tx.s.byNumber[accountNumber]
	return ok, nil
}

func (r *accountRepository) ApplyDelta(_ context.Context, id uuid.UUID, delta decimal.Decimal, expectedVersion int64) (decimal.Decimal, error) {
	account, ok := r.tx.get(id)
	if !ok {
		return decimal.Zero, errors.ErrAccountNotFound
	}
	if account.Version != expectedVersion {
		return decimal.Zero, errors.ErrVersionConflict
	}

	balance := account.Balance.Add(delta)
	if balance.IsNegative() {
		return decimal.Zero, errors.ErrInsufficientFunds
	}

	baseVersion := account.Version
	account.Balance = balance
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	if err := r.tx.stage(account, baseVersion); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (r *accountRepository) SetStatus(_ context.Context, id uuid.UUID, status domain.AccountStatus, expectedVersion int64) error {
	account, ok := r.tx.get(id)
	if !ok {
		return errors.ErrAccountNotFound
	}
	if account.Version != expectedVersion {
		return errors.ErrVersionConflict
	}

	baseVersion := account.Version
	account.Status = status
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	return r.tx.stage(account, baseVersion)
}

func (r *accountRepository) Stats(context.Context) (*domain.LedgerStats, error) {
	return r.tx.s.stats(), nil
}

type transactionRepository struct {
	tx *txn
}

func (r *transactionRepository) Append(_ context.Context, record *domain.TransactionRecord) (int64, error) {
	if hook := r.tx.s.appendHook; hook != nil {
		if err := hook(*record); err != nil {
			return 0, errors.Storage("failed to append transaction record", err)
		}
	}

	record.ID = r.tx.s.nextID.Add(1)
	r.tx.records = append(r.tx.records, *record)
	if err := r.tx.flush(); err != nil {
		return 0, err
	}
	return record.ID, nil
}

func (r *transactionRepository) ListByAccount(_ context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.TransactionRecord, error) {
	return r.tx.s.listByAccount(accountID, opts), nil
}
