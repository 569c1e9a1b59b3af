// Package memory is an in-process implementation of domain.Store.
//
// Writes made inside a unit of work are staged on the transaction and
// published to the shared maps in one step at commit, after every staged
// account has been checked against the version it was read at. Readers
// therefore never see a half-applied unit of work, and a failed unit of
// work leaves no trace.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/domain"
	"branch-ledger/internal/errors"
)

// AppendHook is called for every record before it is staged. A non-nil
// error fails the append as a storage failure.
type AppendHook func(record domain.TransactionRecord) error

type Option func(*Store)

// WithAppendHook installs a hook used to inject log failures.
func WithAppendHook(hook AppendHook) Option {
	return func(s *Store) {
		s.appendHook = hook
	}
}

type Store struct {
	mu         sync.RWMutex
	accounts   map[uuid.UUID]domain.Account
	byNumber   map[string]uuid.UUID
	byOwner    map[string][]uuid.UUID
	records    map[uuid.UUID][]domain.TransactionRecord
	nextID     atomic.Int64
	appendHook AppendHook
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		accounts: make(map[uuid.UUID]domain.Account),
		byNumber: make(map[string]uuid.UUID),
		byOwner:  make(map[string][]uuid.UUID),
		records:  make(map[uuid.UUID][]domain.TransactionRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ domain.Store = (*Store)(nil)

// Accounts returns a repository whose writes commit immediately.
func (s *Store) Accounts() domain.AccountRepository {
	return &accountRepository{tx: s.begin(true)}
}

// Transactions returns a repository whose appends commit immediately.
func (s *Store) Transactions() domain.TransactionRepository {
	return &transactionRepository{tx: s.begin(true)}
}

func (s *Store) WithTransaction(ctx context.Context, fn func(domain.UnitOfWork) error) error {
	tx := s.begin(false)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Storage("transaction aborted", err)
	}
	return s.commit(tx)
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) begin(auto bool) *txn {
	return &txn{
		s:        s,
		auto:     auto,
		base:     make(map[uuid.UUID]int64),
		accounts: make(map[uuid.UUID]domain.Account),
	}
}

// commit validates every staged account against its base version and then
// publishes accounts and records under a single write lock.
func (s *Store) commit(tx *txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, baseVersion := range tx.base {
		current, exists := s.accounts[id]
		switch {
		case baseVersion == newAccountVersion:
			staged := tx.accounts[id]
			if exists {
				return errors.ErrInternal.WithDetails("account id already exists")
			}
			if _, taken := s.byNumber[staged.AccountNumber]; taken {
				return errors.ErrDuplicateAccountNumber
			}
		case !exists:
			return errors.ErrAccountNotFound
		case current.Version != baseVersion:
			return errors.ErrVersionConflict
		}
	}

	for id, account := range tx.accounts {
		if tx.base[id] == newAccountVersion {
			s.byNumber[account.AccountNumber] = id
			s.byOwner[account.OwnerID] = append(s.byOwner[account.OwnerID], id)
		}
		s.accounts[id] = account
	}
	for _, record := range tx.records {
		s.records[record.AccountID] = append(s.records[record.AccountID], record)
	}
	return nil
}

// read returns the committed account, if any.
func (s *Store) read(id uuid.UUID) (domain.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	return account, ok
}

func (s *Store) listByAccount(accountID uuid.UUID, opts domain.ListOptions) []domain.TransactionRecord {
	s.mu.RLock()
	all := make([]domain.TransactionRecord, len(s.records[accountID]))
	copy(all, s.records[accountID])
	s.mu.RUnlock()

	// Record IDs are handed out at append time, so units of work can commit
	// out of ID order.
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	page := make([]domain.TransactionRecord, 0, opts.Limit)
	for _, record := range all {
		if opts.Before != 0 && record.ID >= opts.Before {
			continue
		}
		page = append(page, record)
		if opts.Limit > 0 && len(page) == opts.Limit {
			break
		}
	}
	return page
}

func (s *Store) stats() *domain.LedgerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.LedgerStats{
		AccountsByType:   map[domain.AccountType]int64{},
		AccountsByStatus: map[domain.AccountStatus]int64{},
		TotalBalance:     decimal.Zero,
	}
	for _, account := range s.accounts {
		stats.AccountsByType[account.Type]++
		stats.AccountsByStatus[account.Status]++
		stats.TotalBalance = stats.TotalBalance.Add(account.Balance)
	}
	return stats
}
