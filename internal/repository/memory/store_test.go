package memory

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branch-ledger/internal/domain"
	"branch-ledger/internal/errors"
)

func newAccount(owner, number string) *domain.Account {
	return &domain.Account{
		ID:            uuid.New(),
		OwnerID:       owner,
		AccountNumber: number,
		Type:          domain.AccountTypeCurrent,
		Balance:       decimal.Zero,
		Status:        domain.AccountStatusActive,
	}
}

func TestCreateAndLookup(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	account := newAccount("alice", "10000001")
	require.NoError(t, s.Accounts().Create(ctx, account))

	byID, err := s.Accounts().GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "10000001", byID.AccountNumber)
	assert.False(t, byID.CreatedAt.IsZero())

	byNumber, err := s.Accounts().GetByNumber(ctx, "10000001")
	require.NoError(t, err)
	assert.Equal(t, account.ID, byNumber.ID)

	exists, err := s.Accounts().NumberExists(ctx, "10000001")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.Accounts().GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, errors.ErrAccountNotFound)
	_, err = s.Accounts().GetByNumber(ctx, "99999999")
	assert.ErrorIs(t, err, errors.ErrAccountNotFound)

	err = s.Accounts().Create(ctx, newAccount("bob", "10000001"))
	assert.ErrorIs(t, err, errors.ErrDuplicateAccountNumber)
}

func TestApplyDeltaChecksVersionAndFunds(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	account := newAccount("alice", "10000001")
	require.NoError(t, s.Accounts().Create(ctx, account))

	balance, err := s.Accounts().ApplyDelta(ctx, account.ID, decimal.NewFromInt(100), 0)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)))

	_, err = s.Accounts().ApplyDelta(ctx, account.ID, decimal.NewFromInt(1), 0)
	assert.ErrorIs(t, err, errors.ErrVersionConflict)

	_, err = s.Accounts().ApplyDelta(ctx, account.ID, decimal.NewFromInt(-101), 1)
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)

	got, err := s.Accounts().GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(100)))
}

func TestWithTransactionIsAllOrNothing(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	account := newAccount("alice", "10000001")
	require.NoError(t, s.Accounts().Create(ctx, account))

	boom := stderrors.New("boom")
	err := s.WithTransaction(ctx, func(uow domain.UnitOfWork) error {
		if _, err := uow.Accounts().ApplyDelta(ctx, account.ID, decimal.NewFromInt(50), 0); err != nil {
			return err
		}
		if _, err := uow.Transactions().Append(ctx, &domain.TransactionRecord{
			AccountID: account.ID,
			Kind:      domain.KindCredit,
			Amount:    decimal.NewFromInt(50),
		}); err != nil {
			return err
		}

		// Staged writes are visible inside the unit of work only.
		inside, err := uow.Accounts().GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.True(t, inside.Balance.Equal(decimal.NewFromInt(50)))
		outside, err := s.Accounts().GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.True(t, outside.Balance.IsZero())
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Accounts().GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	records, err := s.Transactions().ListByAccount(ctx, account.ID, domain.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCommitRejectsStaleUnitOfWork(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	account := newAccount("alice", "10000001")
	require.NoError(t, s.Accounts().Create(ctx, account))

	err := s.WithTransaction(ctx, func(uow domain.UnitOfWork) error {
		if _, err := uow.Accounts().ApplyDelta(ctx, account.ID, decimal.NewFromInt(10), 0); err != nil {
			return err
		}
		// A concurrent writer commits first.
		_, err := s.Accounts().ApplyDelta(ctx, account.ID, decimal.NewFromInt(5), 0)
		return err
	})
	assert.ErrorIs(t, err, errors.ErrVersionConflict)

	got, err := s.Accounts().GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(5)))
}

func TestCanceledContextAbortsCommit(t *testing.T) {
	s := NewStore()
	account := newAccount("alice", "10000001")
	require.NoError(t, s.Accounts().Create(context.Background(), account))

	ctx, cancel := context.WithCancel(context.Background())
	err := s.WithTransaction(ctx, func(uow domain.UnitOfWork) error {
		_, err := uow.Accounts().ApplyDelta(ctx, account.ID, decimal.NewFromInt(10), 0)
		cancel()
		return err
	})
	assert.ErrorIs(t, err, errors.ErrStorageFailure)

	got, err := s.Accounts().GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestAppendHookFailsAppend(t *testing.T) {
	s := NewStore(WithAppendHook(func(domain.TransactionRecord) error {
		return stderrors.New("disk full")
	}))
	_, err := s.Transactions().Append(context.Background(), &domain.TransactionRecord{AccountID: uuid.New()})
	assert.ErrorIs(t, err, errors.ErrStorageFailure)
}

func TestListByAccountPagesNewestFirst(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	accountID := uuid.New()
	for i := 0; i < 5; i++ {
		_, err := s.Transactions().Append(ctx, &domain.TransactionRecord{AccountID: accountID, Kind: domain.KindCredit})
		require.NoError(t, err)
	}
	_, err := s.Transactions().Append(ctx, &domain.TransactionRecord{AccountID: uuid.New(), Kind: domain.KindCredit})
	require.NoError(t, err)

	page, err := s.Transactions().ListByAccount(ctx, accountID, domain.ListOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []int64{5, 4, 3}, []int64{page[0].ID, page[1].ID, page[2].ID})

	rest, err := s.Transactions().ListByAccount(ctx, accountID, domain.ListOptions{Before: page[2].ID, Limit: 3})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(2), rest[0].ID)
	assert.Equal(t, int64(1), rest[1].ID)
}

func TestListByOwnerAndStats(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	first := newAccount("alice", "10000001")
	first.Type = domain.AccountTypeSavings
	require.NoError(t, s.Accounts().Create(ctx, first))
	require.NoError(t, s.Accounts().Create(ctx, newAccount("alice", "10000002")))
	require.NoError(t, s.Accounts().Create(ctx, newAccount("bob", "10000003")))
	_, err := s.Accounts().ApplyDelta(ctx, first.ID, decimal.RequireFromString("12.50"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Accounts().SetStatus(ctx, first.ID, domain.AccountStatusClosed, 1))

	accounts, err := s.Accounts().ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "10000001", accounts[0].AccountNumber)

	_, err = s.Accounts().ListByOwner(ctx, "carol")
	assert.ErrorIs(t, err, errors.ErrAccountNotFound)

	stats, err := s.Accounts().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AccountsByType[domain.AccountTypeSavings])
	assert.Equal(t, int64(2), stats.AccountsByType[domain.AccountTypeCurrent])
	assert.Equal(t, int64(1), stats.AccountsByStatus[domain.AccountStatusClosed])
	assert.True(t, stats.TotalBalance.Equal(decimal.RequireFromString("12.5")))
}
