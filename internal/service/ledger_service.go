package service

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/domain"
	"branch-ledger/internal/errors"
	"branch-ledger/internal/events"
	"branch-ledger/internal/lock"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500

	publishTimeout = 5 * time.Second
)

// maxAmount caps any single amount, including opening balances.
var maxAmount = decimal.NewFromInt(10_000_000_000)

// SummaryCache is the read-through cache used for owner summaries.
type SummaryCache interface {
	// Get also returns the generation a later Set must pass, so a fill
	// read before an Invalidate is never served after it.
	Get(ctx context.Context, ownerID string) ([]domain.AccountSummary, int64, bool)
	Set(ctx context.Context, ownerID string, generation int64, summaries []domain.AccountSummary)
	Invalidate(ctx context.Context, ownerIDs ...string)
}

// LedgerService is the only writer of accounts and transaction records.
// Each mutating call is one unit of work executed under the per-account
// locks of every account it touches.
type LedgerService struct {
	store     domain.Store
	locks     *lock.Coordinator
	logger    *slog.Logger
	cache     SummaryCache
	publisher events.Publisher
	numbers   func() (string, error)
	now       func() time.Time
	pageSize  int
}

type Option func(*LedgerService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *LedgerService) { s.logger = logger }
}

func WithSummaryCache(cache SummaryCache) Option {
	return func(s *LedgerService) { s.cache = cache }
}

func WithPublisher(publisher events.Publisher) Option {
	return func(s *LedgerService) { s.publisher = publisher }
}

func WithAccountNumberGenerator(gen func() (string, error)) Option {
	return func(s *LedgerService) { s.numbers = gen }
}

func WithClock(now func() time.Time) Option {
	return func(s *LedgerService) { s.now = now }
}

func WithPageSize(size int) Option {
	return func(s *LedgerService) {
		if size > 0 && size <= MaxPageSize {
			s.pageSize = size
		}
	}
}

func NewLedgerService(store domain.Store, locks *lock.Coordinator, opts ...Option) *LedgerService {
	s := &LedgerService{
		store:     store,
		locks:     locks,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		publisher: events.NopPublisher{},
		numbers:   GenerateAccountNumber,
		now:       func() time.Time { return time.Now().UTC() },
		pageSize:  DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// validateAmount accepts positive amounts with at most two decimal places.
func validateAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 || !amount.Equal(amount.Truncate(2)) {
		return errors.ErrInvalidAmount
	}
	if amount.GreaterThan(maxAmount) {
		return errors.ErrInvalidAmount.WithDetails("amount exceeds maximum limit")
	}
	return nil
}

// activeAccount loads an account outside any lock. Closed accounts are
// reported as notFound.
func (s *LedgerService) activeAccount(ctx context.Context, id uuid.UUID, notFound *errors.AppError) (*domain.Account, error) {
	account, err := s.store.Accounts().GetByID(ctx, id)
	if err != nil {
		if appErr := errors.AsAppError(err); appErr.Code == errors.AccountNotFound {
			return nil, notFound
		}
		return nil, errors.AsAppError(err)
	}
	if !account.Active() {
		return nil, notFound
	}
	return account, nil
}

// afterCommit refreshes derived state once a unit of work is durable.
// Failures here are logged and never reported to the caller. Callers
// release their account locks first.
func (s *LedgerService) afterCommit(ctx context.Context, event *events.TransactionCommitted, ownerIDs ...string) {
	ctx = context.WithoutCancel(ctx)

	if s.cache != nil {
		s.cache.Invalidate(ctx, ownerIDs...)
	}

	if event == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, *event); err != nil {
		s.logger.Error("Failed to publish committed transaction",
			"operation", event.Operation,
			"reference", event.Reference,
			"error", err)
	}
}
