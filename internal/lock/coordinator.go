// Package lock serializes mutations per account.
//
// Every account gets its own weighted semaphore of size one. Waiters on a
// semaphore are served in arrival order, so a busy account cannot starve a
// caller, and the overall wait is capped by the coordinator's timeout.
// Multiple accounts are always acquired in ascending UUID byte order, which
// rules out lock-order inversion between transfers running in opposite
// directions over the same pair of accounts.
package lock

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"branch-ledger/internal/errors"
)

const DefaultWaitTimeout = 5 * time.Second

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Coordinator hands out scoped exclusive access to accounts.
type Coordinator struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	wait    time.Duration
	logger  *slog.Logger
}

func NewCoordinator(wait time.Duration, logger *slog.Logger) *Coordinator {
	if wait <= 0 {
		wait = DefaultWaitTimeout
	}
	return &Coordinator{
		entries: make(map[uuid.UUID]*entry),
		wait:    wait,
		logger:  logger,
	}
}

// Handle releases the locks it holds. Release is safe to call more than once.
type Handle struct {
	c    *Coordinator
	held []uuid.UUID
	once sync.Once
}

// Order returns ids de-duplicated and sorted in the canonical lock order.
func Order(ids ...uuid.UUID) []uuid.UUID {
	ordered := slices.Clone(ids)
	slices.SortFunc(ordered, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return slices.Compact(ordered)
}

// AcquireAll locks every id in canonical order. If the locks cannot all be
// taken within the wait timeout, or ctx ends first, whatever was taken is
// released and a busy error is returned.
func (c *Coordinator) AcquireAll(ctx context.Context, ids ...uuid.UUID) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	h := &Handle{c: c}
	for _, id := range Order(ids...) {
		e := c.ref(id)
		if err := e.sem.Acquire(ctx, 1); err != nil {
			c.unref(id)
			h.Release()
			c.logger.Warn("Lock wait exceeded", "account_id", id, "wait", c.wait, "error", err)
			return nil, errors.ErrBusy.Wrap(err)
		}
		h.held = append(h.held, id)
	}
	return h, nil
}

// Release frees the held locks in reverse acquisition order.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		for i := len(h.held) - 1; i >= 0; i-- {
			id := h.held[i]
			h.c.lookup(id).sem.Release(1)
			h.c.unref(id)
		}
		h.held = nil
	})
}

// Held lists the account ids locked by h in acquisition order.
func (h *Handle) Held() []uuid.UUID {
	return slices.Clone(h.held)
}

func (c *Coordinator) ref(id uuid.UUID) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		c.entries[id] = e
	}
	e.refs++
	return e
}

func (c *Coordinator) lookup(id uuid.UUID) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[id]
}

// unref drops the entry once no holder or waiter references it.
func (c *Coordinator) unref(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(c.entries, id)
	}
}

// Tracked returns the number of accounts with a holder or waiter.
func (c *Coordinator) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
