package service

import (
	"context"
	"log/slog"
	"time"

	"branch-ledger/internal/errors"
)

// Phase is the progress of one ledger operation. RolledBack is reachable
// from every phase before Committed.
type Phase int

const (
	PhaseInitiated Phase = iota
	PhaseValidated
	PhaseLocked
	PhaseMutated
	PhaseLogged
	PhaseCommitted
	PhaseRolledBack
)

var phaseNames = [...]string{
	PhaseInitiated:  "initiated",
	PhaseValidated:  "validated",
	PhaseLocked:     "locked",
	PhaseMutated:    "mutated",
	PhaseLogged:     "logged",
	PhaseCommitted:  "committed",
	PhaseRolledBack: "rolled_back",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

type operation struct {
	name    string
	phase   Phase
	started time.Time
	logger  *slog.Logger
}

func (s *LedgerService) begin(name string, attrs ...any) *operation {
	op := &operation{
		name:    name,
		phase:   PhaseInitiated,
		started: time.Now(),
		logger:  s.logger.With(append([]any{"operation", name}, attrs...)...),
	}
	op.logger.Debug("Ledger operation phase", "phase", op.phase)
	return op
}

func (op *operation) advance(p Phase) {
	op.phase = p
	op.logger.Debug("Ledger operation phase", "phase", p)
}

// finish is deferred by every operation with a pointer to its named error.
func (op *operation) finish(errp *error) {
	if *errp == nil {
		if op.phase != PhaseCommitted {
			op.advance(PhaseCommitted)
		}
		op.logger.Info("Ledger operation completed", "duration", time.Since(op.started))
		return
	}

	failedAt := op.phase
	op.advance(PhaseRolledBack)

	appErr := errors.AsAppError(*errp)
	*errp = appErr
	level := slog.LevelWarn
	if appErr.Code == errors.StorageFailure || appErr.Code == errors.InternalError {
		level = slog.LevelError
	}
	op.logger.Log(context.Background(), level, "Ledger operation failed",
		"failed_at", failedAt,
		"code", appErr.Code,
		"error", appErr)
}
