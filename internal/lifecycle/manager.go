package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/ticket"
)

// Worker exit codes.
const (
	ExitCompleted = 0
	ExitFailed    = 1
	ExitKilled    = 2
	ExitFault     = 3
)

// Task is what a ticket body runs with.
type Task struct {
	Ticket *ticket.Ticket
	// Log writes to both the process log and the ticket log.
	Log *zap.Logger
	// Sink is the ticket log; it is closed before the log is archived.
	Sink io.Closer
}

// Body is the work done for one ticket. It reports its outcome as an error
// and never finalizes.
type Body func(ctx context.Context, task Task) error

// Manager runs ticket bodies inside the finalize-once scope.
type Manager struct {
	finalizer Finalizer
	faults    *FaultSink
	logger    *zap.Logger
}

// NewManager creates a manager.
func NewManager(finalizer Finalizer, faults *FaultSink, logger *zap.Logger) *Manager {
	return &Manager{finalizer: finalizer, faults: faults, logger: logger}
}

// Run executes body, resolves the ticket from its result and finalizes it
// exactly once, also when body panics. The returned code is meant for
// os.Exit, which ends the worker.
func (m *Manager) Run(ctx context.Context, task Task, body Body) (code int) {
	var once sync.Once
	finish := func(err error) {
		once.Do(func() { code = m.finish(ctx, task, err) })
	}

	defer func() {
		if r := recover(); r != nil {
			m.faults.Record(task.Ticket.Tracker, r, debug.Stack())
			// If finish itself panicked it has already claimed the once.
			code = ExitFault
			finish(ticket.Fail(ticket.CauseInternalFault, fmt.Errorf("panic: %v", r)))
		}
	}()

	finish(body(ctx, task))
	return code
}

func (m *Manager) finish(ctx context.Context, task Task, runErr error) (code int) {
	t := task.Ticket
	if err := t.ResolveFromError(runErr); err != nil {
		m.logger.Error("resolving ticket", zap.String("tracker", t.Tracker), zap.Error(err))
	}

	log := task.Log
	if log == nil {
		log = m.logger
	}
	if runErr != nil {
		log.Info(t.Result(), zap.Error(runErr))
	} else {
		log.Info(t.Result())
	}

	if task.Sink != nil {
		if err := task.Sink.Close(); err != nil {
			m.logger.Warn("closing ticket log", zap.String("tracker", t.Tracker), zap.Error(err))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			m.faults.Record(t.Tracker+" finalize", r, debug.Stack())
			code = ExitFault
		}
	}()

	// Finalization runs even when the ticket context was cancelled.
	if err := m.finalizer.Finalize(context.WithoutCancel(ctx), t); err != nil {
		if errors.Is(err, ErrAlreadyFinalized) {
			m.logger.Info("ticket finalized elsewhere", zap.String("tracker", t.Tracker))
		} else {
			m.logger.Error("finalizing ticket", zap.String("tracker", t.Tracker), zap.Error(err))
		}
	}

	return exitCode(t)
}

func exitCode(t *ticket.Ticket) int {
	switch t.Outcome() {
	case ticket.OutcomeCompleted:
		return ExitCompleted
	case ticket.OutcomeKilled:
		return ExitKilled
	}
	if t.Cause() == ticket.CauseInternalFault {
		return ExitFault
	}
	return ExitFailed
}
