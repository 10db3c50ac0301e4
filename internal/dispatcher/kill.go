package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/lifecycle"
	"github.com/lvonguyen/portsec/internal/message"
	"github.com/lvonguyen/portsec/internal/notify"
	"github.com/lvonguyen/portsec/internal/observability"
	"github.com/lvonguyen/portsec/internal/tasklog"
	"github.com/lvonguyen/portsec/internal/tracker"
)

// ErrNoSuchRequest means the tracker does not name a running ticket.
var ErrNoSuchRequest = errors.New("no such request")

// Killer cancels running tickets.
type Killer struct {
	store     *tasklog.Store
	finalizer lifecycle.Finalizer
	notifier  notify.Notifier
	metrics   *observability.Metrics
	logger    *zap.Logger
	signal    func(pid int) error
}

// NewKiller creates a killer. metrics may be nil.
func NewKiller(store *tasklog.Store, finalizer lifecycle.Finalizer, notifier notify.Notifier, metrics *observability.Metrics, logger *zap.Logger) *Killer {
	return &Killer{
		store:     store,
		finalizer: finalizer,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
		signal:    sigkill,
	}
}

func sigkill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// Kill terminates the worker of the first tracker found in text and
// finalizes its ticket on its behalf. by names the operator.
func (k *Killer) Kill(ctx context.Context, text, by string) (tracker.ID, error) {
	id, err := k.kill(ctx, text, by)
	if k.metrics != nil {
		k.metrics.Kills.WithLabelValues(killResult(err)).Inc()
	}
	return id, err
}

func (k *Killer) kill(ctx context.Context, text, by string) (tracker.ID, error) {
	id, err := tracker.Find(text)
	if err != nil {
		return tracker.ID{}, fmt.Errorf("%w: %v", ErrNoSuchRequest, err)
	}
	name := id.String()
	if id.PID <= 1 || !k.store.IsActive(name) {
		return id, fmt.Errorf("%w: %s", ErrNoSuchRequest, name)
	}

	switch err := k.signal(id.PID); {
	case errors.Is(err, syscall.ESRCH):
		// The worker died without finalizing; archive its ticket.
		k.logger.Warn("worker already gone", zap.String("tracker", name), zap.Int("pid", id.PID), zap.String("by", by))
	case err != nil:
		return id, fmt.Errorf("terminating worker %d: %w", id.PID, err)
	default:
		k.logger.Info("worker terminated", zap.String("tracker", name), zap.Int("pid", id.PID), zap.String("by", by))
	}

	if err := lifecycle.FinalizeKilled(ctx, k.store, k.finalizer, id, by); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyFinalized) {
			// The worker archived its own result before the signal landed.
			return id, fmt.Errorf("%w: %s already finished", ErrNoSuchRequest, name)
		}
		return id, fmt.Errorf("finalizing %s: %w", name, err)
	}
	return id, nil
}

// KillFromMessage runs a KILL request and reports a failure back to the
// sender.
func (k *Killer) KillFromMessage(ctx context.Context, msg message.Message) (tracker.ID, error) {
	id, err := k.Kill(ctx, msg.Body, msg.From)
	if err == nil {
		return id, nil
	}
	k.logger.Warn("kill request failed", zap.String("from", msg.From), zap.Error(err))
	if nerr := k.notifier.Notify(ctx, notify.RequestError(msg.From, err.Error(), msg.Body)); nerr != nil {
		return id, errors.Join(err, fmt.Errorf("error notification: %w", nerr))
	}
	return id, err
}

func killResult(err error) string {
	switch {
	case err == nil:
		return "killed"
	case errors.Is(err, ErrNoSuchRequest):
		return "not_found"
	default:
		return "error"
	}
}
