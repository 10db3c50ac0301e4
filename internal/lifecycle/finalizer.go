// Package lifecycle guarantees that every ticket is finalized exactly once:
// its result is reported, its log is archived and the worker exits.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/macaddr"
	"github.com/lvonguyen/portsec/internal/notify"
	"github.com/lvonguyen/portsec/internal/tasklog"
	"github.com/lvonguyen/portsec/internal/ticket"
	"github.com/lvonguyen/portsec/internal/tracker"
)

// ErrAlreadyFinalized means another party archived the ticket first.
var ErrAlreadyFinalized = errors.New("ticket already finalized")

// Finalizer performs the terminal action for a resolved ticket.
type Finalizer interface {
	Finalize(ctx context.Context, t *ticket.Ticket) error
}

// ArchiveFinalizer claims the ticket by moving its log into the archive and
// then sends the end notification with the archived log attached.
type ArchiveFinalizer struct {
	store    *tasklog.Store
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewArchiveFinalizer creates a finalizer.
func NewArchiveFinalizer(store *tasklog.Store, notifier notify.Notifier, logger *zap.Logger) *ArchiveFinalizer {
	return &ArchiveFinalizer{store: store, notifier: notifier, logger: logger}
}

// Finalize implements Finalizer.
func (f *ArchiveFinalizer) Finalize(ctx context.Context, t *ticket.Ticket) error {
	path, err := f.store.Archive(t.Tracker)
	if err != nil {
		if errors.Is(err, tasklog.ErrNotActive) {
			return fmt.Errorf("%w: %s", ErrAlreadyFinalized, t.Tracker)
		}
		return err
	}

	log, err := os.ReadFile(path)
	if err != nil {
		f.logger.Warn("reading archived log", zap.String("path", path), zap.Error(err))
	}

	msg := notify.Finished(t.Result(), displayMAC(t.MAC), filepath.Base(path), log)
	if err := f.notifier.Notify(ctx, msg); err != nil {
		return fmt.Errorf("end notification for %s: %w", t.Tracker, err)
	}

	f.logger.Info("ticket finalized",
		zap.String("tracker", t.Tracker),
		zap.String("outcome", string(t.Outcome())),
		zap.String("cause", string(t.Cause())),
	)
	return nil
}

// FinalizeKilled finalizes a ticket whose worker was terminated from outside.
// The killed worker never reaches its own finalization, so the ticket is
// rebuilt from its tracker. The worker is already dead, so finalization
// ignores cancellation of ctx.
func FinalizeKilled(ctx context.Context, store *tasklog.Store, f Finalizer, id tracker.ID, by string) error {
	ctx = context.WithoutCancel(ctx)

	sink, err := store.Reopen(id.String())
	if err != nil {
		if errors.Is(err, tasklog.ErrNotActive) {
			return fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
		}
		return err
	}
	logger := sink.Tee(zap.NewNop())
	logger.Info("task terminated by operator", zap.String("by", by))
	if err := sink.Close(); err != nil {
		return fmt.Errorf("closing ticket log: %w", err)
	}

	t := ticket.New(id.String(), id.MAC, by)
	t.CreatedAt = id.Created
	if err := t.Resolve(ticket.OutcomeKilled, ticket.CauseCancelledByOperator); err != nil {
		return err
	}
	return f.Finalize(ctx, t)
}

func displayMAC(mac string) string {
	if mac == "" {
		return tracker.NoMAC
	}
	return macaddr.Dotted(mac)
}
