// Package worker runs one ticket inside one process: it resolves the ticket
// parameters from the request and the log server, connects to the switch and
// drives the remediation pipeline under the lifecycle manager.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/config"
	"github.com/lvonguyen/portsec/internal/lifecycle"
	"github.com/lvonguyen/portsec/internal/logserver"
	"github.com/lvonguyen/portsec/internal/macaddr"
	"github.com/lvonguyen/portsec/internal/notify"
	"github.com/lvonguyen/portsec/internal/pipeline"
	"github.com/lvonguyen/portsec/internal/remediation"
	"github.com/lvonguyen/portsec/internal/tasklog"
	"github.com/lvonguyen/portsec/internal/ticket"
	"github.com/lvonguyen/portsec/internal/tracker"
)

// Switch is a privileged CLI on the switch that reported the violation.
type Switch interface {
	remediation.Session
	Close() error
}

// Watcher finds where a MAC last violated port security.
type Watcher interface {
	Watch(ctx context.Context, mac string) (logserver.Event, error)
}

// Worker processes a single request.
type Worker struct {
	store       *tasklog.Store
	manager     *lifecycle.Manager
	notifier    notify.Notifier
	remediation remediation.Config
	excluded    func(host string) bool
	logger      *zap.Logger

	// newWatcher builds a log server watcher that logs to the ticket log.
	newWatcher func(log *zap.Logger) (Watcher, io.Closer)
	connect    func(ctx context.Context, host string) (Switch, error)
	pid        int
	now        func() time.Time
}

// New wires a worker to the devices and log server named in cfg.
func New(cfg *config.Config, store *tasklog.Store, manager *lifecycle.Manager, notifier notify.Notifier, logger *zap.Logger) *Worker {
	return &Worker{
		store:       store,
		manager:     manager,
		notifier:    notifier,
		remediation: cfg.Remediation,
		excluded:    cfg.IsExcluded,
		logger:      logger,
		newWatcher: func(log *zap.Logger) (Watcher, io.Closer) {
			runner := newLogRunner(cfg.LogServer.Host, cfg.LogServer.SSH)
			return logserver.NewWatcher(runner, cfg.LogServer, log), runner
		},
		connect: func(ctx context.Context, host string) (Switch, error) {
			return dialSwitch(ctx, host, cfg.Device)
		},
		pid: os.Getpid(),
		now: time.Now,
	}
}

// Run processes one request body filed by requester and returns the
// process exit code. The ticket is finalized before Run returns.
func (w *Worker) Run(ctx context.Context, requester, body string) int {
	mac, extractErr := macaddr.Extract(body)
	id := tracker.New(w.pid, mac, w.now())

	sink, err := w.store.Open(id.String())
	if err != nil {
		w.logger.Error("opening ticket log", zap.String("tracker", id.String()), zap.Error(err))
		return lifecycle.ExitFault
	}

	t := ticket.New(id.String(), mac, requester)
	t.CreatedAt = id.Created
	task := lifecycle.Task{
		Ticket: t,
		Log:    sink.Tee(w.logger.With(zap.String("tracker", t.Tracker))),
		Sink:   sink,
	}

	return w.manager.Run(ctx, task, func(ctx context.Context, task lifecycle.Task) error {
		return w.process(ctx, task, body, extractErr)
	})
}

func (w *Worker) process(ctx context.Context, task lifecycle.Task, body string, extractErr error) error {
	t, log := task.Ticket, task.Log

	log.Info("TRACKER: " + t.Tracker)
	log.Info("MESSAGE:\n" + body)

	if extractErr != nil {
		if errors.Is(extractErr, macaddr.ErrTooMany) {
			return ticket.Fail(ticket.CauseTooManyMacsFound, extractErr)
		}
		return ticket.Fail(ticket.CauseMacNotFound, extractErr)
	}

	dotted := macaddr.Dotted(t.MAC)
	log.Info("MAC: " + dotted)
	if err := w.notifier.Notify(ctx, notify.Accepted(dotted, t.Tracker)); err != nil {
		log.Warn("accepted notification failed", zap.Error(err))
	}

	watcher, closer := w.newWatcher(log)
	ev, err := watcher.Watch(ctx, t.MAC)
	if cerr := closer.Close(); cerr != nil {
		w.logger.Debug("closing log server session", zap.Error(cerr))
	}
	if err != nil {
		return err
	}
	t.IP, t.Port, t.Vendor = ev.IP, ev.Port, ev.Vendor

	log.Info("----------SWITCH-SETUP----------")
	log.Info(fmt.Sprintf("VENDOR: %s IP: %s PORT: %s MAC: %s", ev.Vendor, ev.IP, ev.Port, macaddr.Dotted(ev.MAC)))

	if w.excluded(ev.IP) {
		return ticket.Failf(ticket.CauseExcludedHost, "%s", ev.IP)
	}

	sw, err := w.connect(ctx, ev.IP)
	if err != nil {
		if ctx.Err() != nil {
			return ticket.Fail(ticket.CauseInterrupted, ctx.Err())
		}
		return ticket.Fail(ticket.CauseDeviceUnreachable, fmt.Errorf("connecting to %s: %w", ev.IP, err))
	}
	defer func() {
		if err := sw.Close(); err != nil {
			w.logger.Debug("closing switch session", zap.String("host", ev.IP), zap.Error(err))
		}
	}()

	snap, err := remediation.Capture(ctx, sw, ev.Port, w.now())
	if err != nil {
		return err
	}

	r := remediation.New(sw, snap, t.MAC, ev.Port, w.remediation, log)
	decision, err := pipeline.Run(ctx, log, r.Stages())
	if err != nil {
		return err
	}
	return decision.Err()
}
