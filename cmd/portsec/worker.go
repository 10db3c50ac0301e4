package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/dispatcher"
	"github.com/lvonguyen/portsec/internal/lifecycle"
	"github.com/lvonguyen/portsec/internal/tasklog"
	"github.com/lvonguyen/portsec/internal/worker"
)

// runWorker processes one ticket. The dispatcher starts it with the request
// body on stdin; the exit code reports the ticket outcome.
func runWorker(args []string) int {
	fs, configPath := newFlagSet("worker")
	requester := fs.String("requester", "", "Address of the user who filed the request")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return lifecycle.ExitFault
	}
	if *requester == "" {
		fmt.Fprintln(os.Stderr, "portsec worker: --requester is required")
		return lifecycle.ExitFault
	}

	cfg, tel, err := setup(*configPath, "worker", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portsec worker: %v\n", err)
		return lifecycle.ExitFault
	}
	defer tel.Shutdown(context.Background())
	logger := tel.Logger().With(zap.Int("pid", os.Getpid()))

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Error("reading request body", zap.Error(err))
		return lifecycle.ExitFault
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		logger.Error("building notifiers", zap.Error(err))
		return lifecycle.ExitFault
	}

	store := tasklog.NewStore(cfg.ProjectDir, cfg.Rotation.Threshold)
	if err := store.EnsureDirs(); err != nil {
		logger.Error("preparing log directories", zap.Error(err))
		return lifecycle.ExitFault
	}
	finalizer := lifecycle.NewArchiveFinalizer(store, notifier, logger)
	manager := lifecycle.NewManager(finalizer, lifecycle.NewFaultSink(cfg.ProjectDir), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return worker.New(cfg, store, manager, notifier, logger).Run(ctx, *requester, string(body))
}

// runKill terminates a running ticket from the command line, the same way a
// KILL request from the operator mailbox does.
func runKill(args []string) int {
	fs, configPath := newFlagSet("kill")
	by := fs.String("by", "", "Operator recorded in the ticket log (default: $USER)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: portsec kill [--config path] [--by operator] <tracker>")
		return 2
	}
	operator := *by
	if operator == "" {
		operator = os.Getenv("USER")
	}

	cfg, tel, err := setup(*configPath, "kill", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portsec kill: %v\n", err)
		return 1
	}
	defer tel.Shutdown(context.Background())
	logger := tel.Logger()

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		logger.Error("building notifiers", zap.Error(err))
		return 1
	}
	store := tasklog.NewStore(cfg.ProjectDir, cfg.Rotation.Threshold)
	finalizer := lifecycle.NewArchiveFinalizer(store, notifier, logger)
	killer := dispatcher.NewKiller(store, finalizer, notifier, nil, logger)

	id, err := killer.Kill(context.Background(), fs.Arg(0), operator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portsec kill: %v\n", err)
		return 1
	}
	fmt.Printf("terminated %s\n", id)
	return 0
}
