package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/portsec/internal/lifecycle"
)

// Service runs the long-lived parts of the dispatcher side by side.
type Service struct {
	Maildir *MaildirWatcher
	Rotator *Rotator
	// Server is the control API; nil disables it.
	Server          *http.Server
	ShutdownTimeout time.Duration
	Faults          *lifecycle.FaultSink
	Logger          *zap.Logger
}

// Run blocks until ctx is done or a component fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.Maildir != nil {
		g.Go(s.guard("maildir", func() error { return s.Maildir.Run(ctx) }))
	}
	if s.Rotator != nil {
		g.Go(s.guard("rotation", func() error { return s.Rotator.Run(ctx) }))
	}
	if s.Server != nil {
		g.Go(s.guard("http", func() error {
			s.Logger.Info("control API listening", zap.String("addr", s.Server.Addr))
			if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control API: %w", err)
			}
			return nil
		}))
		g.Go(func() error {
			<-ctx.Done()
			timeout := s.ShutdownTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()
			return s.Server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// guard turns a panic in a component into a global fault dump and an error.
func (s *Service) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				dump := s.Faults.RecordGlobal(r, debug.Stack())
				s.Logger.Error("component panicked", zap.String("component", name), zap.String("dump", dump))
				err = fmt.Errorf("%s: panic: %v", name, r)
			}
		}()
		return fn()
	}
}
