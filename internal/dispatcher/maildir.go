package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/lifecycle"
	"github.com/lvonguyen/portsec/internal/message"
)

// Handler acts on one decoded inbound message.
type Handler func(ctx context.Context, msg message.Message) error

// MaildirWatcher feeds messages delivered to a Maildir spool to a handler.
// A message is moved from new/ to cur/ before it is handled, so it is
// handled at most once.
type MaildirWatcher struct {
	dir    string
	handle Handler
	faults *lifecycle.FaultSink
	logger *zap.Logger
}

// NewMaildirWatcher watches dir. faults may be nil.
func NewMaildirWatcher(dir string, handle Handler, faults *lifecycle.FaultSink, logger *zap.Logger) *MaildirWatcher {
	return &MaildirWatcher{dir: dir, handle: handle, faults: faults, logger: logger}
}

func (m *MaildirWatcher) newDir() string { return filepath.Join(m.dir, "new") }
func (m *MaildirWatcher) curDir() string { return filepath.Join(m.dir, "cur") }

// Run processes the backlog in new/ and then every message delivered until
// ctx is done.
func (m *MaildirWatcher) Run(ctx context.Context) error {
	for _, sub := range []string{"new", "cur", "tmp"} {
		if err := os.MkdirAll(filepath.Join(m.dir, sub), 0o750); err != nil {
			return fmt.Errorf("creating maildir: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(m.newDir()); err != nil {
		return fmt.Errorf("watching %s: %w", m.newDir(), err)
	}

	if err := m.Drain(ctx); err != nil {
		return err
	}
	m.logger.Info("watching maildir", zap.String("dir", m.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				m.process(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("maildir watcher error", zap.Error(err))
		}
	}
}

// Drain processes every message currently in new/, oldest name first.
func (m *MaildirWatcher) Drain(ctx context.Context) error {
	entries, err := os.ReadDir(m.newDir())
	if err != nil {
		return fmt.Errorf("reading maildir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return nil
		}
		m.process(ctx, filepath.Join(m.newDir(), name))
	}
	return nil
}

func (m *MaildirWatcher) process(ctx context.Context, path string) {
	log := m.logger.With(zap.String("file", filepath.Base(path)))
	defer func() {
		if r := recover(); r != nil {
			dump := m.faults.RecordGlobal(r, debug.Stack())
			log.Error("message handling panicked", zap.Any("panic", r), zap.String("dump", dump))
		}
	}()

	// Claim the message; a second event for the same file finds it gone.
	seen := filepath.Join(m.curDir(), filepath.Base(path)+":2,S")
	if err := os.Rename(path, seen); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("moving message to cur", zap.Error(err))
		}
		return
	}

	f, err := os.Open(seen)
	if err != nil {
		log.Warn("opening message", zap.Error(err))
		return
	}
	msg, err := message.Parse(f)
	f.Close()
	if err != nil {
		log.Warn("undecodable message dropped", zap.Error(err))
		return
	}

	if err := m.handle(ctx, msg); err != nil {
		if errors.Is(err, ErrRejected) {
			log.Info("message rejected", zap.String("from", msg.From), zap.Error(err))
			return
		}
		log.Error("handling message", zap.String("from", msg.From), zap.Error(err))
	}
}
