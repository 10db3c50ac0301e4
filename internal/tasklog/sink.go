package tasklog

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TimeLayout is the timestamp at the start of every ticket log line.
const TimeLayout = "2006-01-02 15:04:05"

// Sink is an open ticket log.
type Sink struct {
	file *os.File
	core zapcore.Core
}

// Open creates the tracker's active log and returns a sink writing to it.
func (s *Store) Open(tracker string) (*Sink, error) {
	if err := s.EnsureDirs(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.ActivePath(tracker), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening ticket log: %w", err)
	}
	return &Sink{file: f, core: newCore(f)}, nil
}

// Reopen appends to a log that must still be active. It never creates the
// file, so a ticket that was already archived cannot be resurrected.
func (s *Store) Reopen(tracker string) (*Sink, error) {
	f, err := os.OpenFile(s.ActivePath(tracker), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotActive, tracker)
		}
		return nil, fmt.Errorf("reopening ticket log: %w", err)
	}
	return &Sink{file: f, core: newCore(f)}, nil
}

func newCore(f *os.File) zapcore.Core {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "ts",
		MessageKey:       "msg",
		EncodeTime:       zapcore.TimeEncoderOfLayout(TimeLayout),
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
		LineEnding:       zapcore.DefaultLineEnding,
	})
	return zapcore.NewCore(enc, zapcore.Lock(f), zapcore.InfoLevel)
}

// Core returns the sink's zap core.
func (k *Sink) Core() zapcore.Core { return k.core }

// Tee returns a logger that writes to both the process logger and the sink.
func (k *Sink) Tee(process *zap.Logger) *zap.Logger {
	return zap.New(zapcore.NewTee(process.Core(), k.core))
}

// Path returns the file the sink writes to.
func (k *Sink) Path() string { return k.file.Name() }

// Close flushes and closes the file.
func (k *Sink) Close() error {
	if k == nil {
		return nil
	}
	_ = k.core.Sync()
	return k.file.Close()
}
