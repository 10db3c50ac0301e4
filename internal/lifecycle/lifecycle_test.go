package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/notify"
	"github.com/lvonguyen/portsec/internal/tasklog"
	"github.com/lvonguyen/portsec/internal/ticket"
	"github.com/lvonguyen/portsec/internal/tracker"
)

type countingFinalizer struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newCountingFinalizer() *countingFinalizer {
	return &countingFinalizer{calls: map[string]int{}}
}

func (c *countingFinalizer) Finalize(_ context.Context, t *ticket.Ticket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[t.Tracker]++
	return c.err
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Message
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	return nil
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func TestManager_FinalizesExactlyOnce(t *testing.T) {
	tests := []struct {
		name    string
		body    Body
		outcome ticket.Outcome
		cause   ticket.Cause
		code    int
	}{
		{
			name:    "completed",
			body:    func(context.Context, Task) error { return nil },
			outcome: ticket.OutcomeCompleted,
			code:    ExitCompleted,
		},
		{
			name:    "policy failure",
			body:    func(context.Context, Task) error { return ticket.Failf(ticket.CauseNotAccessPort, "stage access-port") },
			outcome: ticket.OutcomeFailed,
			cause:   ticket.CauseNotAccessPort,
			code:    ExitFailed,
		},
		{
			name:    "unexpected error",
			body:    func(context.Context, Task) error { return errors.New("boom") },
			outcome: ticket.OutcomeFailed,
			cause:   ticket.CauseInternalFault,
			code:    ExitFault,
		},
		{
			name:    "fault injected mid pipeline",
			body:    func(context.Context, Task) error { panic("nil map write") },
			outcome: ticket.OutcomeFailed,
			cause:   ticket.CauseInternalFault,
			code:    ExitFault,
		},
		{
			name: "cancelled",
			body: func(ctx context.Context, _ Task) error {
				return ticket.Fail(ticket.CauseCancelledByOperator, context.Canceled)
			},
			outcome: ticket.OutcomeKilled,
			cause:   ticket.CauseCancelledByOperator,
			code:    ExitKilled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fin := newCountingFinalizer()
			faults := NewFaultSink(t.TempDir())
			m := NewManager(fin, faults, zap.NewNop())

			tk := ticket.New("task_1__nomac__2026-10-19_10-00-00", "", "analyst@corp.example")
			sink := &closeCounter{}
			code := m.Run(context.Background(), Task{Ticket: tk, Sink: sink}, tt.body)

			assert.Equal(t, tt.code, code)
			assert.Equal(t, 1, fin.calls[tk.Tracker], "exactly one finalization")
			assert.Equal(t, 1, sink.n, "ticket log closed before archiving")
			assert.Equal(t, tt.outcome, tk.Outcome())
			assert.Equal(t, tt.cause, tk.Cause())
		})
	}
}

func TestManager_PanicWritesFaultDump(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(newCountingFinalizer(), NewFaultSink(dir), zap.NewNop())
	tk := ticket.New("task_2__nomac__2026-10-19_10-00-00", "", "")

	m.Run(context.Background(), Task{Ticket: tk}, func(context.Context, Task) error { panic("kaboom") })

	matches, err := filepath.Glob(filepath.Join(dir, "task_err_*.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "panic: kaboom")
	assert.Contains(t, string(data), tk.Tracker)
}

type panickingFinalizer struct{ calls int }

func (p *panickingFinalizer) Finalize(context.Context, *ticket.Ticket) error {
	p.calls++
	panic("notifier exploded")
}

func TestManager_FinalizerPanicIsContained(t *testing.T) {
	fin := &panickingFinalizer{}
	m := NewManager(fin, NewFaultSink(t.TempDir()), zap.NewNop())
	tk := ticket.New("task_3__nomac__2026-10-19_10-00-00", "", "")

	code := m.Run(context.Background(), Task{Ticket: tk}, func(context.Context, Task) error { return nil })
	assert.Equal(t, ExitFault, code)
	assert.Equal(t, 1, fin.calls)
}

func newActiveTicket(t *testing.T, store *tasklog.Store, id tracker.ID) {
	t.Helper()
	sink, err := store.Open(id.String())
	require.NoError(t, err)
	sink.Tee(zap.NewNop()).Info("TASK REPORT")
	require.NoError(t, sink.Close())
}

func TestArchiveFinalizer_ClaimsOnce(t *testing.T) {
	store := tasklog.NewStore(t.TempDir(), 0)
	notifier := &recordingNotifier{}
	fin := NewArchiveFinalizer(store, notifier, zap.NewNop())

	id := tracker.New(4182, "0912ab340009", time.Date(2026, 10, 19, 14, 3, 22, 0, time.Local))
	newActiveTicket(t, store, id)

	tk := ticket.New(id.String(), id.MAC, "")
	require.NoError(t, tk.Resolve(ticket.OutcomeCompleted, ""))

	require.NoError(t, fin.Finalize(context.Background(), tk))
	err := fin.Finalize(context.Background(), tk)
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))

	require.Len(t, notifier.got, 1)
	msg := notifier.got[0]
	assert.Equal(t, "Task completed 0912.ab34.0009", msg.Subject)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, id.String()+".txt", msg.Attachments[0].Name)
	assert.Contains(t, string(msg.Attachments[0].Data), "TASK REPORT")
	assert.FileExists(t, store.ArchivePath(id.String()))
}

func TestFinalizeKilled(t *testing.T) {
	store := tasklog.NewStore(t.TempDir(), 0)
	notifier := &recordingNotifier{}
	fin := NewArchiveFinalizer(store, notifier, zap.NewNop())

	id := tracker.New(777, "4516ab87ea90", time.Date(2026, 10, 19, 9, 0, 0, 0, time.Local))
	newActiveTicket(t, store, id)

	require.NoError(t, FinalizeKilled(context.Background(), store, fin, id, "netops@corp.example"))
	require.Len(t, notifier.got, 1)
	assert.Equal(t, "Task terminated (CancelledByOperator) 4516.ab87.ea90", notifier.got[0].Subject)
	assert.True(t, strings.Contains(string(notifier.got[0].Attachments[0].Data), "task terminated by operator"))
}

// ctxNotifier fails once its context is done.
type ctxNotifier struct{ recordingNotifier }

func (c *ctxNotifier) Notify(ctx context.Context, msg notify.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.recordingNotifier.Notify(ctx, msg)
}

func TestFinalizeKilled_IgnoresCancelledContext(t *testing.T) {
	store := tasklog.NewStore(t.TempDir(), 0)
	notifier := &ctxNotifier{}
	fin := NewArchiveFinalizer(store, notifier, zap.NewNop())

	id := tracker.New(777, "4516ab87ea90", time.Date(2026, 10, 19, 9, 0, 0, 0, time.Local))
	newActiveTicket(t, store, id)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, FinalizeKilled(ctx, store, fin, id, "netops@corp.example"))
	require.Len(t, notifier.got, 1)
	assert.Equal(t, "Task terminated (CancelledByOperator) 4516.ab87.ea90", notifier.got[0].Subject)
}

func TestFinalizeKilled_UnknownTrackerFinalizesNothing(t *testing.T) {
	store := tasklog.NewStore(t.TempDir(), 0)
	fin := newCountingFinalizer()

	id := tracker.New(999999, "", time.Now())
	err := FinalizeKilled(context.Background(), store, fin, id, "netops@corp.example")
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))
	assert.Empty(t, fin.calls)
	assert.NoFileExists(t, store.ActivePath(id.String()))
}

func TestWorkerAndKillRace_OneNotification(t *testing.T) {
	store := tasklog.NewStore(t.TempDir(), 0)
	notifier := &recordingNotifier{}
	fin := NewArchiveFinalizer(store, notifier, zap.NewNop())

	id := tracker.New(31337, "0912ab340009", time.Now())
	newActiveTicket(t, store, id)

	m := NewManager(fin, NewFaultSink(t.TempDir()), zap.NewNop())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tk := ticket.New(id.String(), id.MAC, "")
		m.Run(context.Background(), Task{Ticket: tk}, func(context.Context, Task) error { return nil })
	}()
	go func() {
		defer wg.Done()
		_ = FinalizeKilled(context.Background(), store, fin, id, "op")
	}()
	wg.Wait()

	assert.Len(t, notifier.got, 1)
}

func TestFaultSink(t *testing.T) {
	dir := t.TempDir()
	fs := NewFaultSink(dir)
	fs.now = func() time.Time { return time.Date(2026, 10, 19, 10, 0, 0, 0, time.Local) }

	p1 := fs.Record("task_1", "x", []byte("stack"))
	assert.Equal(t, filepath.Join(dir, "task_err_2026-10-19--10-00-00.txt"), p1)
	p2 := fs.Record("task_2", "y", nil)
	assert.NotEqual(t, p1, p2, "same-second dumps do not overwrite each other")
	p3 := fs.Record("task_3", "w", nil)
	assert.NotContains(t, []string{p1, p2}, p3)
	for i, p := range []string{p1, p2, p3} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Contains(t, string(data), []string{"task_1", "task_2", "task_3"}[i])
	}

	g := fs.RecordGlobal("z", nil)
	assert.Equal(t, filepath.Join(dir, "glob_err.txt"), g)

	// an unwritable location is swallowed
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	assert.Empty(t, NewFaultSink(filepath.Join(blocker, "sub")).Record("t", "x", nil))

	var nilSink *FaultSink
	assert.Empty(t, nilSink.Record("t", "x", nil))
}
