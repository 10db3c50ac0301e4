package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/observability"
)

// ExecSpawner runs every ticket in a new process of the given command. The
// body is written to the worker's stdin and the requester is appended as
// --requester. Workers are not tied to the dispatcher's context: they outlive
// a dispatcher restart and are only ever stopped by a KILL.
type ExecSpawner struct {
	path    string
	args    []string
	stderr  io.Writer
	metrics *observability.Metrics
	logger  *zap.Logger

	wg sync.WaitGroup
}

// NewExecSpawner creates a spawner for path with fixed leading args.
func NewExecSpawner(path string, args []string, metrics *observability.Metrics, logger *zap.Logger) *ExecSpawner {
	return &ExecSpawner{
		path:    path,
		args:    args,
		stderr:  os.Stderr,
		metrics: metrics,
		logger:  logger,
	}
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(_ context.Context, requester, body string) (int, error) {
	args := append(append([]string{}, s.args...), "--requester", requester)
	cmd := exec.Command(s.path, args...)
	cmd.Stdin = strings.NewReader(body)
	cmd.Stdout = s.stderr
	cmd.Stderr = s.stderr
	// Own process group, so a signal aimed at the dispatcher spares workers.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", s.path, err)
	}
	pid := cmd.Process.Pid
	if s.metrics != nil {
		s.metrics.WorkersSpawned.Inc()
		s.metrics.ActiveTickets.Inc()
	}

	s.wg.Add(1)
	go s.reap(cmd, pid)
	return pid, nil
}

func (s *ExecSpawner) reap(cmd *exec.Cmd, pid int) {
	defer s.wg.Done()

	err := cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	case err != nil:
		code = -1
	}

	if s.metrics != nil {
		s.metrics.ActiveTickets.Dec()
		s.metrics.WorkerExits.WithLabelValues(strconv.Itoa(code)).Inc()
	}
	s.logger.Info("worker exited", zap.Int("pid", pid), zap.Int("code", code))
}

// Wait blocks until every spawned worker has been reaped.
func (s *ExecSpawner) Wait() {
	s.wg.Wait()
}
