package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/ticket"
)

type countingProbe struct {
	name  string
	res   Result
	err   error
	calls *int
}

func (p countingProbe) Name() string { return p.name }

func (p countingProbe) Check(context.Context) (Result, error) {
	*p.calls++
	return p.res, p.err
}

func stage(name string, policy Policy, res Result, calls *int) Stage {
	return Stage{Probe: countingProbe{name: name, res: res, calls: calls}, Policy: policy}
}

func TestRun_StopOnFailHaltsPipeline(t *testing.T) {
	calls := make([]int, 4)
	stages := []Stage{
		stage("a", StopOnFail, Pass("ok"), &calls[0]),
		stage("b", StopOnFail, Fail(ticket.CausePortDown, "down"), &calls[1]),
		stage("c", StopOnFail, Pass("ok"), &calls[2]),
		stage("d", Terminal, Pass("ok"), &calls[3]),
	}

	d, err := Run(context.Background(), zap.NewNop(), stages)
	require.NoError(t, err)

	assert.Equal(t, ticket.OutcomeFailed, d.Outcome)
	assert.Equal(t, ticket.CausePortDown, d.Cause)
	assert.Equal(t, "b", d.Stage)
	assert.Equal(t, []int{1, 1, 0, 0}, calls, "no probe after the failing StopOnFail probe may run")
	assert.Len(t, d.Trace, 2)
}

func TestRun_StopOnPassCompletes(t *testing.T) {
	calls := make([]int, 3)
	stages := []Stage{
		stage("done-before", StopOnPass, Pass("already"), &calls[0]),
		stage("b", StopOnFail, Fail(ticket.CauseNotAccessPort, "x"), &calls[1]),
		stage("c", Terminal, Fail(ticket.CauseStickinessTimeout, "x"), &calls[2]),
	}

	d, err := Run(context.Background(), zap.NewNop(), stages)
	require.NoError(t, err)

	assert.Equal(t, ticket.OutcomeCompleted, d.Outcome)
	assert.Empty(t, d.Cause)
	assert.Equal(t, []int{1, 0, 0}, calls)
	assert.NoError(t, d.Err())
}

func TestRun_StopOnPassFailureContinues(t *testing.T) {
	calls := make([]int, 2)
	stages := []Stage{
		stage("a", StopOnPass, Fail("", "setup required"), &calls[0]),
		stage("b", Terminal, Pass("stuck"), &calls[1]),
	}

	d, err := Run(context.Background(), zap.NewNop(), stages)
	require.NoError(t, err)
	assert.Equal(t, ticket.OutcomeCompleted, d.Outcome)
	assert.Equal(t, "b", d.Stage)
	assert.Equal(t, []int{1, 1}, calls)
}

func TestRun_TerminalFailure(t *testing.T) {
	calls := make([]int, 1)
	d, err := Run(context.Background(), zap.NewNop(), []Stage{
		stage("sticky", Terminal, Fail(ticket.CauseStickinessTimeout, "no luck"), &calls[0]),
	})
	require.NoError(t, err)
	assert.Equal(t, ticket.OutcomeFailed, d.Outcome)
	assert.Equal(t, ticket.CauseStickinessTimeout, d.Cause)

	derr := d.Err()
	require.Error(t, derr)
	assert.True(t, errors.Is(derr, ticket.ErrStickinessTimeout))
}

func TestRun_ExhaustedWithoutTerminal(t *testing.T) {
	calls := make([]int, 2)
	_, err := Run(context.Background(), zap.NewNop(), []Stage{
		stage("a", StopOnFail, Pass("ok"), &calls[0]),
		stage("b", StopOnPass, Fail("", "continue"), &calls[1]),
	})
	assert.True(t, errors.Is(err, ErrNoTerminalStage))
	assert.Equal(t, ticket.CauseInternalFault, ticket.CauseOf(err))
}

func TestRun_ProbeErrorIsDeviceUnreachable(t *testing.T) {
	calls := make([]int, 2)
	stages := []Stage{
		{Probe: countingProbe{name: "a", err: errors.New("EOF"), calls: &calls[0]}, Policy: StopOnFail},
		stage("b", Terminal, Pass("ok"), &calls[1]),
	}

	_, err := Run(context.Background(), zap.NewNop(), stages)
	require.Error(t, err)
	assert.Equal(t, ticket.CauseDeviceUnreachable, ticket.CauseOf(err))
	assert.Equal(t, []int{1, 0}, calls)
}

func TestRun_ProbeErrorKeepsCause(t *testing.T) {
	calls := 0
	_, err := Run(context.Background(), zap.NewNop(), []Stage{
		{Probe: countingProbe{name: "a", err: fmt.Errorf("wrapped: %w", ticket.Fail(ticket.CauseHubDetected, nil)), calls: &calls}, Policy: StopOnFail},
	})
	assert.Equal(t, ticket.CauseHubDetected, ticket.CauseOf(err))
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Run(ctx, zap.NewNop(), []Stage{stage("a", Terminal, Pass("ok"), &calls)})
	assert.Equal(t, ticket.CauseInterrupted, ticket.CauseOf(err))
	assert.Zero(t, calls)
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "stop-on-fail", StopOnFail.String())
	assert.Equal(t, "stop-on-pass", StopOnPass.String())
	assert.Equal(t, "terminal", Terminal.String())
}
