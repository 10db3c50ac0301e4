// Package pipeline runs an ordered list of probes, each paired with a policy
// that decides whether its result ends the ticket.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/ticket"
)

// ErrNoTerminalStage is returned when every stage ran without any policy
// resolving the ticket. Stage lists must end with a Terminal stage.
var ErrNoTerminalStage = errors.New("pipeline exhausted without a terminal stage")

// Policy decides how a probe result affects the pipeline.
type Policy int

const (
	// StopOnFail ends the ticket as failed when the probe fails.
	StopOnFail Policy = iota + 1
	// StopOnPass ends the ticket as completed when the probe passes.
	StopOnPass
	// Terminal always ends the ticket with the probe's verdict.
	Terminal
)

func (p Policy) String() string {
	switch p {
	case StopOnFail:
		return "stop-on-fail"
	case StopOnPass:
		return "stop-on-pass"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Result is the verdict of one probe.
type Result struct {
	Passed    bool
	Rationale string
	// Cause is reported when a failing result ends the ticket.
	Cause ticket.Cause
}

// Pass builds a passing result.
func Pass(rationale string) Result {
	return Result{Passed: true, Rationale: rationale}
}

// Fail builds a failing result carrying the cause reported if it ends the ticket.
func Fail(cause ticket.Cause, rationale string) Result {
	return Result{Passed: false, Rationale: rationale, Cause: cause}
}

// Probe is a single named check, optionally with a side effect.
// An error means the probe could not obtain the state it needs.
type Probe interface {
	Name() string
	Check(ctx context.Context) (Result, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc struct {
	Label string
	Fn    func(ctx context.Context) (Result, error)
}

func (p ProbeFunc) Name() string { return p.Label }

func (p ProbeFunc) Check(ctx context.Context) (Result, error) { return p.Fn(ctx) }

// Stage pairs a probe with its policy.
type Stage struct {
	Probe  Probe
	Policy Policy
}

// Step records one evaluated stage.
type Step struct {
	Name   string
	Policy Policy
	Result Result
}

// Decision is the resolved outcome of a pipeline run.
type Decision struct {
	Outcome ticket.Outcome
	Cause   ticket.Cause
	// Stage is the name of the stage whose policy resolved the ticket.
	Stage string
	Trace []Step
}

// Err converts the decision into the error a ticket body returns:
// nil for a completed ticket, a *ticket.Error otherwise.
func (d Decision) Err() error {
	if d.Outcome == ticket.OutcomeCompleted {
		return nil
	}
	cause := d.Cause
	if cause == "" {
		cause = ticket.CauseInternalFault
	}
	return ticket.Failf(cause, "stage %s", d.Stage)
}

// resolve applies policy to a result. ok is false when the pipeline continues.
func resolve(policy Policy, res Result) (outcome ticket.Outcome, ok bool) {
	switch policy {
	case StopOnFail:
		if !res.Passed {
			return ticket.OutcomeFailed, true
		}
	case StopOnPass:
		if res.Passed {
			return ticket.OutcomeCompleted, true
		}
	case Terminal:
		if res.Passed {
			return ticket.OutcomeCompleted, true
		}
		return ticket.OutcomeFailed, true
	}
	return "", false
}

// Run evaluates stages strictly in order and stops at the first stage whose
// policy resolves the ticket; later probes are never invoked. A probe error
// stops the run immediately and is returned as a DeviceUnreachable ticket
// error unless it already carries a cause.
func Run(ctx context.Context, logger *zap.Logger, stages []Stage) (Decision, error) {
	var trace []Step

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return Decision{Trace: trace}, ticket.Fail(ticket.CauseInterrupted, err)
		}

		name := stage.Probe.Name()
		res, err := stage.Probe.Check(ctx)
		if err != nil {
			logger.Info("probe error", zap.String("probe", name), zap.Error(err))
			var te *ticket.Error
			if errors.As(err, &te) {
				return Decision{Trace: trace}, err
			}
			return Decision{Trace: trace}, ticket.Fail(ticket.CauseDeviceUnreachable, fmt.Errorf("probe %s: %w", name, err))
		}

		trace = append(trace, Step{Name: name, Policy: stage.Policy, Result: res})
		logger.Info(res.Rationale,
			zap.String("probe", name),
			zap.Bool("passed", res.Passed),
			zap.Stringer("policy", stage.Policy),
		)

		outcome, done := resolve(stage.Policy, res)
		if !done {
			continue
		}

		d := Decision{Outcome: outcome, Stage: name, Trace: trace}
		if outcome == ticket.OutcomeFailed {
			d.Cause = res.Cause
			if d.Cause == "" {
				d.Cause = ticket.CauseInternalFault
			}
		}
		return d, nil
	}

	return Decision{Trace: trace}, ErrNoTerminalStage
}

// Sleep blocks for d or until ctx is done. Settle waits inside probes use it
// so a cancelled worker does not linger.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
