package remediation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/pipeline"
	"github.com/lvonguyen/portsec/internal/ticket"
)

// MaxAttempts bounds the sticky reset protocol.
const MaxAttempts = 2

// State is a step of the sticky-MAC reset protocol.
type State int

const (
	StateIdle State = iota
	StateCheckAlreadyStuck
	StateAttempt1
	StateAttempt2
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckAlreadyStuck:
		return "check-already-stuck"
	case StateAttempt1:
		return "attempt-1"
	case StateAttempt2:
		return "attempt-2"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Attempt records one reset-and-recheck cycle.
type Attempt struct {
	Number int
	Settle time.Duration
	Stuck  bool
}

// StickyMachine drives the port until it learns the MAC or the attempts run out.
type StickyMachine struct {
	r        *Remediator
	state    State
	attempts []Attempt
}

// NewStickyMachine returns a machine in the idle state.
func (r *Remediator) NewStickyMachine() *StickyMachine {
	return &StickyMachine{r: r, state: StateIdle}
}

// State returns the current state.
func (m *StickyMachine) State() State { return m.state }

// Attempts returns the reset attempts made so far.
func (m *StickyMachine) Attempts() []Attempt { return m.attempts }

// Run steps the machine to a final state.
func (m *StickyMachine) Run(ctx context.Context) (pipeline.Result, error) {
	var (
		res pipeline.Result
		err error
	)
	for m.state != StateCompleted && m.state != StateFailed {
		prev := m.state
		res, err = m.step(ctx)
		if err != nil {
			return pipeline.Result{}, err
		}
		m.r.logger.Debug("sticky transition",
			zap.Stringer("from", prev),
			zap.Stringer("to", m.state),
		)
	}
	return res, nil
}

func (m *StickyMachine) step(ctx context.Context) (pipeline.Result, error) {
	r := m.r
	switch m.state {
	case StateIdle:
		m.state = StateCheckAlreadyStuck

	case StateCheckAlreadyStuck:
		stuck, err := r.portHoldsMAC(ctx)
		if err != nil {
			return pipeline.Result{}, err
		}
		if stuck {
			return m.complete(ctx, "successful setup")
		}
		m.state = StateAttempt1

	case StateAttempt1, StateAttempt2:
		number, settle := 1, r.config.FirstSettle
		if m.state == StateAttempt2 {
			number, settle = 2, r.config.SecondSettle
		}
		stuck, err := m.attempt(ctx, number, settle)
		if err != nil {
			return pipeline.Result{}, err
		}
		switch {
		case stuck && number == 1:
			return m.complete(ctx, "successful setup")
		case stuck:
			return m.complete(ctx, "successful setup (second reset)")
		case number < MaxAttempts:
			r.logger.Info("MAC not stuck, second try needed")
			m.state = StateAttempt2
		default:
			m.state = StateFailed
			return pipeline.Fail(ticket.CauseStickinessTimeout, "unable to set up, MAC does not stick to the port"), nil
		}
	}
	return pipeline.Result{}, nil
}

func (m *StickyMachine) attempt(ctx context.Context, number int, settle time.Duration) (bool, error) {
	r := m.r
	if _, err := r.session.Send(ctx, fmt.Sprintf(cmdClearSticky, r.port)); err != nil {
		return false, err
	}
	r.logger.Info("port sticky reset", zap.Int("attempt", number), zap.Duration("settle", settle))

	if err := r.sleep(ctx, settle); err != nil {
		return false, ticket.Fail(ticket.CauseInterrupted, err)
	}

	stuck, err := r.portHoldsMAC(ctx)
	if err != nil {
		return false, err
	}
	m.attempts = append(m.attempts, Attempt{Number: number, Settle: settle, Stuck: stuck})
	return stuck, nil
}

func (m *StickyMachine) complete(ctx context.Context, rationale string) (pipeline.Result, error) {
	if err := m.r.commit(ctx); err != nil {
		return pipeline.Result{}, err
	}
	m.state = StateCompleted
	return pipeline.Pass(rationale), nil
}

// portHoldsMAC re-queries the port configuration.
func (r *Remediator) portHoldsMAC(ctx context.Context) (bool, error) {
	out, err := r.session.Send(ctx, fmt.Sprintf(cmdShowRunIface, r.port))
	if err != nil {
		return false, err
	}
	if r.holdsMAC(out) {
		r.logger.Info(out)
		return true, nil
	}
	return false, nil
}

func (r *Remediator) commit(ctx context.Context) error {
	out, err := r.session.Send(ctx, cmdWriteMemory)
	if err != nil {
		return err
	}
	r.logger.Debug("configuration saved", zap.String("output", out))
	return nil
}

func (r *Remediator) sticky(ctx context.Context) (pipeline.Result, error) {
	return r.NewStickyMachine().Run(ctx)
}
