// Package dispatcher authorizes inbound requests and routes them: tickets are
// handed to a fresh worker process, REPORT mails the active logs and KILL
// cancels a running ticket.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/message"
	"github.com/lvonguyen/portsec/internal/notify"
	"github.com/lvonguyen/portsec/internal/observability"
	"github.com/lvonguyen/portsec/internal/tasklog"
)

// Control keywords, matched case-sensitively anywhere in the body.
const (
	KeywordReport = "REPORT"
	KeywordKill   = "KILL"
)

// Route is what the dispatcher decided to do with a message.
type Route string

const (
	RouteTicket       Route = "ticket"
	RouteReport       Route = "report"
	RouteKill         Route = "kill"
	RouteExternal     Route = "external"
	RouteUnauthorized Route = "unauthorized"
	RouteRateLimited  Route = "rate_limited"
)

// ErrRejected is returned for messages answered with a security notice.
var ErrRejected = errors.New("request rejected")

// Policy decides who may do what.
type Policy struct {
	// Domain is the organisation's mail domain.
	Domain string
	// Mailbox is the operator mailbox.
	Mailbox string
	// Authorized reports whether a sender may file tickets.
	Authorized func(addr string) bool
}

// Spawner starts a worker for one ticket.
type Spawner interface {
	Spawn(ctx context.Context, requester, body string) (pid int, err error)
}

// Limiter caps ticket intake per sender.
type Limiter interface {
	Allow(ctx context.Context, sender string) bool
}

// Dispatcher routes inbound messages.
type Dispatcher struct {
	policy   Policy
	store    *tasklog.Store
	notifier notify.Notifier
	spawner  Spawner
	killer   *Killer
	limiter  Limiter
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter enables per-sender rate limiting of tickets.
func WithLimiter(l Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithMetrics records routing metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher.
func New(policy Policy, store *tasklog.Store, notifier notify.Notifier, spawner Spawner, killer *Killer, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		policy:   policy,
		store:    store,
		notifier: notifier,
		spawner:  spawner,
		killer:   killer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Classify decides the route of msg without acting on it.
func (d *Dispatcher) Classify(msg message.Message) Route {
	if msg.Domain() != d.policy.Domain {
		return RouteExternal
	}

	var control Route
	switch {
	case strings.Contains(msg.Body, KeywordReport):
		control = RouteReport
	case strings.Contains(msg.Body, KeywordKill):
		control = RouteKill
	}
	if control != "" {
		if msg.From != d.policy.Mailbox {
			return RouteUnauthorized
		}
		return control
	}

	if d.policy.Authorized == nil || !d.policy.Authorized(msg.From) {
		return RouteUnauthorized
	}
	return RouteTicket
}

// Handle routes msg and acts on it. Rejections are reported to the operators
// and returned as ErrRejected.
func (d *Dispatcher) Handle(ctx context.Context, msg message.Message) (Route, error) {
	route := d.Classify(msg)
	if route == RouteTicket && d.limiter != nil && !d.limiter.Allow(ctx, msg.From) {
		route = RouteRateLimited
		if d.metrics != nil {
			d.metrics.RateLimited.Inc()
		}
	}
	if d.metrics != nil {
		d.metrics.Requests.WithLabelValues(string(route)).Inc()
	}

	log := d.logger.With(zap.String("from", msg.From), zap.String("route", string(route)))
	log.Info("request received")

	switch route {
	case RouteExternal:
		return route, d.reject(ctx, msg, notify.RestrictionExternal, "external")
	case RouteUnauthorized:
		restriction := notify.RestrictionUnauthorized
		if strings.Contains(msg.Body, KeywordReport) || strings.Contains(msg.Body, KeywordKill) {
			restriction = notify.RestrictionNotOperator
		}
		return route, d.reject(ctx, msg, restriction, "unauthorized")
	case RouteRateLimited:
		return route, d.reject(ctx, msg, notify.RestrictionRateLimited, "rate_limited")
	case RouteReport:
		return route, d.Report(ctx, msg.From)
	case RouteKill:
		_, err := d.killer.KillFromMessage(ctx, msg)
		return route, err
	}

	pid, err := d.spawner.Spawn(ctx, msg.From, msg.Body)
	if err != nil {
		return route, fmt.Errorf("spawning worker: %w", err)
	}
	log.Info("worker started", zap.Int("pid", pid))
	return route, nil
}

func (d *Dispatcher) reject(ctx context.Context, msg message.Message, restriction, reason string) error {
	if d.metrics != nil {
		d.metrics.SecurityNotices.WithLabelValues(reason).Inc()
	}
	if err := d.notifier.Notify(ctx, notify.SecurityNotice(msg.From, restriction, msg.Body)); err != nil {
		return fmt.Errorf("security notice: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrRejected, restriction)
}

// Report mails the logs of every running ticket to the requester.
func (d *Dispatcher) Report(ctx context.Context, to string) error {
	attachments, err := d.ActiveLogs()
	if err != nil {
		return err
	}
	return d.notifier.Notify(ctx, notify.Report(to, attachments))
}

// ActiveLogs reads the logs of every running ticket. A log archived while it
// is being read is skipped.
func (d *Dispatcher) ActiveLogs() ([]notify.Attachment, error) {
	entries, err := d.store.ListActive()
	if err != nil {
		return nil, fmt.Errorf("listing active tickets: %w", err)
	}
	var out []notify.Attachment
	for _, e := range entries {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			d.logger.Debug("active log vanished", zap.String("tracker", e.Tracker), zap.Error(err))
			continue
		}
		out = append(out, notify.Attachment{Name: e.Tracker + ".txt", Data: data})
	}
	return out, nil
}
