// Package logserver looks up the most recent port-security violation for a
// MAC address in the syslog database and extracts where it happened.
package logserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/device"
	"github.com/lvonguyen/portsec/internal/macaddr"
	"github.com/lvonguyen/portsec/internal/pipeline"
	"github.com/lvonguyen/portsec/internal/ticket"
)

// ViolationMarker identifies a sticky port-security violation in an answer.
const ViolationMarker = "PORT_SECURITY-2-PSECURE_VIOLATION"

// DefaultQueryTemplate asks the rsyslog MySQL schema for the latest event of the day.
const DefaultQueryTemplate = `mysql -u {{.User}} -p{{.Password}} -D Syslog -e "SELECT FromHost, Message FROM SystemEvents WHERE DeviceReportedTime LIKE '%{{.Date}}%' AND Message REGEXP '.*({{.MAC}}).*' ORDER BY ID DESC LIMIT 1;"`

// DateLayout is the date format substituted into the query.
const DateLayout = "2006-01-02"

// ErrIncompleteAnswer is returned when an answer lacks the IP, port or MAC.
var ErrIncompleteAnswer = errors.New("log server answer is incomplete")

var (
	ipRe   = regexp.MustCompile(`([0-9]{1,3}[.]){3}[0-9]{1,3}`)
	portRe = regexp.MustCompile(`\S+Ethernet\d+(?:/\d+){0,2}`)
	macRe  = regexp.MustCompile(`([0-9a-f]{4}[.]){2}[0-9a-f]{4}`)
)

// Config holds log server settings.
type Config struct {
	Host          string        `yaml:"host"`
	SSH           device.Config `yaml:"ssh"`
	QueryTemplate string        `yaml:"query_template"`
	DBUser        string        `yaml:"db_user"`
	DBPasswordEnv string        `yaml:"db_password_env"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	// WorkingDayEnd is the local hour after which a MAC not yet seen is
	// reported as not observed today.
	WorkingDayEnd int `yaml:"working_day_end"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SSH:           device.DefaultConfig(),
		QueryTemplate: DefaultQueryTemplate,
		DBUser:        "rsyslog",
		DBPasswordEnv: "PORTSEC_LOGDB_PASSWORD",
		PollInterval:  time.Minute,
		WorkingDayEnd: 18,
	}
}

// Runner executes a shell command on the log server.
type Runner interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// QueryParams are the values available to the query template.
type QueryParams struct {
	MAC      string // dotted vendor form, e.g. 0912.ab34.0009
	Date     string
	User     string
	Password string
}

// RenderQuery executes the query template.
func RenderQuery(text string, p QueryParams) (string, error) {
	tmpl, err := template.New("query").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing query template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("rendering query template: %w", err)
	}
	return buf.String(), nil
}

// Event is a parsed violation record.
type Event struct {
	Vendor string
	IP     string
	Port   string
	MAC    string // normalized
	Raw    string
}

// ParseAnswer extracts the switch address, port and MAC from a query answer.
func ParseAnswer(answer string) (Event, error) {
	ev := Event{
		Vendor: "cisco",
		IP:     ipRe.FindString(answer),
		Port:   portRe.FindString(answer),
		Raw:    answer,
	}
	if dotted := macRe.FindString(answer); dotted != "" {
		mac, err := macaddr.Normalize(dotted)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrIncompleteAnswer, err)
		}
		ev.MAC = mac
	}

	var missing []string
	if ev.IP == "" {
		missing = append(missing, "ip")
	}
	if ev.Port == "" {
		missing = append(missing, "port")
	}
	if ev.MAC == "" {
		missing = append(missing, "mac")
	}
	if len(missing) > 0 {
		return Event{}, fmt.Errorf("%w: missing %s", ErrIncompleteAnswer, strings.Join(missing, ", "))
	}
	return ev, nil
}

// Watcher polls the log server until a violation for the MAC shows up or
// the working day ends.
type Watcher struct {
	runner Runner
	config Config
	logger *zap.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewWatcher creates a watcher over runner.
func NewWatcher(runner Runner, config Config, logger *zap.Logger) *Watcher {
	return &Watcher{
		runner: runner,
		config: config,
		logger: logger,
		now:    time.Now,
		sleep:  pipeline.Sleep,
	}
}

// Query renders the query for mac on the given day.
func (w *Watcher) Query(mac string, day time.Time) (string, error) {
	text := w.config.QueryTemplate
	if text == "" {
		text = DefaultQueryTemplate
	}
	return RenderQuery(text, QueryParams{
		MAC:      macaddr.Dotted(mac),
		Date:     day.Format(DateLayout),
		User:     w.config.DBUser,
		Password: os.Getenv(w.config.DBPasswordEnv),
	})
}

// Watch blocks until the MAC is observed. It fails with NotObservedToday at
// the end of the working day and with DeviceUnreachable when the log server
// cannot be queried.
func (w *Watcher) Watch(ctx context.Context, mac string) (Event, error) {
	query, err := w.Query(mac, w.now())
	if err != nil {
		return Event{}, ticket.Fail(ticket.CauseInternalFault, err)
	}

	w.logger.Info("waiting for device connection", zap.String("query", redact(query)))

	for {
		if w.now().Hour() >= w.config.WorkingDayEnd {
			return Event{}, ticket.Failf(ticket.CauseNotObservedToday,
				"no events for %s in the log server database during the working day", macaddr.Dotted(mac))
		}

		answer, err := w.runner.Run(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ticket.Fail(ticket.CauseInterrupted, ctx.Err())
			}
			return Event{}, ticket.Fail(ticket.CauseDeviceUnreachable, fmt.Errorf("log server: %w", err))
		}

		if strings.Contains(answer, ViolationMarker) {
			ev, err := ParseAnswer(answer)
			if err != nil {
				return Event{}, ticket.Fail(ticket.CauseInternalFault, err)
			}
			w.logger.Info("violation observed",
				zap.String("ip", ev.IP),
				zap.String("port", ev.Port),
				zap.String("mac", macaddr.Dotted(ev.MAC)),
			)
			return ev, nil
		}

		if err := w.sleep(ctx, w.config.PollInterval); err != nil {
			return Event{}, ticket.Fail(ticket.CauseInterrupted, err)
		}
	}
}

// redact keeps only the quoted statement so credentials stay out of logs.
func redact(query string) string {
	parts := strings.Split(query, `"`)
	if len(parts) >= 3 {
		return parts[1]
	}
	return "<query>"
}
