// Package remediation implements the Cisco IOS access-port probe set and the
// sticky-MAC reset protocol that runs as the pipeline's terminal stage.
package remediation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/macaddr"
	"github.com/lvonguyen/portsec/internal/pipeline"
	"github.com/lvonguyen/portsec/internal/ticket"
)

// Device commands.
const (
	cmdShowLogging     = "show logging | include %s"
	cmdShowRunIface    = "show running-config interface %s"
	cmdShowIface       = "show interfaces %s"
	cmdShowRun         = "show running-config"
	cmdClearSticky     = "clear port-security sticky interface %s"
	cmdWriteMemory     = "write memory"
	loggingDateLayout  = "Jan _2"
	violationLogMarker = "%PORT_SECURITY"
)

// Probe names, in pipeline order.
const (
	ProbeAlreadyConfigured = "already-configured"
	ProbeAccessPort        = "access-port"
	ProbeSingleDevice      = "single-device"
	ProbeLinkStatus        = "link-status"
	ProbeHubDetection      = "hub-detection"
	ProbeCrossPort         = "cross-port-stickiness"
	ProbeStickyMAC         = "sticky-mac"
)

// Session is a live command channel to the switch.
type Session interface {
	Send(ctx context.Context, cmd string) (string, error)
}

// Config holds the settle intervals. The number of reset attempts is fixed.
type Config struct {
	FirstSettle     time.Duration `yaml:"first_settle"`
	SecondSettle    time.Duration `yaml:"second_settle"`
	CrossPortSettle time.Duration `yaml:"cross_port_settle"`
}

// DefaultConfig returns the production settle intervals.
func DefaultConfig() Config {
	return Config{
		FirstSettle:     30 * time.Second,
		SecondSettle:    240 * time.Second,
		CrossPortSettle: 5 * time.Second,
	}
}

// Snapshot is the device state captured once after connecting.
type Snapshot struct {
	ViolationLog  string // today's logging buffer lines
	PortConfig    string
	PortStatus    string
	RunningConfig string
}

// Capture reads the four snapshot views for port.
func Capture(ctx context.Context, s Session, port string, now time.Time) (Snapshot, error) {
	var snap Snapshot
	views := []struct {
		cmd string
		dst *string
	}{
		{fmt.Sprintf(cmdShowLogging, now.Format(loggingDateLayout)), &snap.ViolationLog},
		{fmt.Sprintf(cmdShowRunIface, port), &snap.PortConfig},
		{fmt.Sprintf(cmdShowIface, port), &snap.PortStatus},
		{cmdShowRun, &snap.RunningConfig},
	}
	for _, v := range views {
		out, err := s.Send(ctx, v.cmd)
		if err != nil {
			return Snapshot{}, ticket.Fail(ticket.CauseDeviceUnreachable, fmt.Errorf("capturing %q: %w", v.cmd, err))
		}
		*v.dst = out
	}
	return snap, nil
}

// Remediator owns the probes for one ticket.
type Remediator struct {
	session Session
	snap    Snapshot
	mac     string // dotted, lower case
	port    string
	portRe  *regexp.Regexp
	config  Config
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// New creates a remediator for a normalized mac on port.
func New(session Session, snap Snapshot, mac, port string, config Config, logger *zap.Logger) *Remediator {
	return &Remediator{
		session: session,
		snap:    snap,
		mac:     macaddr.Dotted(mac),
		port:    port,
		portRe:  regexp.MustCompile(`(?:^|[^\w/])` + regexp.QuoteMeta(port) + `(?:$|[^\w/])`),
		config:  config,
		logger:  logger,
		sleep:   pipeline.Sleep,
	}
}

// Stages returns the probe set followed by the sticky-MAC terminal stage.
func (r *Remediator) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		{Probe: pipeline.ProbeFunc{Label: ProbeAlreadyConfigured, Fn: r.alreadyConfigured}, Policy: pipeline.StopOnPass},
		{Probe: pipeline.ProbeFunc{Label: ProbeAccessPort, Fn: r.accessPort}, Policy: pipeline.StopOnFail},
		{Probe: pipeline.ProbeFunc{Label: ProbeSingleDevice, Fn: r.singleDevice}, Policy: pipeline.StopOnFail},
		{Probe: pipeline.ProbeFunc{Label: ProbeLinkStatus, Fn: r.linkStatus}, Policy: pipeline.StopOnFail},
		{Probe: pipeline.ProbeFunc{Label: ProbeHubDetection, Fn: r.hubDetection}, Policy: pipeline.StopOnFail},
		{Probe: pipeline.ProbeFunc{Label: ProbeCrossPort, Fn: r.crossPort}, Policy: pipeline.StopOnFail},
		{Probe: pipeline.ProbeFunc{Label: ProbeStickyMAC, Fn: r.sticky}, Policy: pipeline.Terminal},
	}
}

func (r *Remediator) holdsMAC(text string) bool {
	return strings.Contains(strings.ToLower(text), r.mac)
}

func (r *Remediator) alreadyConfigured(context.Context) (pipeline.Result, error) {
	if r.holdsMAC(r.snap.PortConfig) {
		return pipeline.Pass("settings have been made before"), nil
	}
	return pipeline.Fail("", "setup required"), nil
}

func (r *Remediator) accessPort(context.Context) (pipeline.Result, error) {
	if strings.Contains(r.snap.PortConfig, "switchport mode access") {
		return pipeline.Pass("access port"), nil
	}
	return pipeline.Fail(ticket.CauseNotAccessPort, "not an access port"), nil
}

func (r *Remediator) singleDevice(context.Context) (pipeline.Result, error) {
	if strings.Contains(r.snap.PortConfig, "maximum") {
		return pipeline.Fail(ticket.CauseMultiDeviceConfigured, "multiple devices per port configured"), nil
	}
	return pipeline.Pass("only one device allowed per port"), nil
}

func (r *Remediator) linkStatus(context.Context) (pipeline.Result, error) {
	if strings.Contains(r.snap.PortStatus, " is down") {
		return pipeline.Fail(ticket.CausePortDown, "port status down"), nil
	}
	return pipeline.Pass("port status up"), nil
}

// hubDetection fails when today's violations on this port name another MAC.
func (r *Remediator) hubDetection(context.Context) (pipeline.Result, error) {
	for _, line := range strings.Split(r.snap.ViolationLog, "\n") {
		if !strings.Contains(line, violationLogMarker) || !r.portRe.MatchString(line) {
			continue
		}
		if !r.holdsMAC(line) {
			return pipeline.Fail(ticket.CauseHubDetected, "multiple devices on the port connect through a hub"), nil
		}
	}
	return pipeline.Pass("one MAC per port"), nil
}

// crossPort releases the MAC from another interface it is stuck to, unless
// that interface allows several devices.
func (r *Remediator) crossPort(ctx context.Context) (pipeline.Result, error) {
	for _, iface := range interfaceBlocks(r.snap.RunningConfig) {
		if strings.EqualFold(iface.Name, r.port) || !r.holdsMAC(iface.Body) {
			continue
		}
		if strings.Contains(iface.Body, "maximum") {
			return pipeline.Fail(ticket.CauseMacStuckBehindHub,
				fmt.Sprintf("MAC on another port %s, but a hub is connected there", iface.Name)), nil
		}
		if _, err := r.session.Send(ctx, fmt.Sprintf(cmdClearSticky, iface.Name)); err != nil {
			return pipeline.Result{}, err
		}
		if err := r.sleep(ctx, r.config.CrossPortSettle); err != nil {
			return pipeline.Result{}, ticket.Fail(ticket.CauseInterrupted, err)
		}
		return pipeline.Pass(fmt.Sprintf("port sticky reset on other port %s", iface.Name)), nil
	}
	return pipeline.Pass("MAC not bound to any other port"), nil
}

type interfaceBlock struct {
	Name string
	Body string
}

// interfaceBlocks splits a running configuration into its interface sections.
func interfaceBlocks(config string) []interfaceBlock {
	var (
		blocks []interfaceBlock
		cur    *interfaceBlock
		body   strings.Builder
	)
	flush := func() {
		if cur != nil {
			cur.Body = body.String()
			blocks = append(blocks, *cur)
			cur = nil
			body.Reset()
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(config, "\r", ""), "\n") {
		switch {
		case strings.HasPrefix(line, "interface "):
			flush()
			cur = &interfaceBlock{Name: strings.TrimSpace(strings.TrimPrefix(line, "interface "))}
		case cur != nil && (line == "" || line[0] == ' '):
			body.WriteString(line)
			body.WriteByte('\n')
		default:
			flush()
		}
	}
	flush()
	return blocks
}
