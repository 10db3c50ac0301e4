package remediation

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/pipeline"
	"github.com/lvonguyen/portsec/internal/ticket"
)

const (
	testMAC    = "4516ab87ea90"
	testDotted = "4516.ab87.ea90"
	testPort   = "GigabitEthernet1/0/17"
)

const accessPortConfig = `Building configuration...

Current configuration : 245 bytes
!
interface GigabitEthernet1/0/17
 switchport access vlan 120
 switchport mode access
 switchport port-security
 switchport port-security mac-address sticky
 spanning-tree portfast
end`

const upStatus = "GigabitEthernet1/0/17 is up, line protocol is up (connected)\n  Hardware is Gigabit Ethernet"

// fakeSwitch answers port configuration queries and learns the MAC after
// learnAfter sticky clears on the target port. learnAfter < 0 never learns.
type fakeSwitch struct {
	portConfig string
	learnAfter int
	failOn     string
	clears     map[string]int
	sent       []string
}

func newFakeSwitch(learnAfter int) *fakeSwitch {
	return &fakeSwitch{portConfig: accessPortConfig, learnAfter: learnAfter, clears: map[string]int{}}
}

func (f *fakeSwitch) Send(_ context.Context, cmd string) (string, error) {
	f.sent = append(f.sent, cmd)
	if f.failOn != "" && strings.HasPrefix(cmd, f.failOn) {
		return "", io.EOF
	}
	switch {
	case strings.HasPrefix(cmd, "clear port-security sticky interface "):
		f.clears[strings.TrimPrefix(cmd, "clear port-security sticky interface ")]++
		return "", nil
	case cmd == "show running-config interface "+testPort:
		cfg := f.portConfig
		if f.learnAfter >= 0 && f.clears[testPort] >= f.learnAfter {
			cfg = strings.Replace(cfg, " spanning-tree", " switchport port-security mac-address sticky "+testDotted+"\n spanning-tree", 1)
		}
		return cfg, nil
	case cmd == "write memory":
		return "Building configuration...\n[OK]", nil
	}
	return "", nil
}

func (f *fakeSwitch) count(prefix string) int {
	n := 0
	for _, c := range f.sent {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func baseSnapshot() Snapshot {
	return Snapshot{
		ViolationLog:  "Oct 19 10:12:01: %PORT_SECURITY-2-PSECURE_VIOLATION: Security violation occurred, caused by MAC address 4516.ab87.ea90 on port GigabitEthernet1/0/17.",
		PortConfig:    accessPortConfig,
		PortStatus:    upStatus,
		RunningConfig: "hostname sw-floor3\n!\n" + strings.TrimPrefix(accessPortConfig, "Building configuration...\n\nCurrent configuration : 245 bytes\n!\n"),
	}
}

type recordedSleeps []time.Duration

func (s *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	*s = append(*s, d)
	return nil
}

func newTestRemediator(sw *fakeSwitch, snap Snapshot) (*Remediator, *recordedSleeps) {
	r := New(sw, snap, testMAC, testPort, DefaultConfig(), zap.NewNop())
	sleeps := &recordedSleeps{}
	r.sleep = sleeps.sleep
	return r, sleeps
}

func run(t *testing.T, r *Remediator) (pipeline.Decision, error) {
	t.Helper()
	return pipeline.Run(context.Background(), zap.NewNop(), r.Stages())
}

func TestStages_Order(t *testing.T) {
	r, _ := newTestRemediator(newFakeSwitch(1), baseSnapshot())
	var names []string
	var policies []pipeline.Policy
	for _, s := range r.Stages() {
		names = append(names, s.Probe.Name())
		policies = append(policies, s.Policy)
	}
	assert.Equal(t, []string{
		ProbeAlreadyConfigured, ProbeAccessPort, ProbeSingleDevice, ProbeLinkStatus,
		ProbeHubDetection, ProbeCrossPort, ProbeStickyMAC,
	}, names)
	assert.Equal(t, []pipeline.Policy{
		pipeline.StopOnPass, pipeline.StopOnFail, pipeline.StopOnFail, pipeline.StopOnFail,
		pipeline.StopOnFail, pipeline.StopOnFail, pipeline.Terminal,
	}, policies)
}

func TestScenario_AlreadyConfigured(t *testing.T) {
	snap := baseSnapshot()
	snap.PortConfig = strings.Replace(snap.PortConfig, " spanning-tree",
		" switchport port-security mac-address sticky 4516.AB87.EA90\n spanning-tree", 1)
	sw := newFakeSwitch(1)
	r, _ := newTestRemediator(sw, snap)

	d, err := run(t, r)
	require.NoError(t, err)
	assert.Equal(t, ticket.OutcomeCompleted, d.Outcome)
	assert.Equal(t, ProbeAlreadyConfigured, d.Stage)
	assert.Empty(t, sw.sent, "no device commands may be issued")
}

func TestScenario_TrunkPort(t *testing.T) {
	snap := baseSnapshot()
	snap.PortConfig = strings.Replace(snap.PortConfig, "switchport mode access", "switchport mode trunk", 1)
	sw := newFakeSwitch(1)
	r, _ := newTestRemediator(sw, snap)

	d, err := run(t, r)
	require.NoError(t, err)
	assert.Equal(t, ticket.OutcomeFailed, d.Outcome)
	assert.Equal(t, ticket.CauseNotAccessPort, d.Cause)
	assert.Len(t, d.Trace, 2, "no later probes run")
	assert.Empty(t, sw.sent)
}

func TestScenario_FirstAttemptSticks(t *testing.T) {
	sw := newFakeSwitch(1)
	r, sleeps := newTestRemediator(sw, baseSnapshot())

	d, err := run(t, r)
	require.NoError(t, err)
	assert.Equal(t, ticket.OutcomeCompleted, d.Outcome)
	assert.Equal(t, ProbeStickyMAC, d.Stage)
	assert.Equal(t, 1, sw.count("write memory"))
	assert.Equal(t, 1, sw.count("clear port-security sticky interface "+testPort))
	assert.Equal(t, []time.Duration{30 * time.Second}, []time.Duration(*sleeps))
}

func TestScenario_SecondAttemptSticks(t *testing.T) {
	sw := newFakeSwitch(2)
	r, sleeps := newTestRemediator(sw, baseSnapshot())

	d, err := run(t, r)
	require.NoError(t, err)
	assert.Equal(t, ticket.OutcomeCompleted, d.Outcome)
	assert.Equal(t, "successful setup (second reset)", d.Trace[len(d.Trace)-1].Result.Rationale)
	assert.Equal(t, 1, sw.count("write memory"))
	assert.Equal(t, 2, sw.count("clear port-security sticky"))
	assert.Equal(t, []time.Duration{30 * time.Second, 240 * time.Second}, []time.Duration(*sleeps))
}

func TestScenario_NeverSticks(t *testing.T) {
	sw := newFakeSwitch(-1)
	r, _ := newTestRemediator(sw, baseSnapshot())

	d, err := run(t, r)
	require.NoError(t, err)
	assert.Equal(t, ticket.OutcomeFailed, d.Outcome)
	assert.Equal(t, ticket.CauseStickinessTimeout, d.Cause)
	assert.Equal(t, 2, sw.count("clear port-security sticky"), "no third attempt")
	assert.Zero(t, sw.count("write memory"))
}

func TestSticky_AlreadyStuckBeforeReset(t *testing.T) {
	sw := newFakeSwitch(0)
	r, sleeps := newTestRemediator(sw, baseSnapshot())

	m := r.NewStickyMachine()
	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, StateCompleted, m.State())
	assert.Empty(t, m.Attempts())
	assert.Empty(t, *sleeps)
	assert.Zero(t, sw.count("clear port-security"))
	assert.Equal(t, 1, sw.count("write memory"))
}

func TestSticky_AttemptsRecorded(t *testing.T) {
	r, _ := newTestRemediator(newFakeSwitch(-1), baseSnapshot())
	m := r.NewStickyMachine()
	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, []Attempt{
		{Number: 1, Settle: 30 * time.Second},
		{Number: 2, Settle: 240 * time.Second},
	}, m.Attempts())
}

func TestSticky_DeviceLost(t *testing.T) {
	sw := newFakeSwitch(1)
	sw.failOn = "clear port-security"
	r, _ := newTestRemediator(sw, baseSnapshot())

	_, err := run(t, r)
	require.Error(t, err)
	assert.Equal(t, ticket.CauseDeviceUnreachable, ticket.CauseOf(err))
}

func TestSticky_CancelledDuringSettle(t *testing.T) {
	r, _ := newTestRemediator(newFakeSwitch(-1), baseSnapshot())
	r.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	_, err := run(t, r)
	assert.Equal(t, ticket.CauseInterrupted, ticket.CauseOf(err))
}

func TestProbe_MultiDeviceConfigured(t *testing.T) {
	snap := baseSnapshot()
	snap.PortConfig = strings.Replace(snap.PortConfig, " spanning-tree",
		" switchport port-security maximum 3\n spanning-tree", 1)
	r, _ := newTestRemediator(newFakeSwitch(1), snap)

	d, err := run(t, r)
	require.NoError(t, err)
	assert.Equal(t, ticket.CauseMultiDeviceConfigured, d.Cause)
}

func TestProbe_PortDown(t *testing.T) {
	snap := baseSnapshot()
	snap.PortStatus = "GigabitEthernet1/0/17 is down, line protocol is down (notconnect)"
	r, _ := newTestRemediator(newFakeSwitch(1), snap)

	d, err := run(t, r)
	require.NoError(t, err)
	assert.Equal(t, ticket.CausePortDown, d.Cause)
	assert.Equal(t, ProbeLinkStatus, d.Stage)
}

func TestProbe_HubDetected(t *testing.T) {
	snap := baseSnapshot()
	snap.ViolationLog += "\nOct 19 10:14:40: %PORT_SECURITY-2-PSECURE_VIOLATION: Security violation occurred, caused by MAC address 0011.2233.4455 on port GigabitEthernet1/0/17."
	sw := newFakeSwitch(1)
	r, _ := newTestRemediator(sw, snap)

	d, err := run(t, r)
	require.NoError(t, err)
	assert.Equal(t, ticket.CauseHubDetected, d.Cause)
	assert.Empty(t, sw.sent)
}

func TestProbe_HubDetectionPortBoundary(t *testing.T) {
	snap := baseSnapshot()
	snap.ViolationLog += "\nOct 19 10:14:40: %PORT_SECURITY-2-PSECURE_VIOLATION: Security violation occurred, caused by MAC address 0011.2233.4455 on port GigabitEthernet1/0/170."
	r := New(newFakeSwitch(1), snap, testMAC, testPort, DefaultConfig(), zap.NewNop())

	res, err := r.hubDetection(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Passed, "a violation on another port that shares a prefix is not a hub")
}

func TestProbe_CrossPortBehindHub(t *testing.T) {
	snap := baseSnapshot()
	snap.RunningConfig += "\ninterface GigabitEthernet1/0/3\n switchport mode access\n switchport port-security maximum 4\n switchport port-security mac-address sticky 4516.ab87.ea90\n!\n"
	sw := newFakeSwitch(1)
	r, _ := newTestRemediator(sw, snap)

	d, err := run(t, r)
	require.NoError(t, err)
	assert.Equal(t, ticket.CauseMacStuckBehindHub, d.Cause)
	assert.Empty(t, sw.sent)
}

func TestProbe_CrossPortClearsOtherInterface(t *testing.T) {
	snap := baseSnapshot()
	snap.RunningConfig += "\ninterface GigabitEthernet1/0/3\n switchport mode access\n switchport port-security mac-address sticky 4516.ab87.ea90\n!\n"
	sw := newFakeSwitch(1)
	r, sleeps := newTestRemediator(sw, snap)

	d, err := run(t, r)
	require.NoError(t, err)
	assert.Equal(t, ticket.OutcomeCompleted, d.Outcome)
	assert.Equal(t, 1, sw.clears["GigabitEthernet1/0/3"])
	assert.Equal(t, "clear port-security sticky interface GigabitEthernet1/0/3", sw.sent[0])
	assert.Equal(t, 5*time.Second, (*sleeps)[0])
}

func TestInterfaceBlocks(t *testing.T) {
	cfg := "hostname sw1\r\n!\r\ninterface Vlan1\r\n no ip address\r\n!\r\ninterface GigabitEthernet1/0/1\r\n switchport mode access\r\n switchport port-security maximum 2\r\n!\r\nline vty 0 4\r\n login\r\n"
	blocks := interfaceBlocks(cfg)
	require.Len(t, blocks, 2)
	assert.Equal(t, "Vlan1", blocks[0].Name)
	assert.Equal(t, "GigabitEthernet1/0/1", blocks[1].Name)
	assert.Contains(t, blocks[1].Body, "maximum 2")
	assert.NotContains(t, blocks[1].Body, "login")
}

func TestCapture(t *testing.T) {
	sw := newFakeSwitch(-1)
	at := time.Date(2026, 10, 9, 8, 0, 0, 0, time.Local)

	snap, err := Capture(context.Background(), sw, testPort, at)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"show logging | include Oct  9",
		"show running-config interface " + testPort,
		"show interfaces " + testPort,
		"show running-config",
	}, sw.sent)
	assert.Equal(t, accessPortConfig, snap.PortConfig)
}

func TestCapture_DeviceLost(t *testing.T) {
	sw := newFakeSwitch(-1)
	sw.failOn = "show interfaces"

	_, err := Capture(context.Background(), sw, testPort, time.Now())
	assert.Equal(t, ticket.CauseDeviceUnreachable, ticket.CauseOf(err))
}
