package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
project_dir: /var/lib/portsec
excluded_hosts: [10.0.0.1, 10.0.0.2]
intake:
  maildir: /var/mail/portsec
  mailbox: NetOps@Corp.Example
  authorized: [" Analyst@corp.example "]
device:
  username: netbot
log_server:
  host: syslog.corp.example
  poll_interval: 30s
remediation:
  first_settle: 1s
notify:
  smtp:
    from: portsec@corp.example
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portsec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/portsec", cfg.ProjectDir)
	assert.Equal(t, "netops@corp.example", cfg.Intake.Mailbox)
	assert.Equal(t, "netops@corp.example", cfg.Notify.SMTP.Mailbox)
	assert.Equal(t, "corp.example", cfg.Intake.Domain)
	assert.Equal(t, 30*time.Second, cfg.LogServer.PollInterval)
	assert.Equal(t, time.Second, cfg.Remediation.FirstSettle)

	// untouched defaults survive
	assert.Equal(t, 240*time.Second, cfg.Remediation.SecondSettle)
	assert.Equal(t, 18, cfg.LogServer.WorkingDayEnd)
	assert.Equal(t, 50, cfg.Rotation.Threshold)
	assert.Equal(t, "PORTSEC_DEVICE_PASSWORD", cfg.Device.PasswordEnv)
	assert.Equal(t, "PORTSEC_LOGSERVER_PASSWORD", cfg.LogServer.SSH.PasswordEnv)

	assert.True(t, cfg.IsAuthorized("ANALYST@corp.example"))
	assert.False(t, cfg.IsAuthorized("intruder@corp.example"))
	assert.True(t, cfg.IsExcluded("10.0.0.2"))
	assert.False(t, cfg.IsExcluded("10.0.0.3"))
	assert.Equal(t, []string{"smtp"}, cfg.EnabledNotifiers())
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "log_server:\n  host: syslog\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "intake.mailbox is required")
	assert.Contains(t, err.Error(), "device.username is required")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("PORTSEC_TEST_ENVFILE_SECRET=s3cret\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PORTSEC_TEST_ENVFILE_SECRET") })

	_, err := Load(writeConfig(t, validYAML+"env_file: "+envPath+"\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", os.Getenv("PORTSEC_TEST_ENVFILE_SECRET"))
}

func TestValidate_NoChannels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Intake.Mailbox = "netops@corp.example"
	cfg.Intake.Domain = "corp.example"
	cfg.LogServer.Host = "syslog"
	cfg.Device.Username = "netbot"
	require.NoError(t, cfg.Validate())

	cfg.Notify.SMTP.Enabled = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify channel")
}
