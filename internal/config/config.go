// Package config provides configuration management for portsec.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/portsec/internal/device"
	"github.com/lvonguyen/portsec/internal/logserver"
	"github.com/lvonguyen/portsec/internal/notify"
	"github.com/lvonguyen/portsec/internal/remediation"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all portsec configuration.
type Config struct {
	// EnvFile is a dotenv file loaded before secrets are resolved.
	EnvFile string `yaml:"env_file"`
	// ProjectDir holds logs/, log_archive/ and fault dumps.
	ProjectDir    string             `yaml:"project_dir"`
	ExcludedHosts []string           `yaml:"excluded_hosts"`
	Server        ServerConfig       `yaml:"server"`
	Redis         RedisConfig        `yaml:"redis"`
	Intake        IntakeConfig       `yaml:"intake"`
	Rotation      RotationConfig     `yaml:"rotation"`
	Device        device.Config      `yaml:"device"`
	LogServer     logserver.Config   `yaml:"log_server"`
	Remediation   remediation.Config `yaml:"remediation"`
	Notify        NotifyConfig       `yaml:"notify"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP control API settings.
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	TokenEnv        string        `yaml:"token_env"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings for the intake rate limit.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	RateLimit   int           `yaml:"rate_limit"` // tickets per sender per window
	RateWindow  time.Duration `yaml:"rate_window"`
}

// IntakeConfig describes who may file requests and where they arrive.
type IntakeConfig struct {
	// Maildir is a Maildir spool; new/ is watched, processed files move to cur/.
	Maildir string `yaml:"maildir"`
	// Mailbox is the operator mailbox, the only sender allowed to REPORT and KILL.
	Mailbox string `yaml:"mailbox"`
	// Domain is the organisation's mail domain; other senders are external.
	Domain string `yaml:"domain"`
	// Authorized lists the senders allowed to file tickets.
	Authorized []string `yaml:"authorized"`
}

// RotationConfig controls archive packing.
type RotationConfig struct {
	Threshold int    `yaml:"threshold"`
	Schedule  string `yaml:"schedule"` // cron spec
}

// NotifyConfig holds the notification channels.
type NotifyConfig struct {
	SMTP     notify.SMTPConfig     `yaml:"smtp"`
	Slack    notify.SlackConfig    `yaml:"slack"`
	Telegram notify.TelegramConfig `yaml:"telegram"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.EnvFile != "" {
		// Variables already present in the environment win.
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", cfg.EnvFile, err)
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProjectDir: ".",
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			TokenEnv:        "PORTSEC_API_TOKEN",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			RateLimit:  20,
			RateWindow: time.Hour,
		},
		Rotation: RotationConfig{
			Threshold: 50,
			Schedule:  "@every 10m",
		},
		Device: withPassword(device.DefaultConfig(), "PORTSEC_DEVICE_PASSWORD", "PORTSEC_DEVICE_SECRET"),
		LogServer: func() logserver.Config {
			c := logserver.DefaultConfig()
			c.SSH.PasswordEnv = "PORTSEC_LOGSERVER_PASSWORD"
			return c
		}(),
		Remediation: remediation.DefaultConfig(),
		Notify: NotifyConfig{
			SMTP: notify.SMTPConfig{
				Enabled:     true,
				Addr:        "localhost:25",
				PasswordEnv: "PORTSEC_SMTP_PASSWORD",
			},
			Slack:    notify.SlackConfig{TokenEnv: "PORTSEC_SLACK_TOKEN"},
			Telegram: notify.TelegramConfig{TokenEnv: "PORTSEC_TELEGRAM_TOKEN"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func withPassword(c device.Config, passwordEnv, secretEnv string) device.Config {
	c.PasswordEnv = passwordEnv
	c.SecretEnv = secretEnv
	return c
}

// normalize lower-cases addresses and fills derived defaults.
func (c *Config) normalize() {
	c.Intake.Mailbox = strings.ToLower(strings.TrimSpace(c.Intake.Mailbox))
	c.Intake.Domain = strings.ToLower(strings.TrimSpace(c.Intake.Domain))
	for i, a := range c.Intake.Authorized {
		c.Intake.Authorized[i] = strings.ToLower(strings.TrimSpace(a))
	}
	if c.Notify.SMTP.Mailbox == "" {
		c.Notify.SMTP.Mailbox = c.Intake.Mailbox
	}
	if c.Intake.Domain == "" {
		if i := strings.LastIndexByte(c.Notify.SMTP.From, '@'); i >= 0 {
			c.Intake.Domain = strings.ToLower(c.Notify.SMTP.From[i+1:])
		}
	}
}

// Validate checks that the fields every command needs are present.
func (c *Config) Validate() error {
	var problems []string
	if c.Intake.Mailbox == "" {
		problems = append(problems, "intake.mailbox is required")
	}
	if c.Intake.Domain == "" {
		problems = append(problems, "intake.domain is required (or notify.smtp.from)")
	}
	if c.LogServer.Host == "" {
		problems = append(problems, "log_server.host is required")
	}
	if c.Device.Username == "" {
		problems = append(problems, "device.username is required")
	}
	if c.Rotation.Threshold < 1 {
		problems = append(problems, "rotation.threshold must be positive")
	}
	if c.LogServer.WorkingDayEnd < 0 || c.LogServer.WorkingDayEnd > 24 {
		problems = append(problems, "log_server.working_day_end must be an hour of the day")
	}
	if c.Redis.Enabled && c.Redis.RateLimit < 1 {
		problems = append(problems, "redis.rate_limit must be positive")
	}
	if c.EnabledNotifiers() == nil {
		problems = append(problems, "at least one notify channel must be enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// EnabledNotifiers returns the names of the enabled notification channels.
func (c *Config) EnabledNotifiers() []string {
	var channels []string
	if c.Notify.SMTP.Enabled {
		channels = append(channels, "smtp")
	}
	if c.Notify.Slack.Enabled {
		channels = append(channels, "slack")
	}
	if c.Notify.Telegram.Enabled {
		channels = append(channels, "telegram")
	}
	return channels
}

// IsAuthorized reports whether addr may file tickets.
func (c *Config) IsAuthorized(addr string) bool {
	addr = strings.ToLower(addr)
	for _, a := range c.Intake.Authorized {
		if a == addr {
			return true
		}
	}
	return false
}

// IsExcluded reports whether a device must never be touched.
func (c *Config) IsExcluded(host string) bool {
	for _, h := range c.ExcludedHosts {
		if h == host {
			return true
		}
	}
	return false
}
