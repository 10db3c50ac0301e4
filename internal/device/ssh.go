// Package device opens SSH sessions to network devices and to the log server.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Common errors.
var (
	ErrNoCredentials = errors.New("device credentials not found in environment")
	ErrTimeout       = errors.New("device command timed out")
	ErrClosed        = errors.New("device session closed")
)

// Config holds SSH connection settings for one class of device.
type Config struct {
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	PasswordEnv    string        `yaml:"password_env"`
	SecretEnv      string        `yaml:"secret_env"` // enable secret, optional
	KnownHostsFile string        `yaml:"known_hosts_file"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:           22,
		ConnectTimeout: 30 * time.Second,
		CommandTimeout: 2 * time.Minute,
	}
}

// Client is an authenticated SSH connection.
type Client struct {
	conn   *ssh.Client
	config Config
	host   string
}

// Dial connects and authenticates to host.
func Dial(ctx context.Context, host string, cfg Config) (*Client, error) {
	password := os.Getenv(cfg.PasswordEnv)
	if cfg.Username == "" || password == "" {
		return nil, fmt.Errorf("%w: user %q, password env %q", ErrNoCredentials, cfg.Username, cfg.PasswordEnv)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	clientConfig := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &Client{
		conn:   ssh.NewClient(sshConn, chans, reqs),
		config: cfg,
		host:   host,
	}, nil
}

// Host returns the address the client is connected to.
func (c *Client) Host() string {
	return c.host
}

// Run executes a single command on an exec channel and returns its combined output.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return string(r.out), fmt.Errorf("running command: %w", r.err)
		}
		return string(r.out), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.CommandTimeout > 0 {
		return context.WithTimeout(ctx, c.config.CommandTimeout)
	}
	return context.WithCancel(ctx)
}
