package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	promptRe   = regexp.MustCompile(`[\w.\-@/:()]{1,64}[>#]\s*$`)
	passwordRe = regexp.MustCompile(`(?i)password:\s*$`)
)

// CLI is an interactive command-line session on a network device.
// Commands are sent one at a time and the output is read up to the next prompt.
type CLI struct {
	session *ssh.Session
	stdin   io.WriteCloser
	chunks  chan []byte
	readErr chan error
	buf     bytes.Buffer
	prompt  string
	timeout time.Duration
}

// OpenCLI starts an interactive shell with a pseudo-terminal and waits for
// the first prompt. Paging is disabled so long outputs come back whole.
func (c *Client) OpenCLI(ctx context.Context) (*CLI, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := session.RequestPty("vt100", 0, 511, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("requesting pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("starting shell: %w", err)
	}

	cli := newCLI(stdin, stdout, c.config.CommandTimeout)
	cli.session = session

	if _, err := cli.readUntil(ctx, promptRe); err != nil {
		cli.Close()
		return nil, fmt.Errorf("waiting for prompt: %w", err)
	}
	if _, err := cli.Send(ctx, "terminal length 0"); err != nil {
		cli.Close()
		return nil, err
	}
	return cli, nil
}

func newCLI(stdin io.WriteCloser, stdout io.Reader, timeout time.Duration) *CLI {
	cli := &CLI{
		stdin:   stdin,
		chunks:  make(chan []byte, 64),
		readErr: make(chan error, 1),
		timeout: timeout,
	}
	go cli.pump(stdout)
	return cli
}

func (s *CLI) pump(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.chunks <- chunk
		}
		if err != nil {
			s.readErr <- err
			close(s.chunks)
			return
		}
	}
}

// Prompt returns the last prompt seen, e.g. "sw-3-floor#".
func (s *CLI) Prompt() string {
	return s.prompt
}

// Privileged reports whether the session is in privileged exec mode.
func (s *CLI) Privileged() bool {
	return strings.HasSuffix(strings.TrimSpace(s.prompt), "#")
}

// Enable enters privileged exec mode. It is a no-op when already privileged.
func (s *CLI) Enable(ctx context.Context, secret string) error {
	if s.Privileged() {
		return nil
	}
	if err := s.write("enable"); err != nil {
		return err
	}
	out, err := s.readUntil(ctx, regexp.MustCompile(passwordRe.String()+`|`+promptRe.String()))
	if err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	if passwordRe.MatchString(out) {
		if err := s.write(secret); err != nil {
			return err
		}
		if _, err := s.readUntil(ctx, promptRe); err != nil {
			return fmt.Errorf("enable: %w", err)
		}
	}
	if !s.Privileged() {
		return fmt.Errorf("enable: still unprivileged at prompt %q", s.prompt)
	}
	return nil
}

// Send runs a command and returns its output without the echo and prompt.
func (s *CLI) Send(ctx context.Context, cmd string) (string, error) {
	if err := s.write(cmd); err != nil {
		return "", err
	}
	out, err := s.readUntil(ctx, promptRe)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return trimOutput(out, cmd), nil
}

// Close ends the shell.
func (s *CLI) Close() error {
	s.stdin.Close()
	if s.session != nil {
		return s.session.Close()
	}
	return nil
}

func (s *CLI) write(line string) error {
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return fmt.Errorf("writing to device: %w", err)
	}
	return nil
}

// readUntil accumulates output until its tail matches re.
func (s *CLI) readUntil(ctx context.Context, re *regexp.Regexp) (string, error) {
	var timeout <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if loc := re.FindStringIndex(s.buf.String()); loc != nil && loc[1] == s.buf.Len() {
			out := s.buf.String()
			s.buf.Reset()
			if m := promptRe.FindString(out); m != "" {
				s.prompt = strings.TrimSpace(m)
			}
			return out, nil
		}

		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				err := <-s.readErr
				if errors.Is(err, io.EOF) {
					return "", ErrClosed
				}
				return "", fmt.Errorf("%w: %v", ErrClosed, err)
			}
			s.buf.Write(chunk)
		case <-timeout:
			return "", ErrTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// trimOutput drops carriage returns, the echoed command and the trailing prompt.
func trimOutput(out, cmd string) string {
	out = strings.ReplaceAll(out, "\r", "")
	lines := strings.Split(out, "\n")

	if len(lines) > 0 && strings.Contains(lines[0], strings.TrimSpace(cmd)) {
		lines = lines[1:]
	}
	if len(lines) > 0 && promptRe.MatchString(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
