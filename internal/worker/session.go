package worker

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/lvonguyen/portsec/internal/device"
)

// cliSwitch is a privileged CLI together with the connection carrying it.
type cliSwitch struct {
	*device.CLI
	client *device.Client
}

func (s *cliSwitch) Close() error {
	return errors.Join(s.CLI.Close(), s.client.Close())
}

func dialSwitch(ctx context.Context, host string, cfg device.Config) (Switch, error) {
	client, err := device.Dial(ctx, host, cfg)
	if err != nil {
		return nil, err
	}
	cli, err := client.OpenCLI(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := cli.Enable(ctx, os.Getenv(cfg.SecretEnv)); err != nil {
		cli.Close()
		client.Close()
		return nil, err
	}
	return &cliSwitch{CLI: cli, client: client}, nil
}

// logRunner runs log server queries over one SSH connection, dialed on the
// first query.
type logRunner struct {
	host   string
	config device.Config

	mu     sync.Mutex
	client *device.Client
}

func newLogRunner(host string, cfg device.Config) *logRunner {
	return &logRunner{host: host, config: cfg}
}

func (r *logRunner) Run(ctx context.Context, cmd string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		client, err := device.Dial(ctx, r.host, r.config)
		if err != nil {
			return "", err
		}
		r.client = client
	}
	return r.client.Run(ctx, cmd)
}

func (r *logRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
