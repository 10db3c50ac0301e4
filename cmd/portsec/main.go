// Package main provides the portsec entry point.
//
// portsec serve runs the dispatcher: it watches the request mailbox, answers
// operator commands and starts one worker process per ticket. portsec worker
// is that process; it reads the request body on stdin.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/config"
	"github.com/lvonguyen/portsec/internal/notify"
	"github.com/lvonguyen/portsec/internal/observability"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const usage = `usage: portsec <command> [flags]

commands:
  serve     run the dispatcher
  worker    process one ticket read from stdin
  kill      terminate a running ticket by tracker
  version   print version information
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(rest)
	case "worker":
		return runWorker(rest)
	case "kill":
		return runKill(rest)
	case "version", "--version", "-v":
		fmt.Printf("portsec %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		return 0
	case "help", "--help", "-h":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "configs/config.yaml", "Path to config file")
	return fs, configPath
}

// setup loads configuration and builds telemetry for a command.
func setup(path, role string, metrics bool) (*config.Config, *observability.Telemetry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving config path: %w", err)
	}
	cfg, err := config.Load(abs)
	if err != nil {
		return nil, nil, err
	}
	tel, err := observability.New(observability.Config{
		ServiceName:    "portsec",
		ServiceVersion: Version,
		Role:           role,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		MetricsEnabled: metrics,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	return cfg, tel, nil
}

// buildNotifier assembles the enabled notification channels.
func buildNotifier(cfg *config.Config, logger *zap.Logger) (*notify.Multi, error) {
	var channels []notify.Notifier
	if cfg.Notify.SMTP.Enabled {
		n, err := notify.NewSMTP(cfg.Notify.SMTP)
		if err != nil {
			return nil, err
		}
		channels = append(channels, n)
	}
	if cfg.Notify.Slack.Enabled {
		n, err := notify.NewSlack(cfg.Notify.Slack)
		if err != nil {
			return nil, err
		}
		channels = append(channels, n)
	}
	if cfg.Notify.Telegram.Enabled {
		n, err := notify.NewTelegram(cfg.Notify.Telegram)
		if err != nil {
			return nil, err
		}
		channels = append(channels, n)
	}
	return notify.NewMulti(logger, channels...), nil
}
