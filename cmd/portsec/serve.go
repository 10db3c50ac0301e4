package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/api"
	"github.com/lvonguyen/portsec/internal/api/gateway"
	"github.com/lvonguyen/portsec/internal/config"
	"github.com/lvonguyen/portsec/internal/dispatcher"
	"github.com/lvonguyen/portsec/internal/lifecycle"
	"github.com/lvonguyen/portsec/internal/message"
	"github.com/lvonguyen/portsec/internal/observability"
	"github.com/lvonguyen/portsec/internal/tasklog"
)

func runServe(args []string) int {
	fs, configPath := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, tel, err := setup(*configPath, "serve", true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portsec: %v\n", err)
		return 1
	}
	defer tel.Shutdown(context.Background())
	logger := tel.Logger()

	logger.Info("starting portsec dispatcher",
		zap.String("commit", GitCommit),
		zap.String("build_time", BuildTime),
		zap.String("config", *configPath),
		zap.Strings("notifiers", cfg.EnabledNotifiers()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, *configPath, logger, tel); err != nil {
		logger.Error("dispatcher stopped", zap.Error(err))
		return 1
	}
	logger.Info("dispatcher stopped")
	return 0
}

func serve(ctx context.Context, cfg *config.Config, configPath string, logger *zap.Logger, tel *observability.Telemetry) error {
	metrics := tel.Metrics()
	tel.StartSystemMetricsCollector(ctx)

	store := tasklog.NewStore(cfg.ProjectDir, cfg.Rotation.Threshold)
	if err := store.EnsureDirs(); err != nil {
		return err
	}
	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("building notifiers: %w", err)
	}
	faults := lifecycle.NewFaultSink(cfg.ProjectDir)
	finalizer := lifecycle.NewArchiveFinalizer(store, notifier, logger)
	killer := dispatcher.NewKiller(store, finalizer, notifier, metrics, logger)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	spawner := dispatcher.NewExecSpawner(exe, []string{"worker", "--config", abs}, metrics, logger)

	opts := []dispatcher.Option{dispatcher.WithMetrics(metrics)}
	var (
		rdb     *redis.Client
		limiter *gateway.RateLimiter
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		limiter = gateway.NewRateLimiter(rdb, gateway.RateLimitConfig{
			Limit:          cfg.Redis.RateLimit,
			Window:         cfg.Redis.RateWindow,
			IncludeHeaders: true,
		}, logger)
		opts = append(opts, dispatcher.WithLimiter(limiter))
	}

	d := dispatcher.New(dispatcher.Policy{
		Domain:     cfg.Intake.Domain,
		Mailbox:    cfg.Intake.Mailbox,
		Authorized: cfg.IsAuthorized,
	}, store, notifier, spawner, killer, logger, opts...)

	rotator, err := dispatcher.NewRotator(store, cfg.Rotation.Schedule, metrics, logger)
	if err != nil {
		return err
	}

	svc := &dispatcher.Service{
		Rotator:         rotator,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Faults:          faults,
		Logger:          logger,
	}
	if cfg.Intake.Maildir != "" {
		svc.Maildir = dispatcher.NewMaildirWatcher(cfg.Intake.Maildir, func(ctx context.Context, m message.Message) error {
			_, err := d.Handle(ctx, m)
			return err
		}, faults, logger)
	}
	if cfg.Server.Enabled {
		apiCfg := api.Config{
			Version:  Version,
			TokenEnv: cfg.Server.TokenEnv,
		}
		if rdb != nil {
			apiCfg.Ready = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
			apiCfg.RateLimit = limiter.Middleware(nil)
		}
		srv := api.NewServer(apiCfg, d, killer, store, tel, logger)
		svc.Server = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      srv.Router(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}
	}
	if svc.Maildir == nil && svc.Server == nil {
		return fmt.Errorf("%w: neither intake.maildir nor server is enabled", config.ErrInvalid)
	}

	return svc.Run(ctx)
}
