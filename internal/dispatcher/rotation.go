package dispatcher

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/observability"
	"github.com/lvonguyen/portsec/internal/tasklog"
)

// Rotator packs the log archive on a cron schedule.
type Rotator struct {
	store   *tasklog.Store
	cron    *cron.Cron
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRotator schedules rotation of store. metrics may be nil.
func NewRotator(store *tasklog.Store, schedule string, metrics *observability.Metrics, logger *zap.Logger) (*Rotator, error) {
	r := &Rotator{
		store:   store,
		cron:    cron.New(),
		metrics: metrics,
		logger:  logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.Rotate); err != nil {
		return nil, fmt.Errorf("invalid rotation schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Run rotates once and then on schedule until ctx is done.
func (r *Rotator) Run(ctx context.Context) error {
	r.Rotate()
	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
	return nil
}

// Rotate packs the archive if it reached its threshold.
func (r *Rotator) Rotate() {
	path, n, err := r.store.Rotate()
	status := "skipped"
	switch {
	case err != nil:
		status = "error"
		r.logger.Error("log rotation failed", zap.Error(err))
	case n > 0:
		status = "packed"
		r.logger.Info("log archive rotated", zap.String("tarball", path), zap.Int("logs", n))
	}
	if r.metrics != nil {
		r.metrics.Rotations.WithLabelValues(status).Inc()
		r.metrics.RotatedLogs.Add(float64(n))
	}
}
