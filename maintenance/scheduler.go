package maintenance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/carelytics/dataservice/types"
)

const defaultJobTimeout = 5 * time.Minute

// Job is a named maintenance task. Jobs receive a context bounded by the
// configured job timeout and the scheduler's lifetime.
type Job func(ctx context.Context) error

// Scheduler runs the periodic housekeeping the data service needs: sweeping
// idle warehouse sessions and re-probing a degraded shared cache store.
type Scheduler struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     types.Logger
	metrics    types.MetricsManager
	cron       *cron.Cron
	jobTimeout time.Duration

	mu      sync.Mutex
	jobs    map[string]cron.EntryID
	running int32
}

func NewScheduler(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.MaintenanceConfig) (*Scheduler, error) {
	timezone := time.UTC
	if config != nil && config.Timezone != "" {
		loc, err := time.LoadLocation(config.Timezone)
		if err != nil {
			logger.Warn("Unknown maintenance timezone, using UTC",
				zap.String("timezone", config.Timezone))
		} else {
			timezone = loc
		}
	}

	jobTimeout := defaultJobTimeout
	if config != nil && config.JobTimeoutSecond > 0 {
		jobTimeout = time.Duration(config.JobTimeoutSecond) * time.Second
	}

	cronLogger := safeCronLogger{logger: logger}
	schedulerCtx, cancel := context.WithCancel(ctx)

	return &Scheduler{
		ctx:     schedulerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		jobTimeout: jobTimeout,
		jobs:       make(map[string]cron.EntryID),
	}, nil
}

func (s *Scheduler) Add(jobName, spec string, job Job) error {
	if jobName == "" {
		return types.ErrJobNameIsEmpty
	}
	if spec == "" {
		return types.ErrJobSpecInvalid
	}
	if job == nil {
		return types.ErrJobIsNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobName]; exists {
		return types.Errorf(types.ErrJobExists, "job: %s", jobName)
	}

	entryID, err := s.cron.AddFunc(spec, s.wrapJob(jobName, job))
	if err != nil {
		return types.Errorf(types.ErrJobSpecInvalid, "job %s, spec %q: %v", jobName, spec, err)
	}

	s.jobs[jobName] = entryID

	s.logger.Info("Maintenance job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

func (s *Scheduler) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return types.ErrAlreadyRunning
	}

	s.cron.Start()
	s.logger.Info("Maintenance scheduler started")
	return nil
}

func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return types.ErrNotRunning
	}

	s.cancel()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("Maintenance scheduler stop timeout, jobs may not have finished")
		return types.ErrJobTimeout
	}

	s.logger.Info("Maintenance scheduler stopped")
	return nil
}

func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *Scheduler) wrapJob(jobName string, job Job) func() {
	return func() {
		start := time.Now()

		jobCtx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
		defer cancel()

		err := job(jobCtx)
		duration := time.Since(start)

		result := "success"
		if err != nil {
			result = "error"
			s.logger.Error("Maintenance job failed",
				zap.String("job_name", jobName),
				zap.Duration("duration", duration),
				zap.Error(err))
		} else {
			s.logger.Debug("Maintenance job completed",
				zap.String("job_name", jobName),
				zap.Duration("duration", duration))
		}

		s.recordJob(jobName, result, duration)
	}
}

func (s *Scheduler) recordJob(jobName, result string, duration time.Duration) {
	if s.metrics == nil {
		return
	}

	counter := s.metrics.Counter("maintenance_job_executions_total", map[string]string{
		"job_name": jobName,
		"result":   result,
	})
	counter.Inc()

	histogram := s.metrics.Histogram("maintenance_job_duration_seconds",
		[]float64{0.01, 0.1, 1.0, 10.0, 60.0},
		map[string]string{"job_name": jobName},
	)
	histogram.Observe(duration.Seconds())
}

type safeCronLogger struct {
	logger types.Logger
}

func (l safeCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, toFields(keysAndValues)...)
}

func (l safeCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(toFields(keysAndValues), zap.Error(err))
	l.logger.Error(msg, fields...)
}

func toFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}
