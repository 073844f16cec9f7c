package dataservice

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/carelytics/dataservice/cache"
	"github.com/carelytics/dataservice/config"
	"github.com/carelytics/dataservice/health"
	"github.com/carelytics/dataservice/logger"
	"github.com/carelytics/dataservice/maintenance"
	"github.com/carelytics/dataservice/metrics"
	"github.com/carelytics/dataservice/types"
	"github.com/carelytics/dataservice/warehouse"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service wires the data access core together: configuration, logging,
// metrics, health, the warehouse session pool and the query result cache.
// The warehouse dialer is the only piece the caller provides; everything
// else comes from config.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	state  atomic.Value

	configManager types.ConfigManager
	log           types.Logger
	metricsMgr    types.MetricsManager
	healthMgr     types.HealthManager
	pool          types.SessionPool
	store         types.CacheStore
	queryCache    types.QueryCache
	scheduler     *maintenance.Scheduler

	shutdownTimeout time.Duration
}

func NewService(ctx context.Context, configPath string, dial types.ExecutorDialer) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "config file does not exist")
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}
	service.state.Store(StateStopped)

	if err := service.registerComponents(configPath, dial); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register components")
	}

	return service, nil
}

func (s *Service) registerComponents(configPath string, dial types.ExecutorDialer) error {
	configManager, err := config.NewConfigurationManager(configPath)
	if err != nil {
		return types.WrapError(err, "failed to register config manager")
	}
	s.configManager = configManager

	serviceConfig := configManager.GetConfig()

	log, err := logger.NewLogger(serviceConfig.Logger)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	s.log = log

	metricsMgr, err := metrics.NewManager(log, serviceConfig.Metrics)
	if err != nil {
		return types.WrapError(err, "failed to register metrics manager")
	}
	s.metricsMgr = metricsMgr

	s.healthMgr = health.NewManager(log, serviceConfig)

	pool, err := warehouse.NewPool(log, metricsMgr, s.healthMgr, serviceConfig.Warehouse, dial)
	if err != nil {
		return types.WrapError(err, "failed to register session pool")
	}
	s.pool = pool

	if serviceConfig.Cache != nil && serviceConfig.Cache.Enabled {
		store, err := cache.NewStore(log, metricsMgr, serviceConfig.Cache)
		if err != nil {
			return types.WrapError(err, "failed to register cache store")
		}
		s.store = store
		s.queryCache = cache.NewQueryCache(log, metricsMgr, store, pool, serviceConfig.Cache.DefaultTTL)
	} else {
		s.queryCache = cache.NewDirectQueryCache(log, pool)
	}

	s.healthMgr.RegisterChecker("query_cache", s.queryCacheChecker)

	if serviceConfig.Maintenance != nil && serviceConfig.Maintenance.Enabled {
		scheduler, err := maintenance.NewScheduler(s.ctx, log, metricsMgr, serviceConfig.Maintenance)
		if err != nil {
			return types.WrapError(err, "failed to register maintenance scheduler")
		}
		if err := s.registerMaintenanceJobs(scheduler, serviceConfig.Maintenance); err != nil {
			return err
		}
		s.scheduler = scheduler
	}

	return nil
}

func (s *Service) registerMaintenanceJobs(scheduler *maintenance.Scheduler, cfg *types.MaintenanceConfig) error {
	if cfg.PoolSweepSpec != "" {
		err := scheduler.Add("pool_sweep", cfg.PoolSweepSpec, func(ctx context.Context) error {
			return s.pool.CheckIdle(ctx)
		})
		if err != nil {
			return types.WrapError(err, "failed to schedule pool sweep")
		}
	}

	if cfg.StoreProbeSpec != "" && s.store != nil {
		recoverer, ok := s.store.(cache.Recoverer)
		if ok {
			err := scheduler.Add("store_probe", cfg.StoreProbeSpec, func(ctx context.Context) error {
				return recoverer.Recover(ctx)
			})
			if err != nil {
				return types.WrapError(err, "failed to schedule store probe")
			}
		}
	}

	return nil
}

// Start brings the components up in dependency order and blocks until the
// service is stopped via Stop, a context cancellation or a shutdown signal.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.log.Warn("Service is already running")
		return types.ErrAlreadyRunning
	}

	s.log.Info("Starting service")

	if err := s.startComponents(); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.log.Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.log.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	s.log.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.log.Warn("Service is not running")
		return types.ErrNotRunning
	}

	s.log.Info("Stopping service...")
	s.cancel()
	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// QueryCache is the main entry point for callers: memoized read-only
// operations against the warehouse.
func (s *Service) QueryCache() types.QueryCache {
	return s.queryCache
}

func (s *Service) Pool() types.SessionPool {
	return s.pool
}

func (s *Service) Health() types.HealthManager {
	return s.healthMgr
}

func (s *Service) Metrics() types.MetricsManager {
	return s.metricsMgr
}

func (s *Service) Logger() types.Logger {
	return s.log
}

func (s *Service) Config() types.ConfigManager {
	return s.configManager
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	return s.state.CompareAndSwap(s.getState(), newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) startComponents() error {
	serviceConfig := s.configManager.GetConfig()

	if serviceConfig.Health != nil && serviceConfig.Health.Enabled {
		if err := s.healthMgr.Start(); err != nil {
			return types.WrapError(err, "failed to start health manager")
		}
	}

	if serviceConfig.Metrics != nil && serviceConfig.Metrics.Enabled {
		if err := s.metricsMgr.Start(); err != nil {
			return types.WrapError(err, "failed to start metrics manager")
		}
	}

	if s.store != nil {
		if err := s.store.Start(); err != nil {
			return types.WrapError(err, "failed to start cache store")
		}
	}

	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return types.WrapError(err, "failed to start maintenance scheduler")
		}
	}

	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var shutdownErrors []error

	s.log.Info("Stopping service components...")

	if s.scheduler != nil && s.scheduler.IsRunning() {
		if err := s.scheduler.Stop(); err != nil {
			s.log.Error("Failed to stop maintenance scheduler", zap.Error(err))
			shutdownErrors = append(shutdownErrors, err)
		}
	}

	// the pool drains in-use sessions up to its configured grace, so stop
	// it before the ancillary components
	if err := s.pool.Shutdown(ctx); err != nil {
		s.log.Error("Failed to shut down session pool", zap.Error(err))
		shutdownErrors = append(shutdownErrors, err)
	}

	g, _ := errgroup.WithContext(ctx)

	if s.store != nil && s.store.IsRunning() {
		g.Go(func() error {
			if err := s.store.Stop(); err != nil {
				s.log.Error("Failed to stop cache store", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if s.metricsMgr.IsRunning() {
		g.Go(func() error {
			if err := s.metricsMgr.Stop(); err != nil {
				s.log.Error("Failed to stop metrics manager", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if s.healthMgr.IsRunning() {
		g.Go(func() error {
			if err := s.healthMgr.Stop(); err != nil {
				s.log.Error("Failed to stop health manager", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		shutdownErrors = append(shutdownErrors, err)
	}

	if len(shutdownErrors) > 0 {
		return types.NewErrorf("errors during shutdown: %v", shutdownErrors)
	}

	s.log.Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.log.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.log.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.log.Warn("Service shutdown: context deadline exceeded")
	default:
		s.log.Info("Service shutdown: context done")
	}
}

func (s *Service) queryCacheChecker(ctx context.Context) types.HealthCheck {
	stats := s.queryCache.Stats()

	return types.HealthCheck{
		Name:   "query_cache",
		Status: types.StatusHealthy,
		Details: map[string]interface{}{
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"entries":   stats.Entries,
			"in_flight": stats.InFlight,
		},
	}
}
