package warehouse

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/carelytics/dataservice/types"
)

const drainPollInterval = 20 * time.Millisecond

// Pool hands out mutually-exclusive, reusable warehouse sessions, bounded by
// max_connections. Sessions are dialed lazily; idle sessions are validated
// with a ping before reuse and replaced transparently once when broken.
type Pool struct {
	logger  types.Logger
	metrics types.MetricsManager
	dial    types.ExecutorDialer

	maxConnections int
	acquireTimeout time.Duration
	shutdownGrace  time.Duration

	mu      sync.Mutex
	idle    []*pooledSession
	held    map[string]*pooledSession
	waiters []chan struct{}
	numOpen int
	closed  bool

	totalOpens atomic.Uint64
	totalFails atomic.Uint64

	idleGauge  types.Gauge
	inUseGauge types.Gauge
}

func NewPool(logger types.Logger, metrics types.MetricsManager, health types.HealthManager, config *types.WarehouseConfig, dial types.ExecutorDialer) (*Pool, error) {
	if dial == nil {
		return nil, types.ErrDialerIsNil
	}

	p := &Pool{
		logger:         logger,
		metrics:        metrics,
		dial:           dial,
		maxConnections: config.MaxConnections,
		acquireTimeout: config.AcquireTimeout,
		shutdownGrace:  config.ShutdownGrace,
		held:           make(map[string]*pooledSession),
	}

	if metrics != nil {
		p.idleGauge = metrics.Gauge("warehouse_pool_sessions", map[string]string{"state": "idle"})
		p.inUseGauge = metrics.Gauge("warehouse_pool_sessions", map[string]string{"state": "in_use"})
	}

	if health != nil {
		health.RegisterChecker("warehouse", p.healthChecker)
	}

	return p, nil
}

func (p *Pool) Acquire(ctx context.Context) (types.Session, error) {
	callerCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	retried := false
	for {
		session, reused, err := p.next(ctx, callerCtx)
		if err != nil {
			return nil, err
		}
		if session == nil {
			// woken without a session, re-check pool state
			continue
		}

		if reused {
			if pingErr := session.executor.Ping(ctx); pingErr != nil {
				p.discard(session)
				p.totalFails.Add(1)

				if ctx.Err() != nil {
					return nil, p.acquireErr(ctx, callerCtx)
				}
				if retried {
					return nil, types.Errorf(types.ErrSessionBroken,
						"session %s failed validation after retry: %v", session.id, pingErr)
				}

				retried = true
				p.logger.Warn("Discarded broken warehouse session, retrying acquire",
					zap.String("session_id", session.id),
					zap.Error(pingErr))
				continue
			}
		}

		session.touch()
		return session, nil
	}
}

// next returns an idle session, dials a new one under the bound, or blocks
// until a release wakes the caller. A nil session with nil error means the
// caller should retry.
func (p *Pool) next(ctx, callerCtx context.Context) (*pooledSession, bool, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, false, types.ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		session := p.idle[n-1]
		p.idle = p.idle[:n-1]
		session.setState(types.SessionInUse)
		p.held[session.id] = session
		p.updateGauges()
		p.mu.Unlock()
		return session, true, nil
	}

	if p.numOpen < p.maxConnections {
		p.numOpen++
		p.mu.Unlock()
		return p.dialSession(ctx)
	}

	wake := make(chan struct{}, 1)
	p.waiters = append(p.waiters, wake)
	p.mu.Unlock()

	select {
	case <-wake:
		return nil, false, nil
	case <-ctx.Done():
		p.removeWaiter(wake)
		return nil, false, p.acquireErr(ctx, callerCtx)
	}
}

func (p *Pool) dialSession(ctx context.Context) (*pooledSession, bool, error) {
	executor, err := p.dial(ctx)
	if err != nil {
		p.totalFails.Add(1)
		p.mu.Lock()
		p.numOpen--
		p.wakeOneLocked()
		p.mu.Unlock()
		return nil, false, types.Errorf(types.ErrSessionBroken, "failed to dial warehouse: %v", err)
	}

	session := newPooledSession(executor)
	session.setState(types.SessionInUse)
	p.totalOpens.Add(1)

	p.mu.Lock()
	if p.closed {
		p.numOpen--
		p.mu.Unlock()
		p.closeSession(session)
		return nil, false, types.ErrPoolClosed
	}
	p.held[session.id] = session
	p.updateGauges()
	p.mu.Unlock()

	p.logger.Debug("Warehouse session created", zap.String("session_id", session.id))
	return session, false, nil
}

func (p *Pool) Release(session types.Session) error {
	ps, ok := session.(*pooledSession)
	if !ok {
		return types.Errorf(types.ErrInvalidRelease, "foreign session type %T", session)
	}

	p.mu.Lock()

	held, exists := p.held[ps.id]
	if !exists || held != ps {
		p.mu.Unlock()
		return types.Errorf(types.ErrInvalidRelease, "session %s is not in use", ps.id)
	}

	delete(p.held, ps.id)

	if p.closed {
		p.numOpen--
		p.updateGauges()
		p.mu.Unlock()
		p.closeSession(ps)
		return nil
	}

	ps.setState(types.SessionIdle)
	ps.touch()
	p.idle = append(p.idle, ps)
	p.wakeOneLocked()
	p.updateGauges()
	p.mu.Unlock()

	return nil
}

func (p *Pool) HealthCheck(ctx context.Context, session types.Session) error {
	ps, ok := session.(*pooledSession)
	if !ok {
		return types.Errorf(types.ErrInvalidRelease, "foreign session type %T", session)
	}

	if err := ps.executor.Ping(ctx); err != nil {
		p.discard(ps)
		p.totalFails.Add(1)
		return types.Errorf(types.ErrSessionBroken, "session %s failed health check: %v", ps.id, err)
	}

	return nil
}

// CheckIdle validates every idle session, discarding the broken ones so
// later acquires dial fresh replacements. Scheduled periodically by the
// service maintenance jobs.
func (p *Pool) CheckIdle(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return types.ErrPoolClosed
	}
	candidates := p.idle
	p.idle = nil
	p.updateGauges()
	p.mu.Unlock()

	var broken int
	for _, session := range candidates {
		if err := session.executor.Ping(ctx); err != nil {
			broken++
			p.mu.Lock()
			p.numOpen--
			p.wakeOneLocked()
			p.mu.Unlock()
			p.closeSession(session)
			p.logger.Warn("Removed broken idle session",
				zap.String("session_id", session.id),
				zap.Error(err))
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.numOpen--
			p.mu.Unlock()
			p.closeSession(session)
			continue
		}
		p.idle = append(p.idle, session)
		p.wakeOneLocked()
		p.updateGauges()
		p.mu.Unlock()
	}

	if broken > 0 {
		p.logger.Info("Idle session sweep completed",
			zap.Int("checked", len(candidates)),
			zap.Int("discarded", broken))
	}

	return nil
}

// Shutdown refuses new acquires, waits up to the grace period for in-use
// sessions to come back, then closes everything. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	waiters := p.waiters
	p.waiters = nil

	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)
	p.updateGauges()
	p.mu.Unlock()

	for _, wake := range waiters {
		close(wake)
	}
	for _, session := range idle {
		p.closeSession(session)
	}

	grace := p.shutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		remaining := len(p.held)
		p.mu.Unlock()

		if remaining == 0 {
			p.logger.Info("Session pool shut down")
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			p.forceCloseHeld(remaining)
			return nil
		case <-ctx.Done():
			p.forceCloseHeld(remaining)
			return nil
		}
	}
}

func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return types.PoolStats{
		Idle:       len(p.idle),
		InUse:      len(p.held),
		Waiters:    len(p.waiters),
		MaxOpen:    p.maxConnections,
		TotalOpens: p.totalOpens.Load(),
		TotalFails: p.totalFails.Load(),
	}
}

// acquireErr maps a wait cancellation to its cause. A caller deadline or
// cancellation propagates as is; only the pool's own acquire timeout becomes
// ErrPoolExhausted.
func (p *Pool) acquireErr(ctx, callerCtx context.Context) error {
	if err := callerCtx.Err(); err != nil {
		return err
	}
	if types.IsError(ctx.Err(), context.DeadlineExceeded) {
		return types.Errorf(types.ErrPoolExhausted,
			"no session became available within %s", p.acquireTimeout)
	}
	return ctx.Err()
}

// discard removes a session from the pool entirely, freeing its capacity
// slot so a later Acquire dials a replacement.
func (p *Pool) discard(session *pooledSession) {
	p.mu.Lock()
	if _, exists := p.held[session.id]; exists {
		delete(p.held, session.id)
		p.numOpen--
	} else {
		for i, candidate := range p.idle {
			if candidate == session {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				p.numOpen--
				break
			}
		}
	}
	p.wakeOneLocked()
	p.updateGauges()
	p.mu.Unlock()

	p.closeSession(session)
}

func (p *Pool) closeSession(session *pooledSession) {
	session.setState(types.SessionClosed)
	if err := session.executor.Close(); err != nil {
		p.logger.Debug("Failed to close warehouse session",
			zap.String("session_id", session.id),
			zap.Error(err))
	}
}

func (p *Pool) forceCloseHeld(remaining int) {
	p.logger.Warn("Shutdown grace expired, force-closing in-use sessions",
		zap.Int("remaining", remaining))

	p.mu.Lock()
	sessions := make([]*pooledSession, 0, len(p.held))
	for _, session := range p.held {
		sessions = append(sessions, session)
	}
	p.held = make(map[string]*pooledSession)
	p.numOpen -= len(sessions)
	p.updateGauges()
	p.mu.Unlock()

	for _, session := range sessions {
		p.closeSession(session)
	}
}

func (p *Pool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	wake := p.waiters[0]
	p.waiters = p.waiters[1:]
	wake <- struct{}{}
}

func (p *Pool) removeWaiter(wake chan struct{}) {
	p.mu.Lock()
	for i, candidate := range p.waiters {
		if candidate == wake {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// The waiter was already popped: its wake-up raced with cancellation,
	// so pass the signal on to the next waiter in line.
	select {
	case <-wake:
		p.mu.Lock()
		p.wakeOneLocked()
		p.mu.Unlock()
	default:
	}
}

func (p *Pool) updateGauges() {
	if p.idleGauge != nil {
		p.idleGauge.Set(float64(len(p.idle)))
	}
	if p.inUseGauge != nil {
		p.inUseGauge.Set(float64(len(p.held)))
	}
}

func (p *Pool) healthChecker(ctx context.Context) types.HealthCheck {
	stats := p.Stats()

	status := types.StatusHealthy
	message := ""

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		status = types.StatusUnhealthy
		message = "session pool is shut down"
	}

	return types.HealthCheck{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"idle":        stats.Idle,
			"in_use":      stats.InUse,
			"waiters":     stats.Waiters,
			"max_open":    stats.MaxOpen,
			"total_opens": stats.TotalOpens,
			"total_fails": stats.TotalFails,
		},
	}
}
