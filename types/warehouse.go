package types

import (
	"context"
	"time"
)

// Executor is the opaque handle onto the external query executor (the
// warehouse driver lives outside this repo and is injected via a dialer).
type Executor interface {
	Query(ctx context.Context, statement string, args ...interface{}) (interface{}, error)
	Ping(ctx context.Context) error
	Close() error
}

// ExecutorDialer establishes a new (potentially slow) warehouse connection.
type ExecutorDialer func(ctx context.Context) (Executor, error)

type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionInUse
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionInUse:
		return "in_use"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a pooled, reusable warehouse connection. A session is held by
// at most one caller at a time; a closed session is never re-issued.
type Session interface {
	ID() string
	Executor() Executor
	State() SessionState
	CreatedAt() time.Time
	LastUsedAt() time.Time
}

type SessionPool interface {
	// Acquire returns an idle session, dials a new one while under the
	// configured bound, or waits until a session is released. Waiting is cut
	// short by ctx or the acquire timeout (ErrPoolExhausted).
	Acquire(ctx context.Context) (Session, error)

	// Release returns an in-use session to the pool. Releasing a session that
	// is not held fails with ErrInvalidRelease.
	Release(session Session) error

	// HealthCheck validates the session's underlying connection; on failure
	// the session is closed and removed so a later Acquire dials a fresh one.
	HealthCheck(ctx context.Context, session Session) error

	// CheckIdle health-checks every idle session, discarding broken ones.
	CheckIdle(ctx context.Context) error

	// Shutdown refuses new acquires, waits for in-use sessions up to the
	// configured grace period, then closes everything. Idempotent.
	Shutdown(ctx context.Context) error

	Stats() PoolStats
}

type PoolStats struct {
	Idle       int    `json:"idle"`
	InUse      int    `json:"in_use"`
	Waiters    int    `json:"waiters"`
	MaxOpen    int    `json:"max_open"`
	TotalOpens uint64 `json:"total_opens"`
	TotalFails uint64 `json:"total_fails"`
}
