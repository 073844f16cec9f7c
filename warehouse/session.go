package warehouse

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/carelytics/dataservice/types"
)

type pooledSession struct {
	id         string
	executor   types.Executor
	state      atomic.Int32
	createdAt  time.Time
	lastUsedAt atomic.Int64
}

func newPooledSession(executor types.Executor) *pooledSession {
	now := time.Now()
	s := &pooledSession{
		id:        uuid.NewString(),
		executor:  executor,
		createdAt: now,
	}
	s.state.Store(int32(types.SessionIdle))
	s.lastUsedAt.Store(now.UnixNano())
	return s
}

func (s *pooledSession) ID() string {
	return s.id
}

func (s *pooledSession) Executor() types.Executor {
	return s.executor
}

func (s *pooledSession) State() types.SessionState {
	return types.SessionState(s.state.Load())
}

func (s *pooledSession) CreatedAt() time.Time {
	return s.createdAt
}

func (s *pooledSession) LastUsedAt() time.Time {
	return time.Unix(0, s.lastUsedAt.Load())
}

func (s *pooledSession) setState(state types.SessionState) {
	s.state.Store(int32(state))
}

func (s *pooledSession) touch() {
	s.lastUsedAt.Store(time.Now().UnixNano())
}
