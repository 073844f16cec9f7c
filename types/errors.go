package types

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrConfigNotFound       = stderrors.New("config not found")
	ErrConfigInvalidPath    = stderrors.New("config invalid path")
	ErrConfigParseFailed    = stderrors.New("config parse failed")
	ErrConfigValidateFailed = stderrors.New("config validate failed")
)

var (
	ErrPoolExhausted  = stderrors.New("session pool exhausted")
	ErrPoolClosed     = stderrors.New("session pool closed")
	ErrInvalidRelease = stderrors.New("invalid session release")
	ErrSessionBroken  = stderrors.New("warehouse session broken")
	ErrSessionClosed  = stderrors.New("warehouse session closed")
	ErrDialerIsNil    = stderrors.New("executor dialer is nil")
)

var (
	ErrCacheKeyEmpty          = stderrors.New("cache key empty")
	ErrCacheEntryNotFound     = stderrors.New("cache entry not found")
	ErrCacheStoreUnavailable  = stderrors.New("cache store unavailable")
	ErrCacheTypeUnknown       = stderrors.New("cache store type unknown")
	ErrCacheOperationEmpty    = stderrors.New("cache operation name empty")
	ErrCacheStoreNotRunning   = stderrors.New("cache store not running")
	ErrCacheValueNotCacheable = stderrors.New("cache value not serializable")
)

var (
	ErrMetricsTypeUnknown = stderrors.New("metrics type unknown")
	ErrLoggerTypeUnknown  = stderrors.New("logger type unknown")
	ErrLogFileIsEmpty     = stderrors.New("log file is empty")
	ErrLogFileWrongFormat = stderrors.New("log file wrong format")
)

var (
	ErrJobNameIsEmpty = stderrors.New("maintenance job name is empty")
	ErrJobIsNil       = stderrors.New("maintenance job is nil")
	ErrJobExists      = stderrors.New("maintenance job already exists")
	ErrJobSpecInvalid = stderrors.New("maintenance job spec invalid")
	ErrJobTimeout     = stderrors.New("maintenance job timeout")
)

var (
	ErrAlreadyRunning = stderrors.New("component already running")
	ErrNotRunning     = stderrors.New("component not running")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, message)
}

func NewErrorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return stderrors.Is(err, target)
}
