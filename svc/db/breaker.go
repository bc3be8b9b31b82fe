package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"snipserve/metrics"
	"snipserve/pkg/domain"
	"snipserve/svc/util"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldown        = 30 * time.Second
)

// breaker stops sending queries after maxFailures consecutive driver errors
// and lets one probe through after cooldown.
type breaker struct {
	failures int32
	state    int32
	openedAt int64
}

func (b *breaker) allow() error {
	switch atomic.LoadInt32(&b.state) {
	case circuitOpen:
		opened := time.Unix(0, atomic.LoadInt64(&b.openedAt))
		if time.Since(opened) >= cooldown && atomic.CompareAndSwapInt32(&b.state, circuitOpen, circuitHalfOpen) {
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *breaker) record(err error) {
	if err == nil || !countsAsFailure(err) {
		if atomic.SwapInt32(&b.state, circuitClosed) != circuitClosed {
			metrics.DBBreakerOpen.Set(0)
			util.Info().Msg("database circuit closed")
		}
		atomic.StoreInt32(&b.failures, 0)
		return
	}
	failures := atomic.AddInt32(&b.failures, 1)
	if atomic.LoadInt32(&b.state) == circuitHalfOpen || failures >= maxFailures {
		if atomic.SwapInt32(&b.state, circuitOpen) != circuitOpen {
			atomic.StoreInt64(&b.openedAt, time.Now().UnixNano())
			metrics.DBBreakerOpen.Set(1)
			util.Error().Err(err).Int32("failures", failures).Msg("database circuit opened")
		}
		atomic.StoreInt32(&b.failures, 0)
	}
}

// countsAsFailure ignores outcomes that say nothing about database health.
func countsAsFailure(err error) bool {
	var de *domain.Err
	if errors.As(err, &de) {
		return false
	}
	return !errors.Is(err, sql.ErrNoRows) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!isUniqueViolation(err)
}
