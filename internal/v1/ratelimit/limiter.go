// Package ratelimit implements the per-connection frame budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/wrightlabs/syncroom/internal/v1/logging"
)

// Limiter charges inbound frames against a per-connection budget that
// refills to capacity every second. The store's increment is atomic, so the
// check and the spend are one critical section.
type Limiter struct {
	frames *limiter.Limiter
}

// New builds a limiter with the given per-second capacity, backed by an
// in-process store.
func New(capacity int64) *Limiter {
	rate := limiter.Rate{
		Period: time.Second,
		Limit:  capacity,
	}
	return &Limiter{frames: limiter.New(memory.NewStore(), rate)}
}

// Charge spends cost units of the key's budget and reports whether the
// budget is exhausted. Store failures fail open: a broken limiter should
// degrade throughput control, not availability.
func (l *Limiter) Charge(ctx context.Context, key string, cost int64) bool {
	lctx, err := l.frames.Increment(ctx, key, cost)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return false
	}
	return lctx.Reached
}
