package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/multipack_backend/config"
)

// ShopLock serializes work of lockType for a shop across instances.
// It is best-effort: when Redis is not connected or the lock cannot be obtained within wait,
// the returned release func is a no-op and ok is false. Callers decide whether to proceed.
func ShopLock(ctx context.Context, shop string, lockType string, ttl time.Duration, wait time.Duration, moduleName string, functionName string) (release func(), ok bool) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, false
	}

	lockKey := fmt.Sprintf("%s:%s", lockType, shop)
	obtainCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	lock, err := locker.Obtain(obtainCtx, lockKey, ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(200 * time.Millisecond),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			config.LogError(logger, moduleName, functionName, "Could not obtain lock for shop", shop, err)
		} else {
			config.LogError(logger, moduleName, functionName, "Error obtaining lock for shop", shop, err)
		}
		return func() {}, false
	}

	return func() {
		_ = lock.Release(context.Background())
	}, true
}
