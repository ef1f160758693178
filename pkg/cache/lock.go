package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/planwise/planwise-backend/pkg/errors"
)

const runLockKeyPrefix = "mrp:lock:"

// releaseScript deletes the lock key only when the stored value equals the
// caller's token, so one run can never release a lock that a later run
// acquired after the TTL expired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireRunLock takes the per-tenant MRP run lock. The returned token is a
// fencing value that must be presented to ReleaseRunLock. The TTL must
// exceed the longest expected run duration.
func (c *Client) AcquireRunLock(ctx context.Context, tenantID string, ttl time.Duration) (string, error) {
	token := uuid.New().String()

	acquired, err := c.SetNX(ctx, runLockKeyPrefix+tenantID, token, ttl)
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", errors.RunInProgress(tenantID)
	}

	c.logger.Debug().
		Str("tenant_id", tenantID).
		Dur("ttl", ttl).
		Msg("run lock acquired")

	return token, nil
}

// ReleaseRunLock releases the per-tenant run lock if and only if it is still
// held with the given token. Releasing an already-expired lock is not an
// error.
func (c *Client) ReleaseRunLock(ctx context.Context, tenantID string, token string) error {
	released, err := releaseScript.Run(ctx, c.rdb, []string{runLockKeyPrefix + tenantID}, token).Int()
	if err != nil {
		return err
	}
	if released == 0 {
		c.logger.Warn().
			Str("tenant_id", tenantID).
			Msg("run lock was not held with this token at release time")
	}
	return nil
}
