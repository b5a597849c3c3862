package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const CycleLockKey = "dispatch:cycle-lock"

// release only deletes the key while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var ErrLockLost = errors.New("cycle lock expired before release")

type CycleLock struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewCycleLock(rdb *redis.Client, ttl time.Duration) *CycleLock {
	return &CycleLock{rdb: rdb, key: CycleLockKey, ttl: ttl}
}

func (l *CycleLock) Acquire(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Int()
		if err != nil {
			return fmt.Errorf("release cycle lock: %w", err)
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}
	return release, true, nil
}
