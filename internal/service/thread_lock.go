package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ThreadLocker serialises mutations of a single thread. Relay operations and
// forwards for the same thread queue behind each other; different threads
// proceed independently.
type ThreadLocker interface {
	Lock(ctx context.Context, threadID int64) (unlock func(), err error)
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// MemoryThreadLocker is an in-process keyed mutex.
type MemoryThreadLocker struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
}

// NewMemoryThreadLocker constructs an in-process locker.
func NewMemoryThreadLocker() *MemoryThreadLocker {
	return &MemoryThreadLocker{locks: make(map[int64]*lockEntry)}
}

func (l *MemoryThreadLocker) Lock(ctx context.Context, threadID int64) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[threadID]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.locks[threadID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(threadID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(threadID, entry)
		})
	}, nil
}

func (l *MemoryThreadLocker) release(threadID int64, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, threadID)
	}
}

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisThreadLocker holds thread locks in redis so several relay nodes can
// share the same database.
type RedisThreadLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger zerolog.Logger
}

// NewRedisThreadLocker constructs a redis-backed locker. Keys expire after
// ttl so a crashed holder cannot wedge a thread forever; a live holder renews
// its key every ttl/3 until it unlocks.
func NewRedisThreadLocker(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisThreadLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisThreadLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
		logger: logger.With().Str("component", "thread_lock").Logger(),
	}
}

func (l *RedisThreadLocker) Lock(ctx context.Context, threadID int64) (func(), error) {
	key := fmt.Sprintf("%s:thread-lock:%d", l.prefix, threadID)
	token := uuid.NewString()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire thread lock: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(key, token, threadID, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := unlockScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Error().Err(err).Int64("thread_id", threadID).Msg("failed to release thread lock")
			}
		})
	}, nil
}

// renew keeps the key alive until stop closes or the key is lost.
func (l *RedisThreadLocker) renew(key, token string, threadID int64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		renewed, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			l.logger.Warn().Err(err).Int64("thread_id", threadID).Msg("failed to renew thread lock")
		case renewed == 0:
			l.logger.Warn().Int64("thread_id", threadID).Msg("thread lock expired while held")
			return
		}
	}
}
