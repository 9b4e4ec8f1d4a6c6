// Package redislock serializes sync work per connection across instances.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/orchestrator"
)

const keyPrefix = "lock:connection:"

// Options tunes lock expiry and how long a waiting acquire keeps trying.
type Options struct {
	Expiry     time.Duration
	RetryDelay time.Duration
	MaxWait    time.Duration
}

// DefaultOptions returns a 30s lease renewed while held and up to 2 minutes of waiting.
func DefaultOptions() Options {
	return Options{Expiry: 30 * time.Second, RetryDelay: 250 * time.Millisecond, MaxWait: 2 * time.Minute}
}

// Locker implements orchestrator.Locker with redsync.
type Locker struct {
	rs   *redsync.Redsync
	opts Options
}

var _ orchestrator.Locker = (*Locker)(nil)

func New(client redis.UniversalClient, opts Options) *Locker {
	def := DefaultOptions()
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = def.MaxWait
	}
	return &Locker{rs: redsync.New(goredis.NewPool(client)), opts: opts}
}

// Acquire takes the connection's lock. The lease is extended in the background
// until release is called.
func (l *Locker) Acquire(ctx context.Context, connectionID string, wait bool) (func(), error) {
	tries := 1
	if wait {
		tries = int(l.opts.MaxWait/l.opts.RetryDelay) + 1
	}
	key := keyPrefix + connectionID
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, fmt.Errorf("%w: %s", orchestrator.ErrLocked, connectionID)
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(mutex, stop)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()

			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if ok, err := mutex.UnlockContext(uctx); !ok || err != nil {
				log.WithError(err).WithField("lock_key", key).Warn("Failed to release connection lock")
			}
		})
	}
	return release, nil
}

func (l *Locker) keepAlive(mutex *redsync.Mutex, stop <-chan struct{}) {
	ticker := time.NewTicker(l.opts.Expiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.opts.Expiry/2)
			ok, err := mutex.ExtendContext(ctx)
			cancel()
			if !ok || err != nil {
				log.WithError(err).WithField("lock_key", mutex.Name()).Warn("Failed to extend connection lock")
				return
			}
		}
	}
}

func isContention(err error) bool {
	return errors.Is(err, redsync.ErrFailed) ||
		strings.Contains(err.Error(), "lock already taken")
}
