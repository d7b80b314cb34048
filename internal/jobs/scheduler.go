package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Scheduler runs jobs on their intervals. A job never overlaps itself: a run
// that is still going when the next one is due pushes the next one back.
type Scheduler struct {
	s      gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewScheduler creates a scheduler. With a non-nil locker, each run first
// takes a lock named after the job, so only one replica executes it.
func NewScheduler(locker gocron.Locker, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []gocron.SchedulerOption{gocron.WithLogger(logger)}
	if locker != nil {
		opts = append(opts, gocron.WithDistributedLocker(locker))
	}
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{s: s, ctx: ctx, cancel: cancel, logger: logger}, nil
}

// Add registers jobs. Jobs are not run until Start.
func (s *Scheduler) Add(jobs ...Job) error {
	for _, j := range jobs {
		if j.Every <= 0 {
			return fmt.Errorf("job %s: interval must be positive", j.Name)
		}
		opts := []gocron.JobOption{
			gocron.WithName(j.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		}
		if j.StartImmediately {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
		}
		_, err := s.s.NewJob(
			gocron.DurationJob(j.Every),
			gocron.NewTask(func() { Execute(s.ctx, j, s.logger) }),
			opts...,
		)
		if err != nil {
			return fmt.Errorf("register job %s: %w", j.Name, err)
		}
		s.logger.Info("job registered", "job", j.Name, "every", j.Every)
	}
	return nil
}

// Start begins scheduling. It does not block.
func (s *Scheduler) Start() {
	s.s.Start()
}

// Shutdown cancels running jobs and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.s.Shutdown()
}

// ErrLocked is returned by RedisLocker when another replica holds the lock.
var ErrLocked = errors.New("jobs: lock held elsewhere")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a gocron.Locker backed by SET NX with an expiry. The expiry
// bounds how long a crashed replica can hold a job.
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLocker creates a locker whose locks expire after ttl.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

// Lock implements gocron.Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string) (gocron.Lock, error) {
	k := "jobs:lock:" + key
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	return &redisLock{rdb: l.rdb, key: k, token: token}, nil
}

type redisLock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Unlock releases the lock if this holder still owns it.
func (l *redisLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
