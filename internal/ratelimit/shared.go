package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// sharedPause is how long counting stays local after Redis fails.
const sharedPause = 30 * time.Second

var errSharedPaused = errors.New("rate limit redis: paused after a failure")

// sharedCounter owns the Redis connection behind the shared counters. It
// reconnects when the settings point at another server and stops trying for
// sharedPause after any failure.
type sharedCounter struct {
	dial RedisClientFactory

	mu       sync.Mutex
	limiter  *RedisLimiter
	target   RedisSettings
	resumeAt time.Time
}

func newSharedCounter(dial RedisClientFactory) *sharedCounter {
	if dial == nil {
		dial = redis.NewClient
	}
	return &sharedCounter{dial: dial}
}

func (s *sharedCounter) allow(ctx context.Context, target RedisSettings, key string, limit int, now time.Time) (Result, error) {
	limiter, errConnect := s.connect(ctx, target, now)
	if errConnect != nil {
		return Result{}, errConnect
	}
	result, errAllow := limiter.Allow(ctx, key, limit, now)
	if errAllow != nil {
		s.mu.Lock()
		s.pauseLocked(errAllow, now)
		s.mu.Unlock()
		return Result{}, errAllow
	}
	return result, nil
}

func (s *sharedCounter) connect(ctx context.Context, target RedisSettings, now time.Time) (*RedisLimiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.resumeAt) {
		return nil, errSharedPaused
	}
	if s.limiter != nil && s.target == target {
		return s.limiter, nil
	}
	_ = s.closeLocked()
	if target.Addr == "" {
		errAddr := errors.New("rate limit redis: missing address")
		s.pauseLocked(errAddr, now)
		return nil, errAddr
	}

	client := s.dial(&redis.Options{Addr: target.Addr, Password: target.Password, DB: target.DB})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		s.pauseLocked(errPing, now)
		return nil, errPing
	}
	s.limiter = NewRedisLimiter(client, target.Prefix)
	s.target = target
	return s.limiter, nil
}

func (s *sharedCounter) paused(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.resumeAt)
}

func (s *sharedCounter) pauseLocked(err error, now time.Time) {
	if now.Before(s.resumeAt) {
		return
	}
	s.resumeAt = now.Add(sharedPause)
	log.WithError(err).WithField("resume_at", s.resumeAt).Warn("rate limit: redis unavailable, counting in memory")
}

func (s *sharedCounter) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *sharedCounter) closeLocked() error {
	if s.limiter == nil {
		return nil
	}
	errClose := s.limiter.Close()
	s.limiter = nil
	s.target = RedisSettings{}
	return errClose
}
