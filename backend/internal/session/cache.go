package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edeng23/beyond-meet/backend/pkg/logger"
)

// Tier names reported to the Recorder
const (
	TierMemory  = "memory"
	TierDurable = "durable"
)

// Durable is the persistent tier behind the memory cache
type Durable interface {
	Get(ctx context.Context, userID string) (*Session, time.Time, error)
	Put(ctx context.Context, userID string, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
}

// Recorder observes cache lookups
type Recorder interface {
	CacheLookup(tier string, hit bool)
}

type nopRecorder struct{}

func (nopRecorder) CacheLookup(string, bool) {}

// Cache reads through the memory tier to the durable tier. It is safe for
// concurrent use.
type Cache struct {
	memory   *MemoryStore
	durable  Durable
	group    singleflight.Group
	ttl      time.Duration
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewCache creates a two-tier cache. ttl is the default lifetime used by
// Store when none is given.
func NewCache(durable Durable, ttl time.Duration) *Cache {
	return &Cache{
		memory:   NewMemoryStore(),
		durable:  durable,
		ttl:      ttl,
		recorder: nopRecorder{},
		logger:   logger.Get(),
		now:      time.Now,
	}
}

// WithRecorder attaches a lookup recorder
func (c *Cache) WithRecorder(r Recorder) *Cache {
	if r != nil {
		c.recorder = r
	}
	return c
}

// Store writes the session to both tiers and restarts its TTL. A durable
// write failure is logged; the memory tier still serves the session.
func (c *Cache) Store(ctx context.Context, userID string, s *Session, ttl time.Duration) error {
	if userID == "" || s == nil {
		return errors.New("user id and session are required")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	now := c.now().UTC()
	stored := s.clone()
	stored.UserID = userID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.RefreshedAt = now

	c.memory.Put(userID, stored, ttl)
	if err := c.durable.Put(ctx, userID, stored, ttl); err != nil {
		c.logger.Warn("Durable session write failed, serving from memory only",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	return nil
}

// Get returns the live session for userID or ErrNotFound. Misses fall
// through to the durable tier; concurrent misses for one user share a
// single durable read.
func (c *Cache) Get(ctx context.Context, userID string) (*Session, error) {
	if s, ok := c.memory.Get(userID); ok {
		c.recorder.CacheLookup(TierMemory, true)
		return s, nil
	}
	c.recorder.CacheLookup(TierMemory, false)

	v, err, _ := c.group.Do(userID, func() (interface{}, error) {
		// A Remove or Store landing during the durable read wins over the refill
		generation := c.memory.Generation(userID)
		s, expiresAt, err := c.durable.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		remaining := c.ttl
		if !expiresAt.IsZero() {
			remaining = expiresAt.Sub(c.now())
		}
		if remaining <= 0 {
			return nil, ErrNotFound
		}
		c.memory.PutIfUnchanged(userID, s, remaining, generation)
		return s, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.recorder.CacheLookup(TierDurable, false)
			return nil, ErrNotFound
		}
		c.logger.Error("Failed to read durable session",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, err
	}
	c.recorder.CacheLookup(TierDurable, true)
	return v.(*Session).clone(), nil
}

// Remove deletes the session from both tiers. The durable entry goes first
// so a read-through cannot refill memory from it afterwards.
func (c *Cache) Remove(ctx context.Context, userID string) error {
	err := c.durable.Delete(ctx, userID)
	c.memory.Delete(userID)
	c.group.Forget(userID)
	if err != nil {
		c.logger.Error("Failed to remove durable session",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
