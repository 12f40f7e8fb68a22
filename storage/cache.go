package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-client/domain"
)

const cacheVersion = 1

type cachedView struct {
	Version  int           `json:"version"`
	CachedAt time.Time     `json:"cachedAt"`
	View     domain.View   `json:"view"`
	Tasks    []domain.Task `json:"tasks"`
}

// Cache keeps the last list seen per user and view in Redis. A nil client
// disables it.
type Cache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
	now    func() time.Time
}

func NewCache(client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cache{redis: client, ttl: ttl, logger: logger, now: time.Now}
}

// Enabled reports whether reads and writes reach Redis.
func (c *Cache) Enabled() bool {
	return c != nil && c.redis != nil && c.ttl > 0
}

// Load returns the cached list. Unreadable entries are deleted and reported
// as a miss.
func (c *Cache) Load(ctx context.Context, userID string, view domain.View) ([]domain.Task, bool) {
	if !c.Enabled() || userID == "" {
		return nil, false
	}
	key := viewCacheKey(userID, view)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).WithField("key", key).Warn("view cache read failed")
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var entry cachedView
	if err := sonic.Unmarshal(data, &entry); err != nil || entry.Version != cacheVersion || entry.View != view {
		c.logger.WithField("key", key).Debug("dropping unreadable view cache entry")
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	if entry.Tasks == nil {
		entry.Tasks = []domain.Task{}
	}
	return entry.Tasks, true
}

// Store writes tasks for the view.
func (c *Cache) Store(ctx context.Context, userID string, view domain.View, tasks []domain.Task) {
	if !c.Enabled() || userID == "" {
		return
	}
	data, err := sonic.Marshal(cachedView{
		Version:  cacheVersion,
		CachedAt: c.now().UTC(),
		View:     view,
		Tasks:    tasks,
	})
	if err != nil {
		c.logger.WithError(err).Error("failed to marshal view cache entry")
		return
	}
	if err := c.redis.Set(ctx, viewCacheKey(userID, view), data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("user", userID).Error("failed to store view cache entry")
	}
}

// Evict drops every cached view of the user.
func (c *Cache) Evict(ctx context.Context, userID string) {
	if c == nil || c.redis == nil || userID == "" {
		return
	}
	_, _ = c.redis.Del(ctx, viewCacheKey(userID, domain.ViewOpen), viewCacheKey(userID, domain.ViewDone)).Result()
}

func viewCacheKey(userID string, view domain.View) string {
	return "tasks:" + userID + ":" + string(view)
}
