package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"taskboard/domain"
)

const generationKey = "tasks:gen"

// Cache wraps a Backend with Redis-backed caching of per-user task lists.
// It also consumes change events to evict lists the change touched.
type Cache struct {
	Backend
	redis *redis.Client
	ttl   time.Duration
	group singleflight.Group
}

// NewCache creates a caching Backend wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Backend: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasksFor(ctx context.Context, userID string) ([]domain.Task, error) {
	if c.redis == nil {
		return c.Backend.ListTasksFor(ctx, userID)
	}
	key, ok := c.tasksKey(ctx, userID)
	if !ok {
		return c.Backend.ListTasksFor(ctx, userID)
	}
	if tasks, ok := c.load(ctx, key); ok {
		return tasks, nil
	}

	// The key carries the versions read before the backend call. A fill that
	// races an eviction lands on a retired key, and callers arriving after the
	// eviction get a new flight.
	v, err, _ := c.group.Do(key, func() (any, error) {
		tasks, err := c.Backend.ListTasksFor(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, tasks)
		return tasks, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneTasks(v.([]domain.Task)), nil
}

// Publish evicts cached lists affected by ch by bumping each participant's
// list version. Profile changes rename users inside every list they appear
// in, so they retire the whole generation.
func (c *Cache) Publish(ctx context.Context, ch domain.Change) error {
	if c.redis == nil {
		return nil
	}
	if ch.Kind == domain.ProfileUpdated {
		if err := c.redis.Incr(ctx, generationKey).Err(); err != nil {
			return fmt.Errorf("cache: bump generation: %w", err)
		}
		return nil
	}
	if len(ch.Participants) == 0 {
		return nil
	}

	pipe := c.redis.TxPipeline()
	bumps := make([]*redis.IntCmd, len(ch.Participants))
	for i, id := range ch.Participants {
		bumps[i] = pipe.Incr(ctx, versionKey(id))
	}
	gen := pipe.Get(ctx, generationKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache: evict: %w", err)
	}

	g, _ := gen.Int64()
	stale := make([]string, 0, len(ch.Participants))
	for i, id := range ch.Participants {
		stale = append(stale, tasksCacheKey(g, bumps[i].Val()-1, id))
	}
	if err := c.redis.Del(ctx, stale...).Err(); err != nil {
		log.WithError(err).Debug("task cache cleanup failed")
	}
	return nil
}

func (c *Cache) load(ctx context.Context, key string) ([]domain.Task, bool) {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing storage without failing.
			log.WithError(err).WithField("key", key).Debug("task cache read failed")
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, key string, tasks []domain.Task) {
	if c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

// tasksKey reports false when redis cannot be read, in which case the
// cache is bypassed.
func (c *Cache) tasksKey(ctx context.Context, userID string) (string, bool) {
	vals, err := c.redis.MGet(ctx, generationKey, versionKey(userID)).Result()
	if err != nil {
		log.WithError(err).WithField("user", userID).Debug("task cache version read failed")
		return "", false
	}
	return tasksCacheKey(counterValue(vals[0]), counterValue(vals[1]), userID), true
}

func counterValue(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func versionKey(userID string) string {
	return "tasks:ver:" + userID
}

func tasksCacheKey(gen, ver int64, userID string) string {
	return fmt.Sprintf("tasks:%d:%d:%s", gen, ver, userID)
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	return out
}
