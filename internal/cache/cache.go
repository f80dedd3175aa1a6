package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalpoint/webhook-notify/internal/model"
)

// Finder is the underlying source of truth for a project's active
// webhooks, normally the Postgres store.
type Finder interface {
	FindActive(ctx context.Context, projectID string) ([]model.Webhook, error)
}

// ActiveWebhooks is a read-through TTL cache over the active-webhook
// query that runs once per dispatched test run. Redis failures fall
// through to the store; the cache is never authoritative. Writers
// (webhook CRUD, the auto-disable recorder) invalidate the project key.
type ActiveWebhooks struct {
	rdb    *redis.Client
	store  Finder
	ttl    time.Duration
	logger *slog.Logger
}

func NewActiveWebhooks(rdb *redis.Client, store Finder, ttl time.Duration, logger *slog.Logger) *ActiveWebhooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActiveWebhooks{rdb: rdb, store: store, ttl: ttl, logger: logger}
}

func key(projectID string) string {
	return "webhooks:active:" + projectID
}

func (c *ActiveWebhooks) FindActive(ctx context.Context, projectID string) ([]model.Webhook, error) {
	cached, err := c.rdb.Get(ctx, key(projectID)).Bytes()
	if err == nil {
		var hooks []model.Webhook
		if jsonErr := json.Unmarshal(cached, &hooks); jsonErr == nil {
			return hooks, nil
		}
		// corrupt entry, fall through and overwrite
	} else if err != redis.Nil {
		c.logger.Warn("webhook cache read failed", "error", err, "project_id", projectID)
	}

	hooks, err := c.store.FindActive(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(hooks); err == nil {
		if err := c.rdb.Set(ctx, key(projectID), encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("webhook cache write failed", "error", err, "project_id", projectID)
		}
	}
	return hooks, nil
}

// Invalidate drops the cached active set for a project. Best effort:
// a missed invalidation self-heals when the TTL expires.
func (c *ActiveWebhooks) Invalidate(ctx context.Context, projectID string) {
	if err := c.rdb.Del(ctx, key(projectID)).Err(); err != nil {
		c.logger.Warn("webhook cache invalidation failed", "error", err, "project_id", projectID)
	}
}
