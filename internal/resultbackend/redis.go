package resultbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/foundryrun/foundry/internal/types"
)

type redisBackend struct {
	client *redis.Client
}

func newRedisBackend(rawURL string) (*redisBackend, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis result backend url: %w", err)
	}
	return &redisBackend{client: redis.NewClient(opts)}, nil
}

func (b *redisBackend) Get(ctx context.Context, taskID string) (*types.TaskMeta, bool, error) {
	raw, err := b.client.Get(ctx, metaKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", taskID, err)
	}
	var meta types.TaskMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, false, fmt.Errorf("decode task meta %s: %w", taskID, err)
	}
	return &meta, true, nil
}

func (b *redisBackend) Put(ctx context.Context, taskID string, meta *types.TaskMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode task meta %s: %w", taskID, err)
	}
	if err := b.client.Set(ctx, metaKey(taskID), raw, resultExpiry).Err(); err != nil {
		return fmt.Errorf("put %s: %w", taskID, err)
	}
	if meta.GroupID != "" {
		if err := b.client.SAdd(ctx, groupIndexKey(meta.GroupID), taskID).Err(); err != nil {
			return fmt.Errorf("index %s into group %s: %w", taskID, meta.GroupID, err)
		}
	}
	return nil
}

func (b *redisBackend) MergeMeta(ctx context.Context, taskID string, updates map[string]any) error {
	meta, found, err := b.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		meta = &types.TaskMeta{Status: types.StatusPending}
	}
	applyUpdates(meta, updates)
	return b.Put(ctx, taskID, meta)
}

func (b *redisBackend) ListByGroup(ctx context.Context, groupID string) ([]*types.TaskMeta, error) {
	ids, err := b.client.SMembers(ctx, groupIndexKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list group %s: %w", groupID, err)
	}
	metas := make([]*types.TaskMeta, 0, len(ids))
	for _, id := range ids {
		meta, found, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			metas = append(metas, meta)
		}
	}
	return metas, nil
}

func (b *redisBackend) ListAll(ctx context.Context) (map[string]*types.TaskMeta, error) {
	metas := make(map[string]*types.TaskMeta)
	iter := b.client.Scan(ctx, 0, metaKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		taskID := key[len(metaKeyPrefix):]
		meta, found, err := b.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if found {
			metas[taskID] = meta
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan task metas: %w", err)
	}
	return metas, nil
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}

func groupIndexKey(groupID string) string {
	return "task-group:" + groupID
}
