package resultbackend

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/foundryrun/foundry/internal/types"
)

var bucketTaskMeta = []byte("task_meta")

type boltBackend struct {
	db *bolt.DB
}

func newBoltBackend(path string) (*boltBackend, error) {
	if path == "" {
		path = "./foundry-results.db"
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt result backend at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTaskMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create task meta bucket: %w", err)
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) Get(_ context.Context, taskID string) (*types.TaskMeta, bool, error) {
	var meta types.TaskMeta
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTaskMeta).Get([]byte(taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &meta)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &meta, true, nil
}

func (b *boltBackend) Put(_ context.Context, taskID string, meta *types.TaskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode task meta %s: %w", taskID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskMeta).Put([]byte(taskID), data)
	})
}

func (b *boltBackend) MergeMeta(ctx context.Context, taskID string, updates map[string]any) error {
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

func (b *boltBackend) ListByGroup(_ context.Context, groupID string) ([]*types.TaskMeta, error) {
	var metas []*types.TaskMeta
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskMeta).ForEach(func(_, v []byte) error {
			var meta types.TaskMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			if meta.GroupID == groupID {
				metas = append(metas, &meta)
			}
			return nil
		})
	})
	return metas, err
}

func (b *boltBackend) ListAll(_ context.Context) (map[string]*types.TaskMeta, error) {
	metas := make(map[string]*types.TaskMeta)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskMeta).ForEach(func(k, v []byte) error {
			var meta types.TaskMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			metas[string(k)] = &meta
			return nil
		})
	})
	return metas, err
}

func (b *boltBackend) Close() error {
	return b.db.Close()
}
