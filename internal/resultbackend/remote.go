package resultbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/foundryrun/foundry/internal/types"
)

// pollInterval is how often a remote backend is re-queried while waiting
// on a task to reach a terminal state.
const pollInterval = 500 * time.Millisecond

// remoteBackend delegates to a peer Foundry cluster's HTTP surface,
// used when this Foundry instance is a downstream orchestrator of
// another one rather than owning its own Redis or Bolt store.
type remoteBackend struct {
	base *url.URL
	http *http.Client
}

func newRemoteBackend(base *url.URL) *remoteBackend {
	return &remoteBackend{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *remoteBackend) endpoint(path string) string {
	u := *b.base
	u.Path = path
	return u.String()
}

func (b *remoteBackend) Get(ctx context.Context, taskID string) (*types.TaskMeta, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint("/backend/get_task_meta/"+taskID), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch remote task meta %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("remote backend returned status %d for %s", resp.StatusCode, taskID)
	}

	var meta types.TaskMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, false, fmt.Errorf("decode remote task meta %s: %w", taskID, err)
	}
	return &meta, true, nil
}

func (b *remoteBackend) Put(ctx context.Context, taskID string, meta *types.TaskMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.endpoint("/backend/get_task_meta/"+taskID), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("put remote task meta %s: %w", taskID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote backend rejected put for %s with status %d", taskID, resp.StatusCode)
	}
	return nil
}

func (b *remoteBackend) MergeMeta(ctx context.Context, taskID string, updates map[string]any) error {
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

func (b *remoteBackend) ListByGroup(ctx context.Context, groupID string) ([]*types.TaskMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint("/backend/group/"+groupID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list remote group %s: %w", groupID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote backend returned status %d for group %s", resp.StatusCode, groupID)
	}
	var metas []*types.TaskMeta
	if err := json.NewDecoder(resp.Body).Decode(&metas); err != nil {
		return nil, fmt.Errorf("decode remote group %s: %w", groupID, err)
	}
	return metas, nil
}

func (b *remoteBackend) ListAll(ctx context.Context) (map[string]*types.TaskMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint("/jobs"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list remote jobs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote backend returned status %d listing jobs", resp.StatusCode)
	}
	var body struct {
		Jobs []struct {
			ID string `json:"id"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode remote job list: %w", err)
	}
	metas := make(map[string]*types.TaskMeta, len(body.Jobs))
	for _, j := range body.Jobs {
		meta, found, err := b.Get(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		if found {
			metas[j.ID] = meta
		}
	}
	return metas, nil
}

func (b *remoteBackend) Close() error { return nil }

// PollUntilTerminal repeatedly fetches taskID from backend every
// pollInterval until its status is terminal or ctx is canceled.
func PollUntilTerminal(ctx context.Context, backend Backend, taskID string) (*types.TaskMeta, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		meta, found, err := backend.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if found && meta.Status.Terminal() {
			return meta, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
