// Package resultbackend stores and retrieves task metadata: the per-task
// status record every job's progress, result, and retry count live in.
// Three interchangeable implementations back it, selected by the URL
// scheme configured for the result backend.
package resultbackend

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/foundryrun/foundry/internal/types"
)

// metaKeyPrefix namespaces task metadata keys in whichever key/value
// store backs a Backend.
const metaKeyPrefix = "task-meta:"

func metaKey(taskID string) string {
	return metaKeyPrefix + taskID
}

// Backend is the storage surface every task metadata record is read
// from and written to, regardless of which concrete store is configured.
type Backend interface {
	// Get fetches the metadata for taskID, returning (nil, false, nil)
	// when no record exists yet.
	Get(ctx context.Context, taskID string) (*types.TaskMeta, bool, error)

	// Put overwrites the stored metadata for taskID.
	Put(ctx context.Context, taskID string, meta *types.TaskMeta) error

	// MergeMeta applies a shallow field update to the stored metadata,
	// creating a fresh PENDING record if none exists yet. ProgressAdapter
	// wraps it to satisfy progress.MetaStore.
	MergeMeta(ctx context.Context, taskID string, updates map[string]any) error

	// ListByGroup returns every task-meta record tagged with groupID,
	// used to decide whether a group or chord has finished.
	ListByGroup(ctx context.Context, groupID string) ([]*types.TaskMeta, error)

	// ListAll returns every stored task-meta record keyed by task id, used
	// by the GET /jobs listing endpoint.
	ListAll(ctx context.Context) (map[string]*types.TaskMeta, error)

	// Close releases any underlying connection or file handle.
	Close() error
}

// resultExpiry is the default time-to-live applied to a task-meta record
// once it is stored, matching the retention window a client can rely on
// when polling for a result after the fact.
const resultExpiry = 3 * 24 * time.Hour

// Open selects a Backend implementation from rawURL's scheme: "redis" for
// a Redis-backed store, "bolt" for an embedded single-node store, and
// "https"/"http" for a remote HTTP result-backend proxy.
func Open(rawURL string) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse result backend url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		return newRedisBackend(rawURL)
	case "bolt", "boltdb":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		return newBoltBackend(path)
	case "http", "https":
		return newRemoteBackend(u), nil
	default:
		return nil, fmt.Errorf("unsupported result backend scheme %q", u.Scheme)
	}
}

// ProgressAdapter binds a Backend and a context together so it can satisfy
// progress.MetaStore, whose interface predates context plumbing and takes
// none.
type ProgressAdapter struct {
	Backend Backend
	Ctx     context.Context
}

// MergeMeta implements progress.MetaStore.
func (a *ProgressAdapter) MergeMeta(taskID string, updates map[string]any) error {
	return a.Backend.MergeMeta(a.Ctx, taskID, updates)
}

// applyUpdates merges updates into meta's exported fields by name,
// mirroring the key set the progress tracker and executor write.
func applyUpdates(meta *types.TaskMeta, updates map[string]any) {
	for k, v := range updates {
		switch k {
		case "status":
			if s, ok := v.(string); ok {
				meta.Status = types.JobStatus(s)
				if meta.Status.Terminal() && meta.DateDone == nil {
					now := time.Now().UTC()
					meta.DateDone = &now
				}
			}
		case "progress":
			meta.Progress = toInt(v)
		case "retry":
			meta.Retry = toInt(v)
		case "result":
			if m, ok := v.(map[string]any); ok {
				meta.Result = m
			}
		case "children":
			meta.Children = toStringSlice(v)
		case "parent_id":
			if s, ok := v.(string); ok {
				meta.ParentID = s
			}
		case "group_id":
			if s, ok := v.(string); ok {
				meta.GroupID = s
			}
		case "shadow_name":
			if s, ok := v.(string); ok {
				meta.ShadowName = s
			}
		case "time_info":
			meta.TimeInfo = decodeTimeInfo(v)
		case "steps":
			meta.Steps = decodeSteps(v)
		case "failure":
			meta.Failure = decodeFailure(v)
		case "date_done":
			if t, ok := v.(time.Time); ok {
				meta.DateDone = &t
			}
		case "name":
			if s, ok := v.(string); ok {
				meta.Alias = s
			}
		case "queue":
			if s, ok := v.(string); ok {
				meta.Queue = s
			}
		case "entrypoint":
			if s, ok := v.(string); ok {
				meta.Entrypoint = s
			}
		case "script":
			if s, ok := v.(string); ok {
				meta.Script = s
			}
		case "data":
			if s, ok := v.(string); ok {
				meta.Data = s
			}
		case "time_limit":
			meta.TimeLimit = toInt(v)
		case "submitted_at":
			if t, ok := v.(time.Time); ok {
				meta.SubmittedAt = t
			}
		}
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toStringSlice(v any) []string {
	raw, ok := v.([]string)
	if ok {
		return raw
	}
	anySlice, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(anySlice))
	for _, e := range anySlice {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeTimeInfo(v any) types.TimeInfo {
	if ti, ok := v.(types.TimeInfo); ok {
		return ti
	}
	m, ok := v.(map[string]any)
	if !ok {
		return types.TimeInfo{}
	}
	ti := types.TimeInfo{}
	if s, ok := m["request"].(string); ok {
		ti.Request = s
	}
	if s, ok := m["started"].(string); ok {
		ti.Started = s
	}
	if s, ok := m["stopped"].(string); ok {
		ti.Stopped = s
	}
	return ti
}

func decodeFailure(v any) *types.FailureMeta {
	if f, ok := v.(*types.FailureMeta); ok {
		return f
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	f := &types.FailureMeta{}
	if s, ok := m["exc_type"].(string); ok {
		f.ExcType = s
	}
	if s, ok := m["exc_module"].(string); ok {
		f.ExcModule = s
	}
	if s, ok := m["exc_message"].(string); ok {
		f.ExcMessage = s
	}
	f.ExcTraceback = toStringSlice(m["exc_traceback"])
	return f
}

func decodeSteps(v any) []types.Step {
	if steps, ok := v.([]types.Step); ok {
		return steps
	}
	anySlice, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]types.Step, 0, len(anySlice))
	for _, e := range anySlice {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		step := types.Step{}
		if s, ok := m["info"].(string); ok {
			step.Info = s
		}
		if d, ok := m["duration"].(float64); ok {
			step.Duration = d
		}
		out = append(out, step)
	}
	return out
}
