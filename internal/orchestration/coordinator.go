package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/logging"
	"github.com/foundryrun/foundry/internal/metrics"
	"github.com/foundryrun/foundry/internal/pctx"
	"github.com/foundryrun/foundry/internal/progress"
	"github.com/foundryrun/foundry/internal/resultbackend"
	"github.com/foundryrun/foundry/internal/types"
)

// chordPollInterval/chordMaxPollInterval bound the chord watcher's
// busy-poll backoff.
const (
	chordPollInterval    = 100 * time.Millisecond
	chordMaxPollInterval = 500 * time.Millisecond
)

// Coordinator builds and enqueues the composite task shapes: a Chain
// (sequential), a Group (parallel), and a Chord (group plus a fan-in
// body), and implements the synchronous Wait a script can block on.
type Coordinator struct {
	Broker  *broker.Broker
	Backend resultbackend.Backend

	// Tracker, if set, receives a progress step each time Wait observes a
	// descendant reach a terminal status.
	Tracker *progress.Tracker
}

// New returns a Coordinator backed by b and backend.
func New(b *broker.Broker, backend resultbackend.Backend) *Coordinator {
	return &Coordinator{Broker: b, Backend: backend}
}

func linkPC(l Link) pctx.Context {
	if l.PC != nil {
		return l.PC
	}
	return pctx.New(nil)
}

func (c *Coordinator) enqueueLink(ctx context.Context, l Link, groupID, parentID string) (string, error) {
	taskID := uuid.NewString()
	pc := linkPC(l)
	queue := broker.Route(pc, nil, l.Queue)
	msg := &broker.Message{
		TaskID:     taskID,
		Queue:      queue,
		Entrypoint: l.Entrypoint,
		ScriptPath: l.ScriptPath,
		Symbol:     l.Symbol,
		Params:     l.Params,
		PC:         pc,
		GroupID:    groupID,
		ParentID:   parentID,
	}
	if err := c.Backend.Put(ctx, taskID, &types.TaskMeta{Status: types.StatusSent, GroupID: groupID, ParentID: parentID}); err != nil {
		return "", fmt.Errorf("record task meta for %s: %w", taskID, err)
	}
	if err := c.Broker.Enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return taskID, nil
}

// Chain enqueues the first link now, carrying the rest of the chain
// inside its program context; the executor enqueues each subsequent link
// itself on that link's successful completion.
func (c *Coordinator) Chain(ctx context.Context, links []Link) (*types.Job, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("chain requires at least one link")
	}
	first := links[0]
	pc := linkPC(first)
	if err := AttachChainLinks(pc, links[1:]); err != nil {
		return nil, err
	}
	first.PC = pc

	taskID, err := c.enqueueLink(ctx, first, "", "")
	if err != nil {
		return nil, err
	}
	return &types.Job{
		ID:          taskID,
		SubmittedAt: time.Now().UTC(),
		Status:      types.StatusSent,
		Queue:       broker.Route(pc, nil, first.Queue),
		Entrypoint:  first.Entrypoint,
	}, nil
}

// GroupHandle identifies a Group's synthetic id and the task ids it
// fanned out to.
type GroupHandle struct {
	GroupID string
	TaskIDs []string
}

// Group enqueues every link under a shared synthetic group id.
func (c *Coordinator) Group(ctx context.Context, links []Link) (*GroupHandle, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("group requires at least one link")
	}
	groupID := uuid.NewString()
	taskIDs := make([]string, 0, len(links))
	for _, l := range links {
		taskID, err := c.enqueueLink(ctx, l, groupID, "")
		if err != nil {
			return nil, err
		}
		taskIDs = append(taskIDs, taskID)
	}
	return &GroupHandle{GroupID: groupID, TaskIDs: taskIDs}, nil
}

// Chord enqueues group as a Group, then starts a lightweight watcher
// that schedules body once every group member reaches SUCCESS, or
// resolves the chord to FAILURE/REVOKED without running body if any
// member does.
func (c *Coordinator) Chord(ctx context.Context, group []Link, body Link) (*types.Job, error) {
	handle, err := c.Group(ctx, group)
	if err != nil {
		return nil, err
	}

	// The watcher's own meta is deliberately NOT tagged with GroupID: both
	// backends index any group-tagged meta into ListByGroup, and the
	// watcher would otherwise show up alongside its own group's members
	// and never leave PENDING, so the group would never appear fully
	// terminal.
	watcherID := uuid.NewString()
	if err := c.Backend.Put(ctx, watcherID, &types.TaskMeta{Status: types.StatusPending}); err != nil {
		return nil, fmt.Errorf("record chord watcher %s: %w", watcherID, err)
	}

	// The watcher runs for the lifetime of the chord, independent of the
	// request context that created it.
	go c.watchChord(context.Background(), watcherID, handle, body)

	return &types.Job{
		ID:          watcherID,
		SubmittedAt: time.Now().UTC(),
		Status:      types.StatusPending,
		Queue:       types.QueueControl,
		Entrypoint:  body.Entrypoint,
	}, nil
}

func (c *Coordinator) watchChord(ctx context.Context, watcherID string, handle *GroupHandle, body Link) {
	log := logging.WithComponent("chord").With().Str("group_id", handle.GroupID).Logger()
	interval := chordPollInterval

	metrics.WaitOrchestrationsActive.Inc()
	defer metrics.WaitOrchestrationsActive.Dec()

	for {
		metas, err := c.Backend.ListByGroup(ctx, handle.GroupID)
		if err != nil {
			log.Warn().Err(err).Msg("chord watcher failed to list group")
		} else if status, ordered, done := chordOutcome(metas, handle.TaskIDs); done {
			if status == types.StatusSuccess {
				c.scheduleChordBody(ctx, watcherID, body, ordered)
			} else {
				c.Backend.MergeMeta(ctx, watcherID, map[string]any{"status": string(status)})
				log.Info().Str("status", string(status)).Msg("chord resolved without running body")
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		interval *= 2
		if interval > chordMaxPollInterval {
			interval = chordMaxPollInterval
		}
	}
}

// chordOutcome inspects a group's task metas and reports whether the
// chord is ready to resolve: status is FAILURE/REVOKED as soon as any
// member reaches it, or SUCCESS once every member (by count) has.
// ordered holds the members' results, for the body's params, in the order
// metas lists them (the backend's ListByGroup order); they are not
// rearranged into taskIDs order.
func chordOutcome(metas []*types.TaskMeta, taskIDs []string) (status types.JobStatus, ordered []map[string]any, done bool) {
	if len(metas) < len(taskIDs) {
		return "", nil, false
	}

	results := make([]map[string]any, 0, len(metas))
	for _, m := range metas {
		if m.Status == types.StatusFailure {
			return types.StatusFailure, nil, true
		}
		if m.Status == types.StatusRevoked {
			return types.StatusRevoked, nil, true
		}
		if m.Status != types.StatusSuccess {
			return "", nil, false
		}
		results = append(results, m.Result)
	}
	return types.StatusSuccess, results, true
}

func (c *Coordinator) scheduleChordBody(ctx context.Context, watcherID string, body Link, results []map[string]any) {
	pc := linkPC(body)
	params := body.Params
	if params == nil {
		params = map[string]any{}
	}
	params["group_results"] = results
	body.Params = params
	body.PC = pc

	taskID, err := c.enqueueLink(ctx, body, "", watcherID)
	log := logging.WithComponent("chord")
	if err != nil {
		log.Error().Err(err).Msg("failed to enqueue chord body")
		c.Backend.MergeMeta(ctx, watcherID, map[string]any{"status": string(types.StatusFailure)})
		return
	}
	c.Backend.MergeMeta(ctx, watcherID, map[string]any{
		"status":   string(types.StatusSuccess),
		"children": []string{taskID},
	})
}

// Wait blocks until every descendant reaches a terminal status or
// timeout elapses (timeout <= 0 means unbounded), busy-polling the
// result backend the same way the chord watcher does. It reports a
// progress step through Tracker, if set, each time a descendant reaches a
// terminal status.
func (c *Coordinator) Wait(ctx context.Context, descendants []string, timeout time.Duration) (map[string]types.JobStatus, error) {
	if c.Tracker != nil {
		c.Tracker.SetTotal(len(descendants))
	}

	seen := make(map[string]types.JobStatus, len(descendants))
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	interval := chordPollInterval

	for {
		allTerminal := true
		for _, id := range descendants {
			if status, ok := seen[id]; ok && status.Terminal() {
				continue
			}
			meta, found, err := c.Backend.Get(ctx, id)
			if err != nil {
				return seen, fmt.Errorf("wait: get %s: %w", id, err)
			}
			if !found || !meta.Status.Terminal() {
				allTerminal = false
				continue
			}
			if seen[id] != meta.Status {
				seen[id] = meta.Status
				if c.Tracker != nil {
					c.Tracker.Next(fmt.Sprintf("%s -> %s", id, meta.Status), nil)
				}
			}
		}
		if allTerminal {
			return seen, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return seen, fmt.Errorf("wait: timed out after %s waiting on %d descendants", timeout, len(descendants))
		}

		select {
		case <-ctx.Done():
			return seen, ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > chordMaxPollInterval {
			interval = chordMaxPollInterval
		}
	}
}
