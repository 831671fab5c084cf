// Package broker implements the Redis list-backed task queues: enqueue,
// the reliable blocking dequeue pattern, and the routing rules that pick
// a queue for a task.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foundryrun/foundry/internal/pctx"
	"github.com/foundryrun/foundry/internal/script"
	"github.com/foundryrun/foundry/internal/types"
)

// Message is one unit of work pulled off a queue.
type Message struct {
	TaskID     string         `json:"task_id"`
	Queue      string         `json:"queue"`
	Entrypoint string         `json:"entrypoint"`
	ScriptPath string         `json:"script_path"`
	Symbol     string         `json:"symbol"`
	Params     map[string]any `json:"params"`
	PC         pctx.Context   `json:"pc"`
	GroupID    string         `json:"group_id,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Retries    int            `json:"retries"`

	// TimeLimitOverride, when positive, overrides the worker's default
	// time limit for this attempt — set when a retry is routed to
	// gpuhigh with the longer retry time limit.
	TimeLimitOverride int `json:"time_limit_override,omitempty"`
}

// processingKey names the in-flight list a worker reserves a message onto
// between BRPOPLPUSH and ack.
func processingKey(workerID string) string {
	return "processing:" + workerID
}

func queueKey(queue string) string {
	return "queue:" + queue
}

// Broker wraps a set of Redis lists, one per logical queue name.
type Broker struct {
	client *redis.Client
}

// New opens a Broker against the Redis instance described by rawURL.
func New(rawURL string) (*Broker, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	return &Broker{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Enqueue pushes msg onto its queue.
func (b *Broker) Enqueue(ctx context.Context, msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.TaskID, err)
	}
	if err := b.client.LPush(ctx, queueKey(msg.Queue), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s onto %s: %w", msg.TaskID, msg.Queue, err)
	}
	return nil
}

// Reservation is a message claimed by a worker, still present on its
// processing list until Ack removes it.
type Reservation struct {
	Message      *Message
	raw          string
	workerID     string
	processingAt time.Time
}

// Reserve blocks up to timeout waiting for a message on queue, atomically
// moving it onto the worker's processing list (BRPOPLPUSH queue
// processing:<workerID>) so a crash between dequeue and ack doesn't lose
// it silently.
func (b *Broker) Reserve(ctx context.Context, queue, workerID string, timeout time.Duration) (*Reservation, error) {
	raw, err := b.client.BRPopLPush(ctx, queueKey(queue), processingKey(workerID), timeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reserve from %s: %w", queue, err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("decode reserved message: %w", err)
	}
	return &Reservation{Message: &msg, raw: raw, workerID: workerID, processingAt: time.Now()}, nil
}

// AckEarly removes the reservation from the processing list immediately,
// used for compute queues (cpu/gpu/gpuhigh) where redelivering a task
// whose worker crashed mid-execution is worse than losing it.
func (r *Reservation) AckEarly(ctx context.Context, b *Broker) error {
	return r.remove(ctx, b)
}

// AckLate removes the reservation from the processing list after the
// handler has returned, used for maintenance/archive queues. The worker
// calls it whether or not the handler succeeded, so a failed late-ack
// task is not redelivered or retried. The reaper in internal/supervisor
// requeues entries that stay on the processing list too long.
func (r *Reservation) AckLate(ctx context.Context, b *Broker) error {
	return r.remove(ctx, b)
}

func (r *Reservation) remove(ctx context.Context, b *Broker) error {
	if err := b.client.LRem(ctx, processingKey(r.workerID), 1, r.raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", r.Message.TaskID, err)
	}
	return nil
}

// ProcessingEntries lists the raw entries still sitting on workerID's
// processing list, used by the reaper to find stale late-ack reservations.
func (b *Broker) ProcessingEntries(ctx context.Context, workerID string) ([]string, error) {
	return b.client.LRange(ctx, processingKey(workerID), 0, -1).Result()
}

// RequeueEntry removes raw from the worker's processing list and pushes
// it back onto its queue, used by the reaper for a stale late-ack entry.
func (b *Broker) RequeueEntry(ctx context.Context, workerID, raw string) error {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return fmt.Errorf("decode stale entry: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, processingKey(workerID), 1, raw)
	pipe.LPush(ctx, queueKey(msg.Queue), raw)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", msg.TaskID, err)
	}
	return nil
}

// QueueDepth reports the number of messages waiting on queue.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, queueKey(queue)).Result()
}

// Route picks the queue a task should run on, implementing the
// precedence: an explicit pc["queue"] override wins, then the script's
// own scheduling directive, then the worker's configured default.
func Route(pc pctx.Context, directive *script.Directive, defaultQueue string) string {
	if q, ok := pc["queue"].(string); ok && q != "" {
		return q
	}
	if directive != nil && directive.Queue != "" {
		return directive.Queue
	}
	if defaultQueue != "" {
		return defaultQueue
	}
	return types.QueueCPU
}

// IsEarlyAck reports whether queue uses early-ack semantics.
func IsEarlyAck(queue string) bool {
	switch queue {
	case types.QueueCPU, types.QueueGPU, types.QueueGPUHigh:
		return true
	default:
		return false
	}
}
