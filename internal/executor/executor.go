// Package executor implements the per-task dispatch flow: input staging,
// fault-isolated execution, and result/retry bookkeeping against the
// result backend, plus the archive-packaging and cleanup tasks that ride
// the same queue machinery.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/config"
	"github.com/foundryrun/foundry/internal/logging"
	"github.com/foundryrun/foundry/internal/metrics"
	"github.com/foundryrun/foundry/internal/nativelib"
	"github.com/foundryrun/foundry/internal/orchestration"
	"github.com/foundryrun/foundry/internal/pctx"
	"github.com/foundryrun/foundry/internal/process"
	"github.com/foundryrun/foundry/internal/progress"
	"github.com/foundryrun/foundry/internal/resultbackend"
	"github.com/foundryrun/foundry/internal/runner"
	"github.com/foundryrun/foundry/internal/store"
	"github.com/foundryrun/foundry/internal/types"
)

// Executor runs one task's full dispatch flow against the shared store,
// the result backend, and the broker.
type Executor struct {
	Store   *store.Store
	Backend resultbackend.Backend
	Broker  *broker.Broker
	Session *nativelib.Session
	Cfg     config.Config
}

// maxAutoRetries matches spec: a retriable failure gets exactly one
// automatic retry, routed to the bigger-box queue.
const maxAutoRetries = 1

// Dispatch routes msg to the handler for its queue: compute queues run
// the nine-step task flow, the archive queue packages a job's outputs,
// and the maintenance queue deletes job storage. One Executor, many
// methods, keyed by queue rather than by a separate task type per queue.
func (e *Executor) Dispatch(ctx context.Context, msg *broker.Message) error {
	switch msg.Queue {
	case types.QueueArchive:
		format, _ := msg.PC["format"].(string)
		jobID, _ := msg.PC["job_id"].(string)
		return e.PackageArchive(ctx, jobID, format)
	case types.QueueMaintenance:
		jobID, _ := msg.PC["job_id"].(string)
		return e.CleanupJob(ctx, jobID)
	default:
		return e.RunTask(ctx, msg)
	}
}

// RunTask implements the nine-step compute-task dispatch flow.
func (e *Executor) RunTask(ctx context.Context, msg *broker.Message) error {
	log := logging.WithJobID(msg.TaskID)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskExecutionDuration, msg.Queue)
	metrics.TasksDispatched.WithLabelValues(msg.Queue).Inc()

	adapter := &resultbackend.ProgressAdapter{Backend: e.Backend, Ctx: ctx}
	adapter.MergeMeta(msg.TaskID, map[string]any{"status": string(types.StatusReceived)})

	// Step 1: acquire the native-library session, unless disabled.
	if !e.Cfg.DisableNativeLibrary {
		if err := e.Session.Acquire(e.Cfg.LicenseHost, e.Cfg.LicensePort); err != nil {
			return fmt.Errorf("acquire native library session: %w", err)
		}
		defer e.Session.Reset()
	}

	// Step 2: open a progress tracker scoped to the task.
	timeRequest := time.Now()
	if raw, ok := msg.PC["time_request"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			timeRequest = t
		}
	}
	tracker := progress.New(adapter, msg.TaskID, 1, timeRequest)
	if !timeRequest.IsZero() {
		metrics.SchedulingLatency.Observe(time.Since(timeRequest).Seconds())
	}

	pc := pctx.Context(msg.PC)
	jobID := msg.TaskID
	if parent, ok := pc["job_id"].(string); ok && parent != "" {
		jobID = parent
	}

	// Step 3: prepare input.
	if err := e.prepareInput(jobID, pc); err != nil {
		return e.failNonRetriable(ctx, msg.TaskID, msg.Queue, tracker, err)
	}

	// Step 4: acquire an output directory unless compute_only, and
	// schedule its eventual cleanup.
	if !pc.IsComputeOnly() {
		outDir, err := e.Store.OutputPath(jobID, "")
		if err != nil {
			return e.failNonRetriable(ctx, msg.TaskID, msg.Queue, tracker, err)
		}
		pc["output_dir"] = outDir
		e.scheduleCleanup(jobID)
	}

	// Step 5: materialize the PC.
	pc["params"] = msg.Params
	pc["queue"] = msg.Queue
	pc["retry"] = msg.Retries
	if msg.Retries > 0 {
		count := msg.Retries
		tracker.Retry(&count)
	}

	// Step 6: load and invoke the entrypoint.
	adapter.MergeMeta(msg.TaskID, map[string]any{"status": string(types.StatusStarted)})
	result, err := e.invoke(ctx, msg, tracker, pc)

	if err != nil {
		if isRetriable(err) && msg.Retries < maxAutoRetries {
			return e.retry(ctx, msg, tracker, err)
		}
		return e.failNonRetriable(ctx, msg.TaskID, msg.Queue, tracker, err)
	}

	// Step 9: success.
	tracker.Stop()
	resultMap, _ := result.(map[string]any)
	if !pc.IsRaw() {
		tracker.Output(resultMap)
	}
	adapter.MergeMeta(msg.TaskID, map[string]any{"status": string(types.StatusSuccess)})
	metrics.JobsTotal.WithLabelValues(string(types.StatusSuccess)).Inc()
	log.Info().Msg("task completed successfully")

	if next, remaining, ok := orchestration.PopChainLink(pc); ok {
		if err := e.enqueueNextChainLink(ctx, msg, next, remaining, result); err != nil {
			log.Error().Err(err).Msg("failed to enqueue next chain link")
		}
	}
	return nil
}

// enqueueNextChainLink builds and enqueues the next task in a chain,
// carrying the previous link's return value forward as its params unless
// the link already specifies its own.
func (e *Executor) enqueueNextChainLink(ctx context.Context, prev *broker.Message, next *orchestration.Link, remaining []orchestration.Link, prevResult any) error {
	pc := next.PC
	if pc == nil {
		pc = pctx.New(nil)
	}
	if err := orchestration.AttachChainLinks(pc, remaining); err != nil {
		return err
	}

	params := next.Params
	if len(params) == 0 {
		if m, ok := prevResult.(map[string]any); ok {
			params = m
		} else {
			params = map[string]any{"previous_result": prevResult}
		}
	}

	nextMsg := &broker.Message{
		TaskID:     uuid.NewString(),
		Queue:      broker.Route(pc, nil, next.Queue),
		Entrypoint: next.Entrypoint,
		ScriptPath: next.ScriptPath,
		Symbol:     next.Symbol,
		Params:     params,
		PC:         pc,
		ParentID:   prev.TaskID,
	}
	return e.Broker.Enqueue(ctx, nextMsg)
}

func (e *Executor) prepareInput(jobID string, pc pctx.Context) error {
	data, _ := pc["data"].(string)
	if data == "" {
		return nil
	}

	archivePath, err := e.Store.InputPath(jobID, data)
	if err != nil {
		return err
	}
	extractDir, err := e.Store.InputPath(jobID, "extracted")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return err
	}

	lower := strings.ToLower(data)
	if strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz") {
		if err := extractArchive(archivePath, extractDir); err != nil {
			return err
		}
		rootFile, _ := pc["root_file"].(string)
		resolved, err := resolveRootFile(extractDir, rootFile)
		if err != nil {
			return err
		}
		pc["input_dir"] = extractDir
		pc["input_file"] = resolved
		return nil
	}

	pc["input_dir"] = filepath.Dir(archivePath)
	pc["input_file"] = archivePath
	return nil
}

func (e *Executor) scheduleCleanup(jobID string) {
	if !e.Cfg.CleanupEnabled {
		return
	}
	delay := time.Duration(e.Cfg.CleanupDelay) * time.Second
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		<-timer.C
		msg := &broker.Message{
			TaskID:     uuid.NewString(),
			Queue:      types.QueueMaintenance,
			Entrypoint: "cleanup",
			PC:         pctx.Context{"job_id": jobID},
		}
		if err := e.Broker.Enqueue(context.Background(), msg); err != nil {
			logging.WithJobID(jobID).Warn().Err(err).Msg("failed to schedule cleanup task")
		}
	}()
}

func (e *Executor) invoke(ctx context.Context, msg *broker.Message, tracker *progress.Tracker, pc pctx.Context) (any, error) {
	if builtin, ok := process.Lookup(msg.Entrypoint); ok {
		return builtin(tracker, pc, msg.Params)
	}

	limit := time.Duration(e.Cfg.TimeLimit) * time.Second
	if msg.TimeLimitOverride > 0 {
		limit = time.Duration(msg.TimeLimitOverride) * time.Second
	}
	result, updatedPC, err := runner.Run(ctx, runner.FuncRef{
		ScriptPath: msg.ScriptPath,
		Entrypoint: msg.Entrypoint,
		Symbol:     msg.Symbol,
	}, pc, limit)
	for k, v := range updatedPC {
		pc[k] = v
	}
	return result, err
}

func isRetriable(err error) bool {
	if errors.Is(err, runner.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var signalFault *runner.SignalFault
	var exitFault *runner.ExitFault
	return errors.As(err, &signalFault) || errors.As(err, &exitFault)
}

func (e *Executor) retry(ctx context.Context, msg *broker.Message, tracker *progress.Tracker, cause error) error {
	adapter := &resultbackend.ProgressAdapter{Backend: e.Backend, Ctx: ctx}
	adapter.MergeMeta(msg.TaskID, map[string]any{
		"status": string(types.StatusRetry),
		"result": map[string]any{"error": cause.Error()},
	})
	metrics.TasksRetried.WithLabelValues(msg.Queue).Inc()

	nextQueue := msg.Queue
	nextLimit := e.Cfg.TimeLimit
	if msg.Queue == types.QueueCPU || msg.Queue == types.QueueGPU {
		nextQueue = types.QueueGPUHigh
		nextLimit = e.Cfg.RetryTimeLimit
	}

	retryMsg := *msg
	retryMsg.Queue = nextQueue
	retryMsg.Retries = msg.Retries + 1
	retryMsg.TimeLimitOverride = nextLimit

	return e.Broker.Enqueue(ctx, &retryMsg)
}

// classifyFailure maps a runner fault to the stable exc_type/exc_module
// names spec §4.8/§7/§8 expect (e.g. "Timeout" for a runner.ErrTimeout, not
// its Go type name), carrying the child process's own classification
// through for faults it was able to report over the result frame.
func classifyFailure(cause error) *types.FailureMeta {
	if errors.Is(cause, runner.ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return &types.FailureMeta{ExcType: "Timeout", ExcModule: "runner", ExcMessage: cause.Error()}
	}
	var signalFault *runner.SignalFault
	if errors.As(cause, &signalFault) {
		return &types.FailureMeta{ExcType: "SignalFault", ExcModule: "runner", ExcMessage: cause.Error()}
	}
	var exitFault *runner.ExitFault
	if errors.As(cause, &exitFault) {
		return &types.FailureMeta{ExcType: "ExitFault", ExcModule: "runner", ExcMessage: cause.Error()}
	}
	var scriptFault *runner.ScriptFault
	if errors.As(cause, &scriptFault) {
		return &types.FailureMeta{
			ExcType:      scriptFault.Kind,
			ExcModule:    "script",
			ExcMessage:   scriptFault.Message,
			ExcTraceback: []string{cause.Error()},
		}
	}
	return &types.FailureMeta{ExcType: fmt.Sprintf("%T", cause), ExcMessage: cause.Error()}
}

func (e *Executor) failNonRetriable(ctx context.Context, taskID, queue string, tracker *progress.Tracker, cause error) error {
	tracker.Stop()
	adapter := &resultbackend.ProgressAdapter{Backend: e.Backend, Ctx: ctx}
	failure := classifyFailure(cause)
	adapter.MergeMeta(taskID, map[string]any{
		"status":  string(types.StatusFailure),
		"failure": failure,
	})
	metrics.TasksFailed.WithLabelValues(queue).Inc()
	metrics.JobsTotal.WithLabelValues(string(types.StatusFailure)).Inc()
	logging.WithJobID(taskID).Error().Err(cause).Msg("task failed")
	return cause
}
