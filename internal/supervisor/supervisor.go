// Package supervisor owns a worker process's lifecycle: boot-time
// license acquisition, the crash beacon a task's PreRun/PostRun hooks
// maintain, startup recovery of whatever a previous crash left behind,
// and the periodic reaper that requeues stale late-ack reservations.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/config"
	"github.com/foundryrun/foundry/internal/logging"
	"github.com/foundryrun/foundry/internal/nativelib"
	"github.com/foundryrun/foundry/internal/resultbackend"
	"github.com/foundryrun/foundry/internal/types"
)

// Supervisor coordinates one worker process's boot, per-task hooks, and
// shutdown against the broker, the result backend, and the native
// library session.
type Supervisor struct {
	Cfg     config.Config
	Broker  *broker.Broker
	Backend resultbackend.Backend
	Session *nativelib.Session

	WorkerID string

	logger zerolog.Logger

	mu             sync.Mutex
	tasksProcessed int
	stopOnce       sync.Once
	stopCh         chan struct{}
}

// New returns a Supervisor for workerID, a name unique to this process
// used both to key its broker processing list and to name its crash
// beacon file.
func New(cfg config.Config, b *broker.Broker, backend resultbackend.Backend, session *nativelib.Session, workerID string) *Supervisor {
	return &Supervisor{
		Cfg:      cfg,
		Broker:   b,
		Backend:  backend,
		Session:  session,
		WorkerID: workerID,
		logger:   logging.WithComponent("supervisor"),
		stopCh:   make(chan struct{}),
	}
}

// Boot acquires the native-library session up front when configured to,
// exiting the process on failure: a worker that can't get a license is
// useless and should not stay registered to receive tasks.
func (s *Supervisor) Boot(ctx context.Context) error {
	if !s.Cfg.LicenseAcquireAtStart || s.Cfg.DisableNativeLibrary {
		return nil
	}
	if err := s.Session.Acquire(s.Cfg.LicenseHost, s.Cfg.LicensePort); err != nil {
		s.logger.Error().Err(err).Msg("license server not found, invalid, or no license available")
		s.broadcastShutdown(ctx)
		os.Exit(100)
	}
	return nil
}

// broadcastShutdown enqueues a shutdown signal on the control queue for
// every worker sharing this broker to observe.
func (s *Supervisor) broadcastShutdown(ctx context.Context) {
	msg := &broker.Message{
		TaskID:     "shutdown-" + s.WorkerID,
		Queue:      types.QueueControl,
		Entrypoint: "shutdown",
	}
	if err := s.Broker.Enqueue(ctx, msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to broadcast shutdown")
	}
}

// PreRun records task as the in-flight task beacon before execution
// starts, so a crash mid-task leaves a trail for Recover to find on the
// next boot.
func (s *Supervisor) PreRun(task *broker.Message) error {
	return writeBeacon(task)
}

// PostRun clears the beacon after a task attempt finishes, successfully
// or not, and requests a graceful shutdown once the configured task
// quota for this process is reached.
func (s *Supervisor) PostRun(ctx context.Context) {
	clearBeacon()

	s.mu.Lock()
	s.tasksProcessed++
	reachedQuota := s.Cfg.MaxTasksBeforeShutdown > 0 && s.tasksProcessed >= s.Cfg.MaxTasksBeforeShutdown
	s.mu.Unlock()

	if reachedQuota {
		s.logger.Info().Int("tasks_processed", s.tasksProcessed).Msg("reached max tasks before shutdown, broadcasting shutdown")
		s.broadcastShutdown(ctx)
		s.Stop()
	}
}

// Recover looks for beacons left behind by previous instances of this
// worker binary that crashed mid-task, and marks each such task FAILURE
// in the result backend rather than leaving it stuck in RUNNING forever.
func (s *Supervisor) Recover(ctx context.Context) error {
	paths, err := orphanedBeacons()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}

	adapter := &resultbackend.ProgressAdapter{Backend: s.Backend, Ctx: ctx}
	for _, path := range paths {
		info, ok := readBeaconFile(path)
		if !ok {
			os.Remove(path)
			continue
		}
		s.logger.Warn().Str("task_id", info.TaskID).Str("beacon", path).Msg("found crash beacon from a previous run, marking task as failed")
		if mergeErr := adapter.MergeMeta(info.TaskID, map[string]any{
			"status": string(types.StatusFailure),
			"failure": &types.FailureMeta{
				ExcType:    "SystemError",
				ExcMessage: "Not enough memory or segfault",
			},
		}); mergeErr != nil {
			s.logger.Error().Err(mergeErr).Str("task_id", info.TaskID).Msg("failed to mark crashed task as failed")
		}
		os.Remove(path)
	}
	return nil
}

// Shutdown releases the native-library session and stops the reaper
// loop, if running.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.Stop()
	if !s.Cfg.DisableNativeLibrary && s.Session.IsAcquired() {
		if err := s.Session.Release(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to release native library session at shutdown")
		}
	}
}

// Stop signals any running reaper loop to exit. Safe to call more than
// once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunReaper periodically requeues this worker's own stale processing
// entries, guarding against a restart that left late-ack reservations
// orphaned on its processing list.
func (s *Supervisor) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("reaper started")
	for {
		select {
		case <-ticker.C:
			if err := s.reapOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reap cycle failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("reaper stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// reapOnce requeues every entry left on this worker's processing list.
// It is only safe to call this for a worker id that is not also
// currently being served by a live process instance: callers run it at
// boot, before any task has been reserved under this process's run.
func (s *Supervisor) reapOnce(ctx context.Context) error {
	entries, err := s.Broker.ProcessingEntries(ctx, s.WorkerID)
	if err != nil {
		return fmt.Errorf("list processing entries: %w", err)
	}
	for _, raw := range entries {
		if err := s.Broker.RequeueEntry(ctx, s.WorkerID, raw); err != nil {
			s.logger.Error().Err(err).Msg("failed to requeue stale processing entry")
			continue
		}
		s.logger.Warn().Msg("requeued stale processing entry left by a previous run")
	}
	return nil
}
