package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/foundryrun/foundry/internal/logging"
	"github.com/foundryrun/foundry/internal/metrics"
	"github.com/foundryrun/foundry/internal/store"
)

// CleanupTask removes path, the maintenance-queue handler for a delayed
// cleanup scheduled after a job went terminal. For a directory it
// re-verifies, as a second line of defense against traversal, that path
// sits inside the shared store and starts with a valid job id before
// deleting anything.
func (e *Executor) CleanupTask(ctx context.Context, path string, isDir bool) error {
	log := logging.WithComponent("cleanup")

	if !isDir {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				log.Warn().Str("path", path).Msg("cleanup target already gone")
				metrics.CleanupsTotal.WithLabelValues("already_gone").Inc()
				return nil
			}
			metrics.CleanupsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("remove %s: %w", path, err)
		}
		metrics.CleanupsTotal.WithLabelValues("removed").Inc()
		return nil
	}

	if err := e.verifyWithinShare(path); err != nil {
		metrics.CleanupsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("cleanup target already gone")
			metrics.CleanupsTotal.WithLabelValues("already_gone").Inc()
			return nil
		}
		metrics.CleanupsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("remove directory %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("cleaned up job storage")
	metrics.CleanupsTotal.WithLabelValues("removed").Inc()
	return nil
}

// CleanupJob is the common case: deleting a job's entire storage tree
// once its cleanup delay has elapsed.
func (e *Executor) CleanupJob(ctx context.Context, jobID string) error {
	dir, err := e.Store.JobDir(jobID)
	if err != nil {
		return err
	}
	return e.CleanupTask(ctx, dir, true)
}

// verifyWithinShare confirms path lies under the store root and that its
// first path segment relative to the root is a valid job id, independent
// of whatever validation the caller already performed.
func (e *Executor) verifyWithinShare(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(e.Store.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove path outside shared store: %s", path)
	}
	jobID := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	if !store.ValidJobID(jobID) {
		return fmt.Errorf("refusing to remove path not matching job layout: %s", path)
	}
	return nil
}
