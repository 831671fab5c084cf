// Package runner executes a script entrypoint under fault isolation: a
// re-exec'd child process when possible, so a native-library crash,
// segfault, or runaway timeout can't take the worker process down with it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/foundryrun/foundry/internal/script"
)

// maxTimeLimit is the ceiling past which a time limit is treated as
// unbounded; larger values overflow some platforms' poll/select timeout
// arguments.
const maxTimeLimit = 24 * time.Hour

// ErrTimeout is returned when an entrypoint exceeds its time limit.
var ErrTimeout = errors.New("runner: execution exceeded its time limit")

// ExitFault reports a child process that exited non-zero without handing
// back a result frame.
type ExitFault struct{ Code int }

func (e *ExitFault) Error() string {
	return fmt.Sprintf("runner: entrypoint process exited with code %d", e.Code)
}

// SignalFault reports a child process killed by a signal (segfault,
// OOM-kill, and similar).
type SignalFault struct{ Signal int }

func (e *SignalFault) Error() string {
	return fmt.Sprintf("runner: entrypoint process was killed by signal %d", e.Signal)
}

// FuncRef identifies the compiled plugin and symbol to invoke.
type FuncRef struct {
	ScriptPath string
	Entrypoint string
	Symbol     string
}

var (
	mainProcessOnce sync.Once
	isMainProcess   bool
)

// SetMainProcess marks the calling process as the top-level worker
// process, the only one allowed to re-exec entrypoint children. Call this
// once from main() before any task is dispatched.
func SetMainProcess() {
	mainProcessOnce.Do(func() { isMainProcess = true })
}

// IsMainProcess reports whether SetMainProcess has been called in this
// process.
func IsMainProcess() bool {
	return isMainProcess
}

// Outcome is the JSON-serializable payload a child process hands back
// over the result pipe.
type Outcome struct {
	OK  *okOutcome  `json:"ok,omitempty"`
	Err *errOutcome `json:"err,omitempty"`
}

type okOutcome struct {
	Result any            `json:"result"`
	PC     map[string]any `json:"pc"`
}

type errOutcome struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Run executes entry with pc, isolating it in a re-exec'd child process
// when running as the main process on a platform that supports it, and
// falling back to an in-process call otherwise. limit <= 0 means
// unbounded; a limit above maxTimeLimit is coerced to unbounded.
func Run(ctx context.Context, entry FuncRef, pc map[string]any, limit time.Duration) (any, map[string]any, error) {
	if limit > maxTimeLimit {
		limit = 0
	}
	if IsMainProcess() && isolationSupported() {
		return runIsolated(ctx, entry, pc, limit)
	}
	return runInline(ctx, entry, pc)
}

func runInline(ctx context.Context, entry FuncRef, pc map[string]any) (any, map[string]any, error) {
	fn, err := script.Load(entry.ScriptPath, entry.Symbol)
	if err != nil {
		return nil, pc, err
	}

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn(pc, paramsFrom(pc))
		done <- result{val, err}
	}()

	select {
	case <-ctx.Done():
		return nil, pc, ctx.Err()
	case r := <-done:
		return r.val, pc, r.err
	}
}

func paramsFrom(pc map[string]any) map[string]any {
	if p, ok := pc["params"].(map[string]any); ok {
		return p
	}
	return map[string]any{}
}
