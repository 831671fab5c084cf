package executor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/config"
	"github.com/foundryrun/foundry/internal/nativelib"
	"github.com/foundryrun/foundry/internal/pctx"
	"github.com/foundryrun/foundry/internal/resultbackend"
	"github.com/foundryrun/foundry/internal/runner"
	"github.com/foundryrun/foundry/internal/store"
	"github.com/foundryrun/foundry/internal/types"
)

func TestClassifyFailureMapsRunnerFaultsToStableExcType(t *testing.T) {
	if got := classifyFailure(runner.ErrTimeout).ExcType; got != "Timeout" {
		t.Fatalf("expected exc_type Timeout, got %q", got)
	}
	if got := classifyFailure(&runner.SignalFault{Signal: 11}).ExcType; got != "SignalFault" {
		t.Fatalf("expected exc_type SignalFault, got %q", got)
	}
	if got := classifyFailure(&runner.ExitFault{Code: 1}).ExcType; got != "ExitFault" {
		t.Fatalf("expected exc_type ExitFault, got %q", got)
	}
	scriptFault := &runner.ScriptFault{Kind: "EntrypointError", Message: "boom"}
	failure := classifyFailure(scriptFault)
	if failure.ExcType != "EntrypointError" || failure.ExcMessage != "boom" {
		t.Fatalf("expected script fault's own kind/message to carry through, got %+v", failure)
	}
}

func newTestExecutor(t *testing.T) (*Executor, *broker.Broker, resultbackend.Backend) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := broker.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	backend, err := resultbackend.Open("bolt://" + filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("resultbackend.Open: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	return &Executor{
		Store:   s,
		Backend: backend,
		Broker:  b,
		Session: &nativelib.Session{},
		Cfg: config.Config{
			DisableNativeLibrary: true,
			CleanupEnabled:       false,
			TimeLimit:            2400,
			RetryTimeLimit:       3600,
		},
	}, b, backend
}

func TestRunTaskSleepSucceeds(t *testing.T) {
	ex, _, backend := newTestExecutor(t)
	ctx := context.Background()

	taskID := uuid.NewString()
	msg := &broker.Message{
		TaskID:     taskID,
		Queue:      types.QueueCPU,
		Entrypoint: "sleep",
		Params:     map[string]any{"duration": 0.01},
		PC:         pctx.New(map[string]any{"compute_only": true}),
	}

	if err := ex.RunTask(ctx, msg); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	meta, found, err := backend.Get(ctx, taskID)
	if err != nil || !found {
		t.Fatalf("expected task meta to exist, err=%v", err)
	}
	if meta.Status != types.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", meta.Status)
	}
	if meta.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", meta.Progress)
	}
	if meta.Result["sleep"] != 0.01 {
		t.Fatalf("unexpected result %v", meta.Result)
	}
}

func TestRunTaskUnknownEntrypointFails(t *testing.T) {
	ex, _, backend := newTestExecutor(t)
	ctx := context.Background()

	taskID := uuid.NewString()
	msg := &broker.Message{
		TaskID:     taskID,
		Queue:      types.QueueCPU,
		Entrypoint: "does-not-exist",
		PC:         pctx.New(map[string]any{"compute_only": true}),
	}

	if err := ex.RunTask(ctx, msg); err == nil {
		t.Fatal("expected RunTask to fail for an unknown script path")
	}

	meta, found, err := backend.Get(ctx, taskID)
	if err != nil || !found {
		t.Fatalf("expected task meta to exist, err=%v", err)
	}
	if meta.Status != types.StatusFailure {
		t.Fatalf("expected FAILURE, got %s", meta.Status)
	}
	if meta.Failure == nil {
		t.Fatal("expected failure meta to be recorded")
	}
}
