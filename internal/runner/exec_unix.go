//go:build !windows

package runner

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/foundryrun/foundry/internal/logging"
)

func isolationSupported() bool { return true }

// runIsolated re-execs the current binary as a child process running
// "foundry internal run-entrypoint", handing it the script path and
// entrypoint on the command line and the program context over a pipe.
// The child's own exit is the native-library "reset" Go plugins can't
// otherwise provide.
func runIsolated(ctx context.Context, entry FuncRef, pc map[string]any, limit time.Duration) (any, map[string]any, error) {
	log := logging.WithComponent("runner")

	exe, err := os.Executable()
	if err != nil {
		return nil, pc, err
	}

	pcR, pcW, err := os.Pipe()
	if err != nil {
		return nil, pc, err
	}
	resR, resW, err := os.Pipe()
	if err != nil {
		pcR.Close()
		pcW.Close()
		return nil, pc, err
	}

	cmd := exec.Command(exe, "internal", "run-entrypoint", entry.ScriptPath, entry.Entrypoint, entry.Symbol)
	cmd.ExtraFiles = []*os.File{pcR, resW}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pcR.Close()
		pcW.Close()
		resR.Close()
		resW.Close()
		return nil, pc, err
	}
	pcR.Close()
	resW.Close()

	// Write the PC frame in the background: a large payload could exceed
	// the pipe buffer, and the child won't start reading until after its
	// own exec has completed.
	go func() {
		_ = writeFrame(pcW, pc)
		pcW.Close()
	}()

	type waitResult struct {
		outcome Outcome
		readErr error
	}
	frameCh := make(chan waitResult, 1)
	go func() {
		var out Outcome
		err := readFrame(resR, &out)
		frameCh <- waitResult{out, err}
	}()

	doneCh := make(chan error, 1)
	go func() { doneCh <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var wr waitResult
	var haveFrame bool
	var waitErr error
	var waitDone bool

	for !(haveFrame && waitDone) {
		select {
		case wr = <-frameCh:
			haveFrame = true
		case waitErr = <-doneCh:
			waitDone = true
		case <-timeoutCh:
			killGroup(cmd)
			<-doneCh
			resR.Close()
			return nil, pc, ErrTimeout
		case <-ctx.Done():
			terminateGroup(cmd)
			<-doneCh
			resR.Close()
			return nil, pc, ctx.Err()
		}
	}
	resR.Close()

	if wr.readErr != nil || (wr.outcome.OK == nil && wr.outcome.Err == nil) {
		return nil, pc, exitOrSignalFault(waitErr)
	}
	if wr.outcome.Err != nil {
		log.Error().Str("kind", wr.outcome.Err.Kind).Msg(wr.outcome.Err.Message)
		return nil, pc, &ScriptFault{wr.outcome.Err.Kind, wr.outcome.Err.Message}
	}
	return wr.outcome.OK.Result, wr.outcome.OK.PC, nil
}

// ScriptFault reports an entrypoint failure the child process was able to
// report cleanly over the result frame (a loader error or the
// entrypoint's own returned error), as opposed to a crash the parent only
// observes as a signal or bare exit code. Kind carries the child's own
// classification (e.g. "EntrypointError", "LoadError", "FrameError") so
// the executor can surface it as the task's exc_type.
type ScriptFault struct {
	Kind    string
	Message string
}

func (e *ScriptFault) Error() string { return e.Kind + ": " + e.Message }

func exitOrSignalFault(waitErr error) error {
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		if waitErr != nil {
			return waitErr
		}
		return &ExitFault{Code: -1}
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return &ExitFault{Code: exitErr.ExitCode()}
	}
	if ws.Signaled() {
		return &SignalFault{Signal: int(ws.Signal())}
	}
	return &ExitFault{Code: ws.ExitStatus()}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// terminateGroup sends SIGTERM, then escalates to SIGKILL after a short
// grace period, for a best-effort shutdown when the parent context is
// canceled rather than timed out.
func terminateGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(2 * time.Second)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
