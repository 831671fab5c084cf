package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/foundryrun/foundry/internal/broker"
)

// beaconInfo is the JSON payload written to a crash beacon file: enough
// to mark the in-flight task failed if this process dies before
// finishing it.
type beaconInfo struct {
	TaskID     string    `json:"task_id"`
	Queue      string    `json:"queue"`
	Entrypoint string    `json:"entrypoint"`
	StartedAt  time.Time `json:"started_at"`
}

func beaconPath(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("foundry-worker-%d-latest-task.json", pid))
}

// writeBeacon records task as this process's (by pid) in-flight task.
func writeBeacon(task *broker.Message) error {
	info := beaconInfo{
		TaskID:     task.TaskID,
		Queue:      task.Queue,
		Entrypoint: task.Entrypoint,
		StartedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode crash beacon: %w", err)
	}
	return os.WriteFile(beaconPath(os.Getpid()), data, 0o644)
}

// clearBeacon removes this process's beacon file, if any.
func clearBeacon() {
	os.Remove(beaconPath(os.Getpid()))
}

// orphanedBeacons lists beacon files left by processes other than the
// caller, matching the foundry-worker-<pid>-latest-task.json naming
// convention. The caller's own beacon is excluded by matching the
// current pid, and a file whose pid still names a live process belongs
// to a sibling worker on the same host and is skipped; what remains is
// from a process that crashed and never reached clearBeacon.
func orphanedBeacons() ([]string, error) {
	pattern := filepath.Join(os.TempDir(), "foundry-worker-*-latest-task.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob crash beacons: %w", err)
	}
	self := beaconPath(os.Getpid())
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m == self {
			continue
		}
		var pid int
		if _, err := fmt.Sscanf(filepath.Base(m), "foundry-worker-%d-latest-task.json", &pid); err == nil {
			if p, err := os.FindProcess(pid); err == nil && p.Signal(syscall.Signal(0)) == nil {
				continue
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func readBeaconFile(path string) (*beaconInfo, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var info beaconInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, false
	}
	return &info, true
}
