package progress

import (
	"testing"
	"time"
)

type fakeStore struct {
	updates []map[string]any
}

func (f *fakeStore) MergeMeta(taskID string, updates map[string]any) error {
	f.updates = append(f.updates, updates)
	return nil
}

func TestNewRecordsStartTimeInfo(t *testing.T) {
	fs := &fakeStore{}
	New(fs, "task-1", 3, time.Now())

	if len(fs.updates) != 1 {
		t.Fatalf("expected exactly one update on New, got %d", len(fs.updates))
	}
	if _, ok := fs.updates[0]["time_info"]; !ok {
		t.Fatal("expected time_info in the initial store call")
	}
}

func TestNextAdvancesPercent(t *testing.T) {
	fs := &fakeStore{}
	tr := New(fs, "task-1", 2, time.Now())

	tr.Next("step a", nil)
	if tr.Percent() != 0 {
		t.Fatalf("expected 0%% after first step starts, got %d", tr.Percent())
	}
	tr.Next("step b", nil)
	if tr.Percent() != 50 {
		t.Fatalf("expected 50%% after second step starts, got %d", tr.Percent())
	}
}

func TestStopClosesFinalStepAndSetsFullProgress(t *testing.T) {
	fs := &fakeStore{}
	tr := New(fs, "task-1", 2, time.Now())
	tr.Next("step a", nil)
	tr.Stop()

	if tr.Percent() != 100 {
		t.Fatalf("expected 100%% after Stop, got %d", tr.Percent())
	}
	steps := tr.Steps()
	if len(steps) != 1 {
		t.Fatalf("expected exactly one recorded step, got %d", len(steps))
	}
	if steps[0].Duration < 0 {
		t.Fatalf("expected the final step's duration to be closed out, got %v", steps[0].Duration)
	}
}

func TestNextPersistsRunningStatus(t *testing.T) {
	fs := &fakeStore{}
	tr := New(fs, "task-1", 2, time.Now())
	tr.Next("step a", nil)

	last := fs.updates[len(fs.updates)-1]
	if last["status"] != "RUNNING" {
		t.Fatalf("expected status RUNNING on a step transition, got %v", last["status"])
	}
}

func TestRetryIncrementsByDefault(t *testing.T) {
	fs := &fakeStore{}
	tr := New(fs, "task-1", 1, time.Now())
	tr.Retry(nil)
	tr.Retry(nil)

	last := fs.updates[len(fs.updates)-1]
	if last["retry"] != 2 {
		t.Fatalf("expected retry count 2, got %v", last["retry"])
	}
}
