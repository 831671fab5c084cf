// Package progress implements the step/percentage tracker a running task
// reports through, and that the API surface reads back to show a job's
// live status.
package progress

import (
	"strconv"
	"time"

	"github.com/foundryrun/foundry/internal/types"
)

// MetaStore is the subset of the result backend a Tracker needs: a way to
// merge fields into a task's stored metadata. Kept as a narrow interface
// so this package doesn't import the backend implementation.
type MetaStore interface {
	MergeMeta(taskID string, updates map[string]any) error
}

// Tracker reports a task's progress as a sequence of named steps, each
// contributing 1/stepTotal of the total percentage once it completes.
type Tracker struct {
	store MetaStore

	taskID     string
	stepTotal  int
	retryCount int

	steps         []types.Step
	stepStartedAt time.Time

	timeRequest time.Time
	timeStarted time.Time
	timeStopped time.Time
}

// New starts a new Tracker for taskID, immediately recording a start
// time_info entry. timeRequest is the moment the task was enqueued; if
// zero, time_info.request is left empty.
func New(store MetaStore, taskID string, stepTotal int, timeRequest time.Time) *Tracker {
	if stepTotal <= 0 {
		stepTotal = 1
	}
	t := &Tracker{
		store:       store,
		taskID:      taskID,
		stepTotal:   stepTotal,
		timeRequest: timeRequest,
		timeStarted: time.Now().UTC(),
	}
	t.start()
	return t
}

func (t *Tracker) start() {
	t.timeStarted = time.Now().UTC()
	t.store.MergeMeta(t.taskID, map[string]any{"time_info": t.timeInfo()})
}

// SetTotal changes the step total used for the percentage calculation,
// used by chain/group orchestration once the descendant count is known.
func (t *Tracker) SetTotal(total int) {
	if total <= 0 {
		total = 1
	}
	t.stepTotal = total
}

// percent returns the completion percentage based on the number of steps
// already finished, not the one currently in flight. Once Stop has run it
// is 100.
func (t *Tracker) percent() int {
	if !t.timeStopped.IsZero() {
		return 100
	}
	stepEnded := 0
	if len(t.steps) > 0 {
		stepEnded = len(t.steps) - 1
	}
	return int(float64(stepEnded) / float64(t.stepTotal) * 100.0)
}

func (t *Tracker) timeInfo() types.TimeInfo {
	info := types.TimeInfo{}
	if !t.timeRequest.IsZero() {
		info.Request = t.timeRequest.UTC().Format(time.RFC3339)
	}
	if !t.timeStarted.IsZero() {
		info.Started = t.timeStarted.UTC().Format(time.RFC3339)
	}
	if !t.timeStopped.IsZero() {
		info.Stopped = t.timeStopped.UTC().Format(time.RFC3339)
	}
	return info
}

func (t *Tracker) addStepInfo(info string) {
	now := time.Now()
	if len(t.steps) > 0 {
		t.steps[len(t.steps)-1].Duration = now.Sub(t.stepStartedAt).Seconds()
	}
	isTransition := info != "end"
	if isTransition {
		t.stepStartedAt = now
		t.steps = append(t.steps, types.Step{Info: info, Duration: -1})
	}
	update := map[string]any{
		"progress": t.percent(),
		"steps":    t.steps,
	}
	if isTransition {
		// Per spec, next() persists progress/steps "with state RUNNING" —
		// the first step transition is what moves a task out of STARTED.
		update["status"] = string(types.StatusRunning)
	}
	t.store.MergeMeta(t.taskID, update)
}

// Next records the completion of the previous step and the start of a new
// one named info, defaulting to "step N" when info is empty.
func (t *Tracker) Next(info string, extra map[string]any) {
	if info == "" {
		info = stepLabel(len(t.steps))
	}
	t.addStepInfo(info)
	if len(extra) > 0 {
		t.store.MergeMeta(t.taskID, extra)
	}
}

func stepLabel(n int) string {
	return "step " + strconv.Itoa(n)
}

// Output stores a final result payload, as the last thing a step does
// before handing control back to the caller.
func (t *Tracker) Output(result map[string]any) {
	t.store.MergeMeta(t.taskID, map[string]any{"result": result})
}

// Retry increments (or sets, if explicit) the retry counter and persists
// it.
func (t *Tracker) Retry(count *int) {
	if count != nil {
		t.retryCount = *count
	} else {
		t.retryCount++
	}
	t.store.MergeMeta(t.taskID, map[string]any{"retry": t.retryCount})
}

// Stop finalizes the tracker: closes out the last step, records the stop
// time, and forces progress to 100.
func (t *Tracker) Stop() {
	t.addStepInfo("end")
	t.timeStopped = time.Now().UTC()
	t.store.MergeMeta(t.taskID, map[string]any{
		"time_info": t.timeInfo(),
		"progress":  100,
	})
}

// Steps returns the step log recorded so far.
func (t *Tracker) Steps() []types.Step {
	return t.steps
}

// Percent returns the current completion percentage.
func (t *Tracker) Percent() int {
	return t.percent()
}
