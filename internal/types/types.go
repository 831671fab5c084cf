// Package types defines the data model shared by every Foundry component:
// jobs, steps, the serializable program context envelope, and the task
// metadata record persisted in the result backend.
package types

import "time"

// JobStatus is the lifecycle state of a Job, mirroring the Celery-derived
// state machine this system was distilled from.
type JobStatus string

const (
	StatusSent     JobStatus = "SENT"
	StatusPending  JobStatus = "PENDING"
	StatusReceived JobStatus = "RECEIVED"
	StatusStarted  JobStatus = "STARTED"
	StatusRunning  JobStatus = "RUNNING"
	StatusSuccess  JobStatus = "SUCCESS"
	StatusFailure  JobStatus = "FAILURE"
	StatusRetry    JobStatus = "RETRY"
	StatusRevoked  JobStatus = "REVOKED"
	StatusUnknown  JobStatus = "UNKNOWN"
)

// Terminal reports whether the status is a final state for the job.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked:
		return true
	default:
		return false
	}
}

// Queue names. gpuhigh is the "bigger box" retry queue, distinct from gpu.
const (
	QueueCPU         = "cpu"
	QueueGPU         = "gpu"
	QueueGPUHigh     = "gpuhigh"
	QueueArchive     = "archive"
	QueueMaintenance = "maintenance"
	QueueControl     = "control"
)

// Step is one element of a Job's progress log. Duration is -1 while the
// step is in flight.
type Step struct {
	Info     string  `json:"info"`
	Duration float64 `json:"duration"`
}

// Job is the user-visible aggregate, keyed by a version-4 UUID.
type Job struct {
	ID          string         `json:"id"`
	Alias       string         `json:"name,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	TerminalAt  *time.Time     `json:"terminal_at,omitempty"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	Error       string         `json:"error,omitempty"`
	Steps       []Step         `json:"steps"`
	Retry       int            `json:"retry"`
	Result      map[string]any `json:"result,omitempty"`
	TimeLimit   int            `json:"time_limit"`
	Queue       string         `json:"queue"`
	Entrypoint  string         `json:"entrypoint"`
	Script      string         `json:"script"`
	Data        string         `json:"data,omitempty"`
}

// TimeInfo tracks the request/start/stop timestamps of a task attempt.
type TimeInfo struct {
	Request string `json:"request,omitempty"`
	Started string `json:"started,omitempty"`
	Stopped string `json:"stopped,omitempty"`
}

// FailureMeta is recorded on a non-retriable task failure.
type FailureMeta struct {
	ExcType      string   `json:"exc_type"`
	ExcModule    string   `json:"exc_module,omitempty"`
	ExcTraceback []string `json:"exc_traceback,omitempty"`
	ExcMessage   string   `json:"exc_message"`
}

// TaskMeta is the record stored in the result backend under
// "task-meta:<id>".
type TaskMeta struct {
	Status     JobStatus      `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Traceback  []string       `json:"traceback,omitempty"`
	Children   []string       `json:"children,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	GroupID    string         `json:"group_id,omitempty"`
	DateDone   *time.Time     `json:"date_done,omitempty"`
	Progress   int            `json:"progress"`
	Steps      []Step         `json:"steps,omitempty"`
	TimeInfo   TimeInfo       `json:"time_info"`
	ShadowName string         `json:"shadow_name,omitempty"`
	Retry      int            `json:"retry"`
	Failure    *FailureMeta   `json:"failure,omitempty"`

	// Submission-time fields, set once when a job is created and never
	// overwritten afterward, carried in TaskMeta so the HTTP surface can
	// render a full JobState without a second store.
	Alias      string    `json:"name,omitempty"`
	Queue      string    `json:"queue,omitempty"`
	Entrypoint string    `json:"entrypoint,omitempty"`
	Script     string    `json:"script,omitempty"`
	Data       string    `json:"data,omitempty"`
	TimeLimit  int       `json:"time_limit,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// ToJob projects the stored metadata into the user-visible Job shape
// returned by the HTTP surface.
func (m *TaskMeta) ToJob(id string) *Job {
	job := &Job{
		ID:          id,
		Alias:       m.Alias,
		SubmittedAt: m.SubmittedAt,
		Status:      m.Status,
		Progress:    m.Progress,
		Steps:       m.Steps,
		Retry:       m.Retry,
		Result:      m.Result,
		TimeLimit:   m.TimeLimit,
		Queue:       m.Queue,
		Entrypoint:  m.Entrypoint,
		Script:      m.Script,
		Data:        m.Data,
	}
	if m.Failure != nil {
		job.Error = m.Failure.ExcMessage
	}
	if stopped := m.ResolvedStoppedAt(); stopped != "" {
		if t, err := time.Parse(time.RFC3339, stopped); err == nil {
			job.TerminalAt = &t
		}
	}
	return job
}

// ResolvedStoppedAt returns time_info.stopped, falling back to DateDone
// when Stopped is empty at a terminal status, or "" when neither applies.
func (m *TaskMeta) ResolvedStoppedAt() string {
	if m.TimeInfo.Stopped != "" {
		return m.TimeInfo.Stopped
	}
	if m.Status.Terminal() && m.DateDone != nil {
		return m.DateDone.UTC().Format(time.RFC3339)
	}
	return ""
}
