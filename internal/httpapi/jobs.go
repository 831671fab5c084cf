package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/foundryrun/foundry/internal/apierr"
	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/pctx"
	"github.com/foundryrun/foundry/internal/process"
	"github.com/foundryrun/foundry/internal/script"
	"github.com/foundryrun/foundry/internal/store"
	"github.com/foundryrun/foundry/internal/types"
)

// immutableConfigKeys are worker config overrides a submitter isn't
// allowed to set, since they're derived from the upload itself.
var immutableConfigKeys = []string{"script", "data", "shadow", "uuid"}

// maxUploadMemory bounds how much of a multipart submission is buffered
// in memory before spilling to temp files.
const maxUploadMemory = 32 << 20

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindClientValidation, "invalid multipart form: "+err.Error()))
		return
	}

	processName := r.FormValue("process")
	if processName == "" {
		processName = "custom"
	}
	alias := r.FormValue("name")

	params, aerr := parseJSONForm(r, "params")
	if aerr != nil {
		apierr.WriteJSON(w, aerr)
		return
	}
	userConfig, aerr := parseJSONForm(r, "config")
	if aerr != nil {
		apierr.WriteJSON(w, aerr)
		return
	}
	for _, k := range immutableConfigKeys {
		delete(userConfig, k)
	}

	jobID := uuid.NewString()

	scriptPath, entrypoint, symbol, directive, aerr := s.resolveProcess(jobID, processName, r)
	if aerr != nil {
		apierr.WriteJSON(w, aerr)
		return
	}

	dataName := ""
	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		if _, err := s.Store.StreamUpload(jobID, header.Filename, file); err != nil {
			apierr.WriteJSON(w, apierr.New(apierr.KindInternal, err.Error()))
			return
		}
		dataName = header.Filename
	}

	pc := pctx.New(map[string]any{
		"job_id":     jobID,
		"data":       dataName,
		"entrypoint": entrypoint,
		"shadow":     alias,
		"time_limit": s.Cfg.TimeLimit,
	})
	pc.Update(userConfig)

	queue := broker.Route(pc, directive, "")
	msg := &broker.Message{
		TaskID:     jobID,
		Queue:      queue,
		Entrypoint: entrypoint,
		ScriptPath: scriptPath,
		Symbol:     symbol,
		Params:     params,
		PC:         pc,
	}

	meta := &types.TaskMeta{
		Status:      types.StatusSent,
		Alias:       alias,
		Queue:       queue,
		Entrypoint:  entrypoint,
		Script:      scriptPath,
		Data:        dataName,
		TimeLimit:   s.Cfg.TimeLimit,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.Backend.Put(ctx, jobID, meta); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindInternal, err.Error()))
		return
	}
	if err := s.Broker.Enqueue(ctx, msg); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindBrokerUnavailable, "failed to enqueue task"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uuid":   jobID,
		"name":   alias,
		"status": string(types.StatusSent),
	})
}

// resolveProcess validates the process form field and returns the
// script path, entrypoint, plugin symbol, and scheduling directive a
// submission should enqueue with.
func (s *Server) resolveProcess(jobID, processName string, r *http.Request) (scriptPath, entrypoint, symbol string, directive *script.Directive, aerr *apierr.Error) {
	if processName == "custom" {
		uploaded, header, err := r.FormFile("script")
		if err != nil {
			return "", "", "", nil, apierr.New(apierr.KindClientValidation, "'custom' process requires a 'script' file")
		}
		defer uploaded.Close()

		srcPath, err := s.Store.StreamUpload(jobID, "script.go", uploaded)
		if err != nil {
			return "", "", "", nil, apierr.New(apierr.KindInternal, err.Error())
		}
		pluginPath := srcPath[:len(srcPath)-len(".go")] + ".so"
		if err := compileCustomScript(srcPath, pluginPath); err != nil {
			return "", "", "", nil, apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid script %q: %v", header.Filename, err))
		}
		dir, err := script.Inspect(srcPath, "main")
		if err != nil {
			return "", "", "", nil, apierr.New(apierr.KindClientValidation, "the script file does not have the function main")
		}
		return pluginPath, "main", "main", dir, nil
	}

	if _, ok := process.Lookup(processName); ok {
		return "", processName, "", nil, nil
	}

	names, err := script.ListNames(s.Cfg.ProcessDir)
	if err != nil {
		return "", "", "", nil, apierr.New(apierr.KindInternal, err.Error())
	}
	if !contains(names, processName) {
		return "", "", "", nil, apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid process %q", processName))
	}

	srcPath := script.SourcePath(s.Cfg.ProcessDir, processName)
	dir, err := script.Inspect(srcPath, "main")
	if err != nil {
		return "", "", "", nil, apierr.New(apierr.KindClientValidation, "the script file does not have the function main")
	}
	return script.PluginPath(s.Cfg.ProcessDir, processName), "main", "main", dir, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// parseJSONForm decodes formKey's value as a JSON object, returning an
// empty map if the field is absent.
func parseJSONForm(r *http.Request, formKey string) (map[string]any, *apierr.Error) {
	raw := r.FormValue(formKey)
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid JSON string for %q: %v", formKey, err))
	}
	return out, nil
}

// jobSummary is the abbreviated JobState shape returned by the job
// listing and single-job endpoints.
type jobSummary struct {
	ID          string          `json:"id"`
	Alias       string          `json:"name,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	TerminalAt  *time.Time      `json:"terminal_at,omitempty"`
	Status      types.JobStatus `json:"status"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	TimeLimit   int             `json:"time_limit"`
	Queue       string          `json:"queue"`
	Entrypoint  string          `json:"entrypoint"`
	Script      string          `json:"script"`
	Data        string          `json:"data,omitempty"`
}

func summaryFromJob(job *types.Job) jobSummary {
	return jobSummary{
		ID:          job.ID,
		Alias:       job.Alias,
		SubmittedAt: job.SubmittedAt,
		TerminalAt:  job.TerminalAt,
		Status:      job.Status,
		Progress:    job.Progress,
		Error:       job.Error,
		TimeLimit:   job.TimeLimit,
		Queue:       job.Queue,
		Entrypoint:  job.Entrypoint,
		Script:      job.Script,
		Data:        job.Data,
	}
}

// jobDetailsBody is the expanded JobDetails shape, adding the fields the
// basic job state omits.
type jobDetailsBody struct {
	jobSummary
	Steps    []types.Step   `json:"steps"`
	Retry    int            `json:"retry"`
	Result   map[string]any `json:"result,omitempty"`
	TimeInfo types.TimeInfo `json:"time_info"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	all, err := s.Backend.ListAll(r.Context())
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindInternal, err.Error()))
		return
	}
	jobs := make([]jobSummary, 0, len(all))
	for id, meta := range all {
		jobs = append(jobs, summaryFromJob(meta.ToJob(id)))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) loadMeta(w http.ResponseWriter, r *http.Request) (string, *types.TaskMeta, bool) {
	id := r.PathValue("uuid")
	if !store.ValidJobID(id) {
		apierr.WriteJSON(w, apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid job id %q", id)))
		return "", nil, false
	}
	meta, found, err := s.Backend.Get(r.Context(), id)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindInternal, err.Error()))
		return "", nil, false
	}
	if !found {
		apierr.WriteJSON(w, apierr.New(apierr.KindNotFound, fmt.Sprintf("job %s not found", id)))
		return "", nil, false
	}
	return id, meta, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, meta, ok := s.loadMeta(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summaryFromJob(meta.ToJob(id)))
}

func (s *Server) handleJobDetails(w http.ResponseWriter, r *http.Request) {
	id, meta, ok := s.loadMeta(w, r)
	if !ok {
		return
	}
	job := meta.ToJob(id)
	writeJSON(w, http.StatusOK, jobDetailsBody{
		jobSummary: summaryFromJob(job),
		Steps:      job.Steps,
		Retry:      job.Retry,
		Result:     job.Result,
		TimeInfo:   meta.TimeInfo,
	})
}

func (s *Server) handleGetTaskMeta(w http.ResponseWriter, r *http.Request) {
	_, meta, ok := s.loadMeta(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
