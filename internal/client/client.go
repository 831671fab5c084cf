// Package client is the Go client every admin/CLI surface drives the
// HTTP API through: one method per endpoint, a shared x-api-key header,
// and the JSON wire shapes the server renders.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
)

// Client wraps Foundry's HTTP API for CLI and administrative use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New returns a Client against baseURL (e.g. "http://127.0.0.1:8001"),
// authenticating every request with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) endpoint(path string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + path
	}
	u.Path = path
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

// apiError mirrors the {code, message, details} envelope every non-2xx
// response carries.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// decodeJSON decodes resp's body into out, translating a non-2xx status
// into an *apiError. It closes resp.Body before returning.
func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var apiErr apiError
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			apiErr.Code = resp.StatusCode
			return &apiErr
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusCode extracts the HTTP status an error returned by this client
// carried, or 0 if err isn't one of this client's errors.
func StatusCode(err error) int {
	var apiErr *apiError
	if e, ok := err.(*apiError); ok {
		apiErr = e
	}
	if apiErr == nil {
		return 0
	}
	return apiErr.Code
}

// JobState is the abbreviated job view returned by GET /jobs and
// GET /jobs/{uuid}.
type JobState struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	TerminalAt  *time.Time `json:"terminal_at,omitempty"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	TimeLimit   int        `json:"time_limit"`
	Queue       string     `json:"queue"`
	Entrypoint  string     `json:"entrypoint"`
	Script      string     `json:"script"`
	Data        string     `json:"data,omitempty"`
}

// JobDetails is the expanded view returned by GET /jobs/{uuid}/details.
type JobDetails struct {
	JobState
	Steps    []Step         `json:"steps"`
	Retry    int            `json:"retry"`
	Result   map[string]any `json:"result,omitempty"`
	TimeInfo TimeInfo       `json:"time_info"`
}

// Step is one element of a job's progress log.
type Step struct {
	Info     string  `json:"info"`
	Duration float64 `json:"duration"`
}

// TimeInfo tracks a task attempt's request/start/stop timestamps.
type TimeInfo struct {
	Request string `json:"request,omitempty"`
	Started string `json:"started,omitempty"`
	Stopped string `json:"stopped,omitempty"`
}

// ListProcesses returns the registered process names.
func (c *Client) ListProcesses(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/processes", nil, "")
	if err != nil {
		return nil, err
	}
	var body struct {
		Processes []string `json:"processes"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.Processes, nil
}

// ProcessDoc returns the doc comment attached to name's "main" entrypoint.
func (c *Client) ProcessDoc(ctx context.Context, name string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(name), nil, "")
	if err != nil {
		return "", err
	}
	var body struct {
		Doc string `json:"doc"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return "", err
	}
	return body.Doc, nil
}

// SubmitJobRequest describes a job submission; File and Script are
// optional readers that SubmitJob reads but does not close.
type SubmitJobRequest struct {
	Process    string
	Name       string
	Params     map[string]any
	Config     map[string]any
	File       io.Reader
	FileName   string
	Script     io.Reader
	ScriptName string
}

// SubmitJobResponse is the immediate acknowledgement a submission gets
// back, before the task has been picked up by a worker.
type SubmitJobResponse struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SubmitJob posts a new job as a multipart form, matching the server's
// POST /jobs contract.
func (c *Client) SubmitJob(ctx context.Context, req SubmitJobRequest) (*SubmitJobResponse, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	process := req.Process
	if process == "" {
		process = "custom"
	}
	if err := w.WriteField("process", process); err != nil {
		return nil, err
	}
	if req.Name != "" {
		if err := w.WriteField("name", req.Name); err != nil {
			return nil, err
		}
	}
	if err := writeJSONField(w, "params", req.Params); err != nil {
		return nil, err
	}
	if err := writeJSONField(w, "config", req.Config); err != nil {
		return nil, err
	}
	if req.File != nil {
		name := req.FileName
		if name == "" {
			name = "input"
		}
		part, err := w.CreateFormFile("file", name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, req.File); err != nil {
			return nil, err
		}
	}
	if req.Script != nil {
		name := req.ScriptName
		if name == "" {
			name = "script.go"
		}
		part, err := w.CreateFormFile("script", name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, req.Script); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/jobs", buf, w.FormDataContentType())
	if err != nil {
		return nil, err
	}
	var out SubmitJobResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func writeJSONField(w *multipart.Writer, field string, value map[string]any) error {
	if len(value) == 0 {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	return w.WriteField(field, string(raw))
}

// ListJobs returns every job known to the server.
func (c *Client) ListJobs(ctx context.Context) ([]JobState, error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs", nil, "")
	if err != nil {
		return nil, err
	}
	var body struct {
		Jobs []JobState `json:"jobs"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.Jobs, nil
}

// GetJob fetches a single job's abbreviated state.
func (c *Client) GetJob(ctx context.Context, id string) (*JobState, error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, "")
	if err != nil {
		return nil, err
	}
	var out JobState
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobDetails fetches a job's expanded state, including steps and result.
func (c *Client) JobDetails(ctx context.Context, id string) (*JobDetails, error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/details", nil, "")
	if err != nil {
		return nil, err
	}
	var out JobDetails
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOutputs lists the output file names a job produced.
func (c *Client) ListOutputs(ctx context.Context, id string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/outputs", nil, "")
	if err != nil {
		return nil, err
	}
	var body struct {
		Outputs []string `json:"outputs"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.Outputs, nil
}

// DownloadOutput streams a single output file into dst.
func (c *Client) DownloadOutput(ctx context.Context, id, path string, dst io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/outputs/"+path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeJSON(resp, nil)
	}
	_, err = io.Copy(dst, resp.Body)
	return err
}

// DownloadArchive streams the job's packaged output archive into dst once
// ready, returning ready=false (with a nil error) while packaging is
// still in progress (HTTP 425).
func (c *Client) DownloadArchive(ctx context.Context, id string, dst io.Writer) (ready bool, err error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/outputs/archive", nil, "")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooEarly {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, decodeJSON(resp, nil)
	}
	_, err = io.Copy(dst, resp.Body)
	return err == nil, err
}

// WaitTerminal polls GetJob every interval until the job reaches a
// terminal status or ctx is canceled.
func (c *Client) WaitTerminal(ctx context.Context, id string, interval time.Duration) (*JobState, error) {
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminal(job.Status) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
