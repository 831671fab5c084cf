package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/config"
	"github.com/foundryrun/foundry/internal/resultbackend"
	"github.com/foundryrun/foundry/internal/store"
	"github.com/foundryrun/foundry/internal/types"
)

const testAPIKey = "secret-key"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := broker.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	backend, err := resultbackend.Open("bolt://" + filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("resultbackend.Open: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	st, err := store.New(filepath.Join(t.TempDir(), "share"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	sum := sha256.Sum256([]byte(testAPIKey))
	cfg := config.Config{
		ProcessDir:   t.TempDir(),
		TimeLimit:    2400,
		APIKeySHA256: hex.EncodeToString(sum[:]),
	}
	return New(cfg, st, backend, b)
}

func authedRequest(method, target string, body *bytes.Buffer) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("x-api-key", testAPIKey)
	return req
}

func TestBannerIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRejectsMissingOrWrongKey(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/processes", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/processes", nil)
	req.Header.Set("x-api-key", "wrong")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
}

func TestListProcessesReflectsProcessDir(t *testing.T) {
	s := newTestServer(t)
	writeTestProcess(t, s.Cfg.ProcessDir, "thumbnail")

	req := authedRequest(http.MethodGet, "/processes", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Processes []string `json:"processes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Processes) != 1 || body.Processes[0] != "thumbnail" {
		t.Fatalf("unexpected processes list: %+v", body.Processes)
	}
}

func TestProcessDocReturnsEntrypointComment(t *testing.T) {
	s := newTestServer(t)
	writeTestProcess(t, s.Cfg.ProcessDir, "thumbnail")

	req := authedRequest(http.MethodGet, "/processes/thumbnail", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Doc string `json:"doc"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Doc != "Generates a thumbnail." {
		t.Fatalf("unexpected doc: %q", body.Doc)
	}
}

func TestProcessDocMissingReturns404(t *testing.T) {
	s := newTestServer(t)
	req := authedRequest(http.MethodGet, "/processes/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitBuiltinJobEnqueuesAndRecordsMeta(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartForm(t, map[string]string{
		"process": "sleep",
		"name":    "my-job",
		"params":  `{"duration": 0.01}`,
	}, nil)

	req := authedRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		UUID   string `json:"uuid"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Name != "my-job" || resp.Status != "SENT" || !store.ValidJobID(resp.UUID) {
		t.Fatalf("unexpected submit response: %+v", resp)
	}

	meta, found, err := s.Backend.Get(context.Background(), resp.UUID)
	if err != nil || !found {
		t.Fatalf("expected task meta to be recorded, found=%v err=%v", found, err)
	}
	if meta.Entrypoint != "sleep" || meta.Alias != "my-job" {
		t.Fatalf("unexpected recorded meta: %+v", meta)
	}

	depth, err := s.Broker.QueueDepth(context.Background(), types.QueueCPU)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected 1 message on cpu queue, got %d", depth)
	}
}

func TestSubmitUnknownProcessReturns400(t *testing.T) {
	s := newTestServer(t)
	body, contentType := multipartForm(t, map[string]string{"process": "does-not-exist"}, nil)
	req := authedRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitCustomWithoutScriptReturns400(t *testing.T) {
	s := newTestServer(t)
	body, contentType := multipartForm(t, map[string]string{"process": "custom"}, nil)
	req := authedRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetJobUnknownReturns404(t *testing.T) {
	s := newTestServer(t)
	req := authedRequest(http.MethodGet, "/jobs/00000000-0000-4000-8000-000000000000", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetJobInvalidUUIDReturns400(t *testing.T) {
	s := newTestServer(t)
	req := authedRequest(http.MethodGet, "/jobs/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListJobsEnumeratesBackendKeys(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if err := s.Backend.Put(ctx, "11111111-1111-4111-8111-111111111111", &types.TaskMeta{Status: types.StatusSuccess, Alias: "one"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Backend.Put(ctx, "22222222-2222-4222-8222-222222222222", &types.TaskMeta{Status: types.StatusPending, Alias: "two"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := authedRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Jobs []jobSummary `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(body.Jobs))
	}
}

func TestJobDetailsIncludesStepsAndTimeInfo(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id := "33333333-3333-4333-8333-333333333333"
	meta := &types.TaskMeta{
		Status:   types.StatusSuccess,
		Steps:    []types.Step{{Info: "step one", Duration: 1.5}},
		Retry:    0,
		Result:   map[string]any{"ok": true},
		TimeInfo: types.TimeInfo{Request: "2026-01-01T00:00:00Z", Started: "2026-01-01T00:00:01Z", Stopped: "2026-01-01T00:00:02Z"},
	}
	if err := s.Backend.Put(ctx, id, meta); err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := authedRequest(http.MethodGet, "/jobs/"+id+"/details", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body jobDetailsBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Steps) != 1 || body.TimeInfo.Stopped != "2026-01-01T00:00:02Z" {
		t.Fatalf("unexpected details body: %+v", body)
	}
}

// TestOutputFilePathTraversalReturns400 calls the handler directly with a
// manually set path value, since the stdlib mux itself cleans ".." out of
// a request URL before this handler would ever see it.
func TestOutputFilePathTraversalReturns400(t *testing.T) {
	s := newTestServer(t)
	id := "44444444-4444-4444-8444-444444444444"

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+id+"/outputs/whatever", nil)
	req.SetPathValue("uuid", id)
	req.SetPathValue("path", "../../etc/passwd")
	rec := httptest.NewRecorder()
	s.handleOutputFile(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOutputArchiveFirstCallEnqueuesAndReturns425(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id := "55555555-5555-4555-8555-555555555555"
	if _, err := s.Store.OutputPath(id, "result.bin"); err != nil {
		t.Fatalf("OutputPath: %v", err)
	}
	if err := s.Backend.Put(ctx, id, &types.TaskMeta{Status: types.StatusSuccess}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := authedRequest(http.MethodGet, "/jobs/"+id+"/outputs/archive", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooEarly {
		t.Fatalf("expected 425, got %d: %s", rec.Code, rec.Body.String())
	}

	depth, err := s.Broker.QueueDepth(ctx, types.QueueArchive)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected archive packaging to be enqueued, got depth %d", depth)
	}
}

func TestOutputArchiveNonTerminalJobReturns425WithoutEnqueue(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id := "66666666-6666-4666-8666-666666666666"
	if _, err := s.Store.OutputPath(id, "result.bin"); err != nil {
		t.Fatalf("OutputPath: %v", err)
	}
	if err := s.Backend.Put(ctx, id, &types.TaskMeta{Status: types.StatusRunning}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := authedRequest(http.MethodGet, "/jobs/"+id+"/outputs/archive", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooEarly {
		t.Fatalf("expected 425, got %d", rec.Code)
	}

	depth, err := s.Broker.QueueDepth(ctx, types.QueueArchive)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected no packaging enqueued for a non-terminal job, got depth %d", depth)
	}
}

func TestOutputArchiveMissingJobReturns404(t *testing.T) {
	s := newTestServer(t)
	req := authedRequest(http.MethodGet, "/jobs/77777777-7777-4777-8777-777777777777/outputs/archive", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// writeTestProcess creates a minimal registered process source file under
// dir, named name.go, with a documented "main" entrypoint.
func writeTestProcess(t *testing.T, dir, name string) {
	t.Helper()
	src := "package processes\n\n// Generates a thumbnail.\nfunc main(pc map[string]any, params map[string]any) (any, error) {\n\treturn nil, nil\n}\n"
	path := filepath.Join(dir, name+".go")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write test process: %v", err)
	}
}

func multipartForm(t *testing.T, fields map[string]string, fileField *multipartFile) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if fileField != nil {
		part, err := w.CreateFormFile(fileField.field, fileField.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(fileField.content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return buf, w.FormDataContentType()
}

type multipartFile struct {
	field   string
	name    string
	content []byte
}
