package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/config"
	"github.com/foundryrun/foundry/internal/httpapi"
	"github.com/foundryrun/foundry/internal/resultbackend"
	"github.com/foundryrun/foundry/internal/store"
)

func newTestServerAndClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := broker.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	backend, err := resultbackend.Open("bolt://" + filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("resultbackend.Open: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	st, err := store.New(filepath.Join(t.TempDir(), "share"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	cfg := config.Config{ProcessDir: t.TempDir(), TimeLimit: 2400}
	srv := httpapi.New(cfg, st, backend, b)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL, "")
}

func TestSubmitAndFetchJobRoundTrips(t *testing.T) {
	c := newTestServerAndClient(t)
	ctx := context.Background()

	submitted, err := c.SubmitJob(ctx, SubmitJobRequest{
		Process: "sleep",
		Name:    "integration-job",
		Params:  map[string]any{"duration": 0.01},
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if submitted.Status != "SENT" || submitted.Name != "integration-job" {
		t.Fatalf("unexpected submit response: %+v", submitted)
	}

	job, err := c.GetJob(ctx, submitted.UUID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Entrypoint != "sleep" || job.Name != "integration-job" {
		t.Fatalf("unexpected job state: %+v", job)
	}

	jobs, err := c.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
}

func TestGetJobNotFoundSurfacesStatusCode(t *testing.T) {
	c := newTestServerAndClient(t)
	_, err := c.GetJob(context.Background(), "00000000-0000-4000-8000-000000000000")
	if err == nil {
		t.Fatal("expected an error for a missing job")
	}
	if code := StatusCode(err); code != 404 {
		t.Fatalf("expected 404, got %d (%v)", code, err)
	}
}

func TestSubmitCustomWithoutScriptFails(t *testing.T) {
	c := newTestServerAndClient(t)
	_, err := c.SubmitJob(context.Background(), SubmitJobRequest{Process: "custom"})
	if err == nil {
		t.Fatal("expected an error submitting custom without a script")
	}
	if !strings.Contains(err.Error(), "script") {
		t.Fatalf("expected error to mention the missing script, got %v", err)
	}
}

func TestExitCodeTable(t *testing.T) {
	cases := map[string]int{
		"SUCCESS":  0,
		"FAILURE":  10,
		"REVOKED":  11,
		"RETRY":    12,
		"PENDING":  13,
		"STARTED":  14,
		"RECEIVED": 15,
		"REJECTED": 16,
		"UNKNOWN":  17,
		"":         17,
	}
	for status, want := range cases {
		if got := ExitCode(status); got != want {
			t.Fatalf("ExitCode(%q) = %d, want %d", status, got, want)
		}
	}
}
