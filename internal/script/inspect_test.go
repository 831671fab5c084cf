package script

import (
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "job.go")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestInspectCommentDirective(t *testing.T) {
	path := writeScript(t, `package external

//foundry:schedule queue=gpu wait=true timeout=600
func main(pc map[string]any, params map[string]any) (any, error) {
	return nil, nil
}
`)
	dir, err := Inspect(path, "main")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if dir.Queue != "gpu" || !dir.Wait || dir.Timeout != 600 {
		t.Fatalf("unexpected directive %+v", dir)
	}
}

func TestInspectWaitForcesControlQueue(t *testing.T) {
	path := writeScript(t, `package external

//foundry:schedule wait=true
func main(pc map[string]any, params map[string]any) (any, error) {
	return nil, nil
}
`)
	dir, err := Inspect(path, "main")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if dir.Queue != "control" {
		t.Fatalf("expected wait=true with no queue to force control, got %q", dir.Queue)
	}
}

func TestInspectMissingEntrypoint(t *testing.T) {
	path := writeScript(t, `package external

func other(pc map[string]any, params map[string]any) (any, error) {
	return nil, nil
}
`)
	if _, err := Inspect(path, "main"); err == nil {
		t.Fatal("expected error for missing entrypoint")
	}
}

func TestInspectDefaultsToCPUQueue(t *testing.T) {
	path := writeScript(t, `package external

func main(pc map[string]any, params map[string]any) (any, error) {
	return nil, nil
}
`)
	dir, err := Inspect(path, "main")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if dir.Queue != "cpu" {
		t.Fatalf("expected default queue cpu, got %q", dir.Queue)
	}
}
