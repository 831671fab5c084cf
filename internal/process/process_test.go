package process

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foundryrun/foundry/internal/pctx"
	"github.com/foundryrun/foundry/internal/progress"
)

type nullStore struct{}

func (nullStore) MergeMeta(taskID string, updates map[string]any) error { return nil }

func TestLookupKnownBuiltins(t *testing.T) {
	for _, name := range []string{"sleep", "convert_file", "archive_inspect"} {
		if _, ok := Lookup(name); !ok {
			t.Fatalf("expected builtin %q to be registered", name)
		}
	}
	if _, ok := Lookup("does_not_exist"); ok {
		t.Fatal("expected unknown builtin to be absent")
	}
}

func TestSleepReturnsDuration(t *testing.T) {
	tracker := progress.New(nullStore{}, "task-1", 1, time.Now())
	result, err := Sleep(tracker, pctx.New(nil), map[string]any{"duration": 0.01})
	if err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if result["sleep"] != 0.01 {
		t.Fatalf("unexpected result %v", result)
	}
}

func TestConvertFileCopiesInputToOutput(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "model.pxz")
	if err := os.WriteFile(inputPath, []byte("scene-data"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	outputDir := filepath.Join(dir, "outputs")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		t.Fatalf("mkdir outputs: %v", err)
	}

	tracker := progress.New(nullStore{}, "task-1", 1, time.Now())
	pc := pctx.New(map[string]any{"input_file": inputPath, "output_dir": outputDir})

	result, err := ConvertFile(tracker, pc, map[string]any{"extension": "glb"})
	if err != nil {
		t.Fatalf("ConvertFile: %v", err)
	}
	if result["output"] != "output.glb" {
		t.Fatalf("unexpected result %v", result)
	}
	data, err := os.ReadFile(filepath.Join(outputDir, "output.glb"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "scene-data" {
		t.Fatalf("expected copied content, got %q", data)
	}
}

func TestArchiveInspectListsMembersWithoutExtracting(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "bundle.zip")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	zw := zip.NewWriter(f)
	for _, name := range []string{"model.obj", "texture.png"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte("x")); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	f.Close()

	tracker := progress.New(nullStore{}, "task-1", 1, time.Now())
	pc := pctx.New(map[string]any{"input_file": archivePath})
	result, err := ArchiveInspect(tracker, pc, nil)
	if err != nil {
		t.Fatalf("ArchiveInspect: %v", err)
	}
	members, ok := result["members"].([]string)
	if !ok || len(members) != 2 {
		t.Fatalf("unexpected members %v", result["members"])
	}
}
