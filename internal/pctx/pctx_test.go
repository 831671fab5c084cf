package pctx

import "testing"

func TestMandatoryDefaults(t *testing.T) {
	c := New(map[string]any{"script": "convert_file"})
	if c.IsComputeOnly() {
		t.Fatal("expected compute_only to default false")
	}
	if !c.NeedsTmp() {
		t.Fatal("expected tmp to default true")
	}
	if c.Entrypoint() != "main" {
		t.Fatalf("expected entrypoint main, got %q", c.Entrypoint())
	}
	if _, ok := c["time_request"]; !ok {
		t.Fatal("expected time_request to be set")
	}
}

func TestCloneDropsTaskAndRefreshesTime(t *testing.T) {
	c := New(map[string]any{"script": "convert_file", "task": "opaque-handle"})
	c["time_request"] = "2020-01-01T00:00:00Z"

	clone, err := c.Clone(nil)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if _, ok := clone["task"]; ok {
		t.Fatal("expected task key to be dropped from clone")
	}
	if clone["time_request"] == c["time_request"] {
		t.Fatal("expected time_request to be refreshed on clone")
	}
	if clone["script"] != "convert_file" {
		t.Fatal("expected script field to survive clone")
	}
}

func TestUpdateMergesNestedMaps(t *testing.T) {
	c := New(map[string]any{"meta": map[string]any{"a": 1}})
	c.Update(map[string]any{"meta": map[string]any{"b": 2}})

	meta, ok := c["meta"].(map[string]any)
	if !ok {
		t.Fatalf("expected meta to remain a map, got %T", c["meta"])
	}
	if meta["a"] != 1 || meta["b"] != 2 {
		t.Fatalf("expected merged meta map, got %v", meta)
	}
}

func TestInputOutputAccessors(t *testing.T) {
	c := New(map[string]any{"input_dir": "/share/job/inputs", "output_dir": "/share/job/outputs"})
	if c.InputDir() != "/share/job/inputs" {
		t.Fatalf("unexpected input dir %q", c.InputDir())
	}
	if c.OutputDir() != "/share/job/outputs" {
		t.Fatalf("unexpected output dir %q", c.OutputDir())
	}
}
