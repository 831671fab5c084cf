// Package process ships the handful of built-in entrypoints Foundry
// exercises without an opaque native conversion library on hand: sleep
// (a pure timing exercise), convert_file (a pass-through stand-in for the
// real conversion library), and archive_inspect (reads an archive's
// member list without extracting it).
package process

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foundryrun/foundry/internal/pctx"
	"github.com/foundryrun/foundry/internal/progress"
)

// Handler is the signature every built-in entrypoint implements.
type Handler func(tracker *progress.Tracker, pc pctx.Context, params map[string]any) (map[string]any, error)

var registry = map[string]Handler{
	"sleep":           Sleep,
	"convert_file":    ConvertFile,
	"archive_inspect": ArchiveInspect,
}

// Lookup returns the built-in handler registered under name.
func Lookup(name string) (Handler, bool) {
	h, ok := registry[name]
	return h, ok
}

// Sleep sleeps for params["duration"] seconds (default 0.1) and reports
// it as a single progress step.
func Sleep(tracker *progress.Tracker, pc pctx.Context, params map[string]any) (map[string]any, error) {
	tracker.SetTotal(1)

	duration := 0.1
	if d, ok := params["duration"].(float64); ok {
		duration = d
	}

	tracker.Next(fmt.Sprintf("Sleeping for %g seconds", duration), nil)
	time.Sleep(time.Duration(duration * float64(time.Second)))
	tracker.Stop()

	return map[string]any{"sleep": duration}, nil
}

// ConvertFile copies the task's input file to an output file with the
// requested extension. The opaque native conversion library this stands
// in for is out of scope; this still exercises input staging, progress
// steps, and the output directory contract a real conversion entrypoint
// would use.
func ConvertFile(tracker *progress.Tracker, pc pctx.Context, params map[string]any) (map[string]any, error) {
	tracker.SetTotal(3)

	extension := "pxz"
	if ext, ok := params["extension"].(string); ok && ext != "" {
		extension = strings.ToLower(ext)
	}

	inputFile, ok := pc.InputFile()
	if !ok {
		return nil, fmt.Errorf("convert_file: no input_file in program context")
	}

	tracker.Next(fmt.Sprintf("Importing file %s", inputFile), nil)
	src, err := os.Open(inputFile)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer src.Close()

	outputName := "output." + extension
	outputDir := pc.OutputDir()
	if outputDir == "" {
		return nil, fmt.Errorf("convert_file: no output_dir in program context")
	}
	outputPath := filepath.Join(outputDir, outputName)

	tracker.Next(fmt.Sprintf("Exporting file to %s", outputPath), nil)
	dst, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return nil, fmt.Errorf("write output file: %w", err)
	}

	tracker.Next("done", nil)
	tracker.Stop()

	return map[string]any{"output": outputName}, nil
}

// ArchiveInspect lists the member names of a zip archive without
// extracting them, used by tests to exercise the extraction path without
// pulling in the native conversion library.
func ArchiveInspect(tracker *progress.Tracker, pc pctx.Context, params map[string]any) (map[string]any, error) {
	tracker.SetTotal(1)

	inputFile, ok := pc.InputFile()
	if !ok {
		return nil, fmt.Errorf("archive_inspect: no input_file in program context")
	}

	tracker.Next(fmt.Sprintf("Inspecting archive %s", inputFile), nil)
	r, err := zip.OpenReader(inputFile)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	members := make([]string, 0, len(r.File))
	for _, f := range r.File {
		members = append(members, f.Name)
	}
	tracker.Stop()

	return map[string]any{"members": members}, nil
}
