// Package store implements the shared on-disk layout every Foundry
// component reads and writes: one directory per job, split into inputs,
// outputs, and archives, guarded against path traversal.
package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/foundryrun/foundry/internal/apierr"
)

const (
	inputsDir   = "inputs"
	outputsDir  = "outputs"
	archivesDir = "archives"
	statesDir   = "states"
	stateFile   = "state.json"

	// uploadChunkSize is the minimum chunk size StreamUpload copies at a
	// time, per spec §4.1's "streams bytes in chunks (≥1 MiB)".
	uploadChunkSize = 1 << 20

	// uploadPerm is the world-readable permission StreamUpload sets on a
	// completed upload, per spec §4.1.
	uploadPerm = 0o644
)

var jobIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidJobID reports whether id has the shape of a version-4 UUID.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// Store roots every job directory under a single share path.
type Store struct {
	Root string
}

// New returns a Store rooted at root. The root itself is created if
// missing, but job subdirectories are created lazily as needed.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve share root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create share root: %w", err)
	}
	return &Store{Root: abs}, nil
}

// JobDir returns the job's root directory, without creating it.
func (s *Store) JobDir(jobID string) (string, error) {
	if !ValidJobID(jobID) {
		return "", apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid job id %q", jobID))
	}
	return filepath.Join(s.Root, jobID), nil
}

// resolve joins dir/name under the job directory, creating dir when
// create is true, and refuses to return a path that escapes the job
// directory via "..", absolute overrides, or a symlink.
func (s *Store) resolve(jobID, dir, name string, create bool) (string, error) {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}

	base := jobDir
	if dir != "" {
		base = filepath.Join(jobDir, dir)
		if !within(jobDir, base) {
			return "", apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid directory %q", dir))
		}
		if create {
			if err := os.MkdirAll(base, 0o755); err != nil {
				return "", fmt.Errorf("create %s: %w", base, err)
			}
		}
	}

	if name == "" {
		return base, nil
	}

	full := filepath.Join(base, name)
	if !within(jobDir, full) {
		return "", apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid path %q", name))
	}

	// Reject a path that resolves through a symlink escaping the job
	// directory, for entries that already exist on disk.
	if real, err := filepath.EvalSymlinks(full); err == nil {
		if !within(jobDir, real) {
			return "", apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid path %q", name))
		}
	}

	return full, nil
}

// within reports whether candidate is root or a descendant of root, after
// lexical cleaning. Both paths must already be absolute.
func within(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if candidate == root {
		return true
	}
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && rel[:min(3, len(rel))] != ".."+string(filepath.Separator)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// InputPath returns the path to name under the job's inputs directory,
// creating the directory if needed.
func (s *Store) InputPath(jobID, name string) (string, error) {
	return s.resolve(jobID, inputsDir, name, true)
}

// OutputPath returns the path to name under the job's outputs directory,
// creating the directory if needed.
func (s *Store) OutputPath(jobID, name string) (string, error) {
	return s.resolve(jobID, outputsDir, name, true)
}

// ArchivePath returns the path to name under the job's archives directory,
// creating the directory if needed.
func (s *Store) ArchivePath(jobID, name string) (string, error) {
	return s.resolve(jobID, archivesDir, name, true)
}

// ArchiveFile returns the path to jobID's packaged archive, whichever
// format it was built in, or found=false if none has been built yet.
func (s *Store) ArchiveFile(jobID string) (path string, found bool, err error) {
	dir, err := s.resolve(jobID, archivesDir, "", false)
	if err != nil {
		return "", false, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), jobID+".") {
			return filepath.Join(dir, e.Name()), true, nil
		}
	}
	return "", false, nil
}

// StatePath returns the path to the job's disk state marker file.
func (s *Store) StatePath(jobID string) (string, error) {
	return s.resolve(jobID, "", stateFile, false)
}

// MarkerPath returns the path to the job's disk state marker for kind
// (e.g. a package type such as "zip"), creating the states directory if
// needed. The marker itself is a plain file whose contents are an
// ISO-8601 timestamp; its mere presence within TTL is what callers check.
func (s *Store) MarkerPath(jobID, kind string) (string, error) {
	return s.resolve(jobID, statesDir, "."+kind+".state", true)
}

// StreamUpload copies src into the job's inputs directory under name,
// overwriting any existing file. It copies in ≥1 MiB chunks, fsyncs
// before close, and sets the file world-readable, per spec §4.1.
func (s *Store) StreamUpload(jobID, name string, src io.Reader) (string, error) {
	dst, err := s.InputPath(jobID, name)
	if err != nil {
		return "", err
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, uploadChunkSize)
	if _, err := io.CopyBuffer(w, src, make([]byte, uploadChunkSize)); err != nil {
		return "", fmt.Errorf("write %s: %w", dst, err)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush %s: %w", dst, err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", dst, err)
	}
	if err := f.Chmod(uploadPerm); err != nil {
		return "", fmt.Errorf("chmod %s: %w", dst, err)
	}
	return dst, nil
}

// ListOutputs lists the file names present in a job's outputs directory.
func (s *Store) ListOutputs(jobID string) ([]string, error) {
	dir, err := s.resolve(jobID, outputsDir, "", false)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, apierr.New(apierr.KindNotFound, fmt.Sprintf("job %s has no outputs", jobID))
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// RemoveJobTree removes a job's entire directory tree, inputs, outputs,
// archives, and state marker alike. Callers schedule this after a delay
// via a maintenance-queue cleanup task rather than calling it inline.
func (s *Store) RemoveJobTree(jobID string) error {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	return os.RemoveAll(jobDir)
}

// Exists reports whether the job directory exists at all.
func (s *Store) Exists(jobID string) bool {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return false
	}
	_, err = os.Stat(jobDir)
	return err == nil
}

// CleanupETA computes the timestamp a maintenance-queue cleanup task
// should be scheduled at, delaySeconds after now.
func CleanupETA(now time.Time, delaySeconds int) time.Time {
	return now.Add(time.Duration(delaySeconds) * time.Second)
}
