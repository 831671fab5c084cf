package executor

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foundryrun/foundry/internal/logging"
	"github.com/foundryrun/foundry/internal/metrics"
)

// defaultPackageFormat is used when a packaging request doesn't name one
// explicitly.
const defaultPackageFormat = "zip"

// PackageArchive builds a downloadable archive of jobID's outputs,
// guarded by the job's Disk State Marker so concurrent requests for the
// same (job, format) produce at most one build. Runs on the archive queue.
func (e *Executor) PackageArchive(ctx context.Context, jobID, format string) error {
	if format == "" {
		format = defaultPackageFormat
	}
	log := logging.WithJobID(jobID)

	markerPath, err := e.Store.MarkerPath(jobID, format)
	if err != nil {
		return err
	}
	fresh, err := markerWithinTTL(markerPath, time.Duration(e.Cfg.ArchiveMarkerTTL)*time.Second)
	if err != nil {
		return err
	}
	if fresh {
		log.Info().Str("format", format).Msg("archive packaging already in progress, skipping")
		return nil
	}
	if err := writeMarker(markerPath); err != nil {
		return err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ArchivePackagingDuration)

	if err := e.removeExistingArchives(jobID); err != nil {
		return err
	}

	outputsDir, err := e.Store.OutputPath(jobID, "")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "foundry-archive-*."+format)
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	buildErr := buildArchive(outputsDir, tmp, format)
	tmp.Close()
	if buildErr != nil {
		return fmt.Errorf("build archive for %s: %w", jobID, buildErr)
	}

	finalPath, err := e.Store.ArchivePath(jobID, jobID+"."+format)
	if err != nil {
		return err
	}
	if err := copyThenRename(tmpPath, finalPath); err != nil {
		return err
	}

	log.Info().Str("format", format).Str("path", finalPath).Msg("archive packaged")
	return nil
}

// removeExistingArchives deletes any previously built archive for jobID,
// regardless of which format it was built in.
func (e *Executor) removeExistingArchives(jobID string) error {
	dir, err := e.Store.ArchivePath(jobID, "")
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), jobID+".") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("remove existing archive %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func markerWithinTTL(path string, ttl time.Duration) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read marker %s: %w", path, err)
	}
	stamp, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw)))
	if err != nil {
		// An unparsable marker is treated as stale rather than fatal.
		return false, nil
	}
	return time.Since(stamp) < ttl, nil
}

func writeMarker(path string) error {
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// buildArchive walks srcDir and writes its contents into w as either a
// zip or a tar.gz stream, depending on format.
func buildArchive(srcDir string, w io.Writer, format string) error {
	switch format {
	case "zip":
		return buildZip(srcDir, w)
	case "tar.gz", "tgz":
		return buildTarGz(srcDir, w)
	default:
		return fmt.Errorf("unsupported package format: %s", format)
	}
}

func buildZip(srcDir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	defer zw.Close()

	return filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
}

func buildTarGz(srcDir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// copyThenRename copies src onto dst, leaving src for the caller to
// remove, giving readers of
// dst an atomic view even though the copy itself is not: dst never
// exists half-written because it's built under a temp name on the same
// volume and only renamed in as a last step.
func copyThenRename(src, dst string) error {
	dstTmp := dst + ".tmp"
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	out, err := os.Create(dstTmp)
	if err != nil {
		in.Close()
		return fmt.Errorf("create %s: %w", dstTmp, err)
	}
	_, copyErr := io.Copy(out, in)
	in.Close()
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(dstTmp)
		return fmt.Errorf("copy to %s: %w", dstTmp, copyErr)
	}
	if closeErr != nil {
		os.Remove(dstTmp)
		return fmt.Errorf("close %s: %w", dstTmp, closeErr)
	}
	if err := os.Rename(dstTmp, dst); err != nil {
		os.Remove(dstTmp)
		return fmt.Errorf("rename %s to %s: %w", dstTmp, dst, err)
	}
	return nil
}
