package executor

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// modelExtensions is the whitelist of 3D file formats a root file is
// allowed to resolve to when none is explicitly supplied, translated from
// the format list in the shared-storage helper this was distilled from.
var modelExtensions = map[string]bool{}

func init() {
	for _, ext := range strings.Fields(`PXZ 3DS ACIS SAT SAB DWG DXF WIRE FBX IPT IAM NWD NWC RVT RFA RCP RCS VPB CATPART
		CATPRODUCT CATSHAPE CGR 3DXML ASM NEU PRT XAS XPR PVS PVZ CSB GLTF GLB GDS IFC IGS
		IGES JT OBJ PRT X_B X_T P_T P_B XMT XMT_TXT XMT_BIN PDF PLMXML E57 PTS PTX PRC 3DM
		RVM SKP PAR PWD PSM SLDASM SLDPRT STP STEP STPZ STEPZ STPX STPXZ STL U3D USD USDZ
		USDA USDC VDA WRL VRML`) {
		modelExtensions[ext] = true
	}
}

// ErrFileNotFound mirrors the spec's FileNotFound failure for a resolved
// root file that isn't actually present.
type ErrFileNotFound struct{ Path string }

func (e *ErrFileNotFound) Error() string {
	return fmt.Sprintf("root file not found: %s", e.Path)
}

// extractArchive extracts a .zip or .tar.gz file at src into destDir,
// rejecting any member path that would escape destDir.
func extractArchive(src, destDir string) error {
	switch {
	case strings.HasSuffix(strings.ToLower(src), ".zip"):
		return extractZip(src, destDir)
	case strings.HasSuffix(strings.ToLower(src), ".tar.gz") || strings.HasSuffix(strings.ToLower(src), ".tgz"):
		return extractTarGz(src, destDir)
	default:
		return fmt.Errorf("unsupported archive format: %s", src)
	}
}

func extractZip(src, destDir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip %s: %w", src, err)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := copyZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func copyZipEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

func extractTarGz(src, destDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gunzip %s: %w", src, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write %s: %w", target, err)
			}
			out.Close()
		}
	}
}

// safeJoin joins name under root, refusing any result that escapes root
// via "..", matching the archive-extraction traversal defense in spec §4.8.
func safeJoin(root, name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("archive member %q contains a traversal segment", name)
	}
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("archive member %q escapes the extraction directory", name)
	}
	return target, nil
}

// resolveRootFile picks the task's root file within dir: rootFile if
// supplied (rejecting any path containing ".."), otherwise the first file
// (in deterministic walk order) whose extension is in the 3D-format
// whitelist.
func resolveRootFile(dir, rootFile string) (string, error) {
	if rootFile != "" {
		if strings.Contains(rootFile, "..") {
			return "", fmt.Errorf("root_file %q contains a traversal segment", rootFile)
		}
		full := filepath.Join(dir, rootFile)
		if _, err := os.Stat(full); err != nil {
			return "", &ErrFileNotFound{Path: full}
		}
		return full, nil
	}

	var candidates []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.TrimPrefix(strings.ToUpper(filepath.Ext(path)), ".")
		if modelExtensions[ext] {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", dir, err)
	}
	if len(candidates) == 0 {
		return "", &ErrFileNotFound{Path: dir}
	}
	sort.Strings(candidates)
	return candidates[0], nil
}
