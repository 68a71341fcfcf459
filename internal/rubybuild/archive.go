package rubybuild

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

type archiveFormat int

const (
	formatGzip archiveFormat = iota
	formatBzip2
	formatXz
	formatZstd
	formatTar
)

func (f archiveFormat) String() string {
	switch f {
	case formatGzip:
		return "gzip"
	case formatBzip2:
		return "bzip2"
	case formatXz:
		return "xz"
	case formatZstd:
		return "zstd"
	default:
		return "tar"
	}
}

// archiveFormatFor determines the archive format from the URL (or filename)
// suffix.
func archiveFormatFor(name string) (archiveFormat, bool) {
	switch {
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		return formatGzip, true
	case strings.HasSuffix(name, ".tar.bz2"):
		return formatBzip2, true
	case strings.HasSuffix(name, ".tar.xz"):
		return formatXz, true
	case strings.HasSuffix(name, ".tar.zst"):
		return formatZstd, true
	case strings.HasSuffix(name, ".tar"):
		return formatTar, true
	}
	return formatTar, false
}

// extractArchive unpacks a tarball into destDir. System tar is tried first;
// when it is missing or fails, the pure-Go readers take over so extraction
// never depends on host tooling.
func extractArchive(e *Executor, archivePath, destDir string) error {
	if _, err := exec.LookPath("tar"); err == nil {
		cmd := exec.Command("tar", "xf", archivePath, "-C", destDir)
		if err := e.Run(cmd); err == nil {
			debugf("Extracted %s with system tar\n", archivePath)
			return nil
		}
		debugf("System tar failed for %s, falling back to internal extraction\n", archivePath)
	}
	return extractArchiveGo(archivePath, destDir)
}

func extractArchiveGo(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer f.Close()

	format, ok := archiveFormatFor(archivePath)
	if !ok {
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}

	var r io.Reader = f
	switch format {
	case formatGzip:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", archivePath, err)
		}
		defer gz.Close()
		r = gz
	case formatBzip2:
		r = bzip2.NewReader(f)
	case formatXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", archivePath, err)
		}
		r = xr
	case formatZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", archivePath, err)
		}
		defer zr.Close()
		r = zr
	case formatTar:
		// no compression
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archivePath, err)
		}

		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data in %s: %w", archivePath, err)
			}
			continue
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || name == "" {
			continue
		}
		// Guard against path traversal in hostile archives.
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("illegal path in archive %s: %s", archivePath, hdr.Name)
		}
		targetPath := filepath.Join(destDir, name)

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			out.Close()
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				debugf("Warning: failed to set times for %s: %v\n", targetPath, err)
			}
		case tar.TypeSymlink:
			os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}

	return nil
}

// adoptExtractedDir finds the first top-level directory extraction produced
// inside buildDir and renames it to pkgName when the names differ. Names in
// ignore belong to packages fetched earlier in the same run and are never
// candidates. Returns the resulting source tree path.
func adoptExtractedDir(buildDir, pkgName string, ignore map[string]bool) (string, error) {
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		return "", err
	}
	want := filepath.Join(buildDir, pkgName)
	for _, entry := range entries {
		if !entry.IsDir() || ignore[entry.Name()] {
			continue
		}
		if entry.Name() == pkgName {
			return want, nil
		}
		if err := os.Rename(filepath.Join(buildDir, entry.Name()), want); err != nil {
			return "", fmt.Errorf("failed to rename extracted directory %s: %w", entry.Name(), err)
		}
		return want, nil
	}
	return "", ErrExtractedDirectoryNotFound
}
