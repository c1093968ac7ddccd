package services

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// imageExtensions is the fixed set of page image extensions the pipeline
// recognizes, both when enumerating extracted archives and when packaging.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// Extract unpacks archivePath into a sibling directory and returns its path.
// Zip-family archives are unpacked in-process; rar-family archives are handed
// to the unar utility. Unsupported extensions are a hard error.
func Extract(ctx context.Context, archivePath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(archivePath))
	destDir := strings.TrimSuffix(archivePath, filepath.Ext(archivePath)) + "_extracted"
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create extraction dir: %w", err)
	}

	switch ext {
	case ".zip", ".cbz":
		if err := extractZip(archivePath, destDir); err != nil {
			return "", err
		}
	case ".rar", ".cbr", ".7z":
		cmd := exec.CommandContext(ctx, "unar", "-f", "-o", destDir, archivePath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("unar failed for %s: %w (output: %s)", filepath.Base(archivePath), err, strings.TrimSpace(string(out)))
		}
	default:
		return "", fmt.Errorf("unsupported archive extension %q", ext)
	}
	return destDir, nil
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", filepath.Base(archivePath), err)
	}
	defer r.Close()

	cleanDest := filepath.Clean(destDir)
	for _, f := range r.File {
		destPath := filepath.Join(cleanDest, filepath.FromSlash(f.Name))
		// Guard against zip entries escaping the extraction dir.
		if destPath != cleanDest && !strings.HasPrefix(destPath, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes extraction directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return fmt.Errorf("failed to create dir for %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", f.Name, err)
		}
		if err := copyZipEntry(f, destPath); err != nil {
			return err
		}
	}
	return nil
}

func copyZipEntry(f *zip.File, destPath string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	return nil
}

// ListImages recursively walks dir and returns the full paths of all page
// images, lexicographically sorted. The sorted order is the page order.
func ListImages(dir string) ([]string, error) {
	var images []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(path))] {
			images = append(images, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(images)
	return images, nil
}

// buildArchive zips the given files (in order) into zipPath, storing each
// under its base name.
func buildArchive(files []string, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", zipPath, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, file := range files {
		if err := addArchiveEntry(zw, file); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive %s: %w", zipPath, err)
	}
	return nil
}

func addArchiveEntry(zw *zip.Writer, file string) error {
	src, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open %s for archiving: %w", file, err)
	}
	defer src.Close()

	w, err := zw.Create(filepath.Base(file))
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(file), err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("failed to write %s into archive: %w", filepath.Base(file), err)
	}
	return nil
}
