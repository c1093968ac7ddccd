package services

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTestZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create zip: %v", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("failed to add entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to finalize zip: %v", err)
	}
}

func TestExtractZipAndListImages(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "chapter_5.zip")
	writeTestZip(t, archivePath, map[string]string{
		"page_003.png": "c",
		"page_001.jpg": "a",
		"page_002.jpg": "b",
		"notes.txt":    "not a page",
	})

	extracted, err := Extract(context.Background(), archivePath)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	images, err := ListImages(extracted)
	if err != nil {
		t.Fatalf("ListImages failed: %v", err)
	}
	if len(images) != 3 {
		t.Fatalf("got %d images, want 3 (non-image filtered out)", len(images))
	}
	want := []string{"page_001.jpg", "page_002.jpg", "page_003.png"}
	for i, image := range images {
		if filepath.Base(image) != want[i] {
			t.Errorf("image %d = %s, want %s (lexicographic page order)", i, filepath.Base(image), want[i])
		}
	}
}

func TestExtractCBZ(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "chapter.cbz")
	writeTestZip(t, archivePath, map[string]string{"page_001.jpg": "a"})

	extracted, err := Extract(context.Background(), archivePath)
	if err != nil {
		t.Fatalf("Extract failed for .cbz: %v", err)
	}
	images, err := ListImages(extracted)
	if err != nil || len(images) != 1 {
		t.Errorf("ListImages = %v, %v; want one image", images, err)
	}
}

func TestExtractUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "chapter.tar.gz")
	if err := os.WriteFile(archivePath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Extract(context.Background(), archivePath); err == nil {
		t.Error("expected error for unsupported archive extension")
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.zip")
	writeTestZip(t, archivePath, map[string]string{"../escape.jpg": "x"})

	if _, err := Extract(context.Background(), archivePath); err == nil {
		t.Error("expected error for entry escaping the extraction dir")
	}
}

func TestListImagesRecursesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "vol1")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{filepath.Join(dir, "b.webp"), filepath.Join(sub, "a.gif")} {
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	images, err := ListImages(dir)
	if err != nil {
		t.Fatalf("ListImages failed: %v", err)
	}
	if len(images) != 2 {
		t.Errorf("got %d images, want 2", len(images))
	}
}

func TestBuildArchiveRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	var files []string
	for _, name := range []string{"page_001.jpg", "page_002.png"} {
		path := filepath.Join(srcDir, name)
		if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		files = append(files, path)
	}

	zipPath := filepath.Join(t.TempDir(), "out.zip")
	if err := buildArchive(files, zipPath); err != nil {
		t.Fatalf("buildArchive failed: %v", err)
	}

	extracted, err := Extract(context.Background(), zipPath)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	images, err := ListImages(extracted)
	if err != nil {
		t.Fatalf("ListImages failed: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("round trip lost pages: got %d, want 2", len(images))
	}
	content, err := os.ReadFile(images[0])
	if err != nil || string(content) != "page_001.jpg" {
		t.Errorf("round trip corrupted content: %q, %v", content, err)
	}
}
