package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testAcquisition(serverURL string) *AcquisitionFunction {
	return &AcquisitionFunction{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		config: AcquisitionConfig{
			IndexBaseURL:        serverURL + "/read/api/weebcentral",
			SeriesSlug:          "test-series",
			DownloadTimeout:     5 * time.Second,
			DownloadParallelism: 2,
		},
	}
}

func TestResolvePageURLs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/read/api/weebcentral/series/test-series/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chapters": {
			"12": {"groups": {"1": "/read/api/weebcentral/chapter/12"}},
			"13": {"groups": {"7": "/read/api/weebcentral/chapter/13"}},
			"14": {"groups": {}},
			"15": {"groups": {"1": "/read/api/weebcentral/chapter/15"}},
			"16": {"groups": {"1": "/read/api/weebcentral/chapter/16"}}
		}}`)
	})
	mux.HandleFunc("/read/api/weebcentral/chapter/12", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `["http://img/1.png", "http://img/2.png"]`)
	})
	mux.HandleFunc("/read/api/weebcentral/chapter/13", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"pages": ["http://img/a.png"]}`)
	})
	mux.HandleFunc("/read/api/weebcentral/chapter/15", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"title": "no page list here"}`)
	})
	mux.HandleFunc("/read/api/weebcentral/chapter/16", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := testAcquisition(srv.URL)
	ctx := context.Background()

	t.Run("bare array shape", func(t *testing.T) {
		urls, err := f.resolvePageURLs(ctx, 12)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(urls) != 2 || urls[0] != "http://img/1.png" {
			t.Errorf("unexpected urls: %v", urls)
		}
	})

	t.Run("pages object shape with fallback group", func(t *testing.T) {
		urls, err := f.resolvePageURLs(ctx, 13)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(urls) != 1 || urls[0] != "http://img/a.png" {
			t.Errorf("unexpected urls: %v", urls)
		}
	})

	t.Run("missing chapter", func(t *testing.T) {
		_, err := f.resolvePageURLs(ctx, 99)
		if !errors.Is(err, ErrChapterNotFound) {
			t.Errorf("error = %v, want ErrChapterNotFound", err)
		}
	})

	t.Run("no scan groups", func(t *testing.T) {
		if _, err := f.resolvePageURLs(ctx, 14); err == nil {
			t.Error("expected error for chapter with no groups")
		}
	})

	t.Run("object without pages field", func(t *testing.T) {
		if _, err := f.resolvePageURLs(ctx, 15); err == nil {
			t.Error("expected error for page list object without pages")
		}
	})

	t.Run("empty page list is valid", func(t *testing.T) {
		urls, err := f.resolvePageURLs(ctx, 16)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(urls) != 0 {
			t.Errorf("got %d urls, want 0", len(urls))
		}
	})
}

func TestParsePageList(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"bare array", `["a", "b", "c"]`, 3, false},
		{"empty array", `[]`, 0, false},
		{"pages object", `{"pages": ["a"]}`, 1, false},
		{"empty pages object", `{"pages": []}`, 0, false},
		{"object missing pages", `{"images": ["a"]}`, 0, true},
		{"scalar", `"nope"`, 0, true},
		{"garbage", `not json at all`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			urls, err := parsePageList([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(urls) != tt.want {
				t.Errorf("got %d urls, want %d", len(urls), tt.want)
			}
		})
	}
}

func TestDownloadPagesPartialSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pages/", func(w http.ResponseWriter, r *http.Request) {
		switch filepath.Base(r.URL.Path) {
		case "2", "4":
			http.Error(w, "gone", http.StatusNotFound)
		default:
			w.Header().Set("Content-Type", "image/jpeg")
			fmt.Fprint(w, "image-bytes")
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := testAcquisition(srv.URL)
	var urls []string
	for i := 1; i <= 5; i++ {
		urls = append(urls, fmt.Sprintf("%s/pages/%d", srv.URL, i))
	}

	dir := t.TempDir()
	files, err := f.downloadPages(context.Background(), slog.Default(), urls, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3 (pages 2 and 4 fail)", len(files))
	}
	// Successes are renamed contiguously by download position.
	for i, file := range files {
		want := fmt.Sprintf("page_%03d.jpg", i+1)
		if filepath.Base(file) != want {
			t.Errorf("file %d = %s, want %s", i, filepath.Base(file), want)
		}
		if _, err := os.Stat(file); err != nil {
			t.Errorf("file %s not on disk: %v", file, err)
		}
	}
}

func TestDownloadPagesAllFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := testAcquisition(srv.URL)
	urls := []string{srv.URL + "/1", srv.URL + "/2"}

	_, err := f.downloadPages(context.Background(), slog.Default(), urls, t.TempDir())
	if err == nil {
		t.Fatal("expected hard failure when zero of N downloads succeed")
	}
}

func TestDownloadPagesEmptyList(t *testing.T) {
	f := testAcquisition("http://unused")
	files, err := f.downloadPages(context.Background(), slog.Default(), nil, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("got %d files, want 0", len(files))
	}
}

func TestExtensionFromContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"image/jpeg", "jpg"},
		{"image/jpg", "jpg"},
		{"IMAGE/JPEG; charset=binary", "jpg"},
		{"image/png", "png"},
		{"image/webp", "webp"},
		{"image/gif", "gif"},
		{"application/octet-stream", "png"},
		{"", "png"},
	}
	for _, tt := range tests {
		if got := extensionFromContentType(tt.contentType); got != tt.want {
			t.Errorf("extensionFromContentType(%q) = %q, want %q", tt.contentType, got, tt.want)
		}
	}
}
