package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/el-tahir/audio-manga-sub000/internal/gcp"
	"github.com/el-tahir/audio-manga-sub000/internal/models"
)

// ErrChapterNotFound means the source index has no entry for the requested
// chapter. Surfaced as 404 at the trigger.
var ErrChapterNotFound = errors.New("chapter not found in source index")

// AcquisitionConfig holds all configuration for the trigger path.
type AcquisitionConfig struct {
	ProjectID           string
	IndexBaseURL        string
	SeriesSlug          string
	ChapterBucket       string
	TempPrefix          string
	CollectionName      string
	DownloadTimeout     time.Duration
	DownloadParallelism int
}

// AcquisitionFunction resolves a chapter's pages from the external index,
// downloads and packages them, uploads the package, and hands the chapter to
// the durable queue.
type AcquisitionFunction struct {
	store      *ChapterStore
	bridge     *gcp.Bridge
	dispatcher *gcp.TaskDispatcher
	httpClient *http.Client
	config     AcquisitionConfig
}

func loadAcquisitionConfig() (*AcquisitionConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	seriesSlug := gcp.GetEnv("SERIES_SLUG", "")
	if seriesSlug == "" {
		return nil, fmt.Errorf("SERIES_SLUG environment variable must be set")
	}
	chapterBucket := gcp.GetEnv("CHAPTER_BUCKET", "")
	if chapterBucket == "" {
		return nil, fmt.Errorf("CHAPTER_BUCKET environment variable must be set")
	}

	return &AcquisitionConfig{
		ProjectID:           projectID,
		IndexBaseURL:        gcp.GetEnv("INDEX_BASE_URL", "https://cubari.moe/read/api/weebcentral"),
		SeriesSlug:          seriesSlug,
		ChapterBucket:       chapterBucket,
		TempPrefix:          gcp.GetEnv("TEMP_ARCHIVE_PREFIX", "tmp/chapters"),
		CollectionName:      gcp.GetEnv("FIRESTORE_COLLECTION", "chapters"),
		DownloadTimeout:     30 * time.Second,
		DownloadParallelism: 4,
	}, nil
}

// NewAcquisition creates an AcquisitionFunction with all GCP clients wired.
func NewAcquisition(ctx context.Context) (*AcquisitionFunction, error) {
	config, err := loadAcquisitionConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, err
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, err
	}
	dispatcher, err := gcp.NewTaskDispatcher(ctx,
		config.ProjectID,
		gcp.GetEnv("TASKS_LOCATION", "us-central1"),
		gcp.GetEnv("TASKS_QUEUE", "chapter-processing"),
		gcp.GetEnv("WORKER_URL", ""),
	)
	if err != nil {
		return nil, err
	}

	f := &AcquisitionFunction{
		store:      NewChapterStore(firestoreClient, config.CollectionName),
		bridge:     gcp.NewBridge(storageClient, config.ChapterBucket),
		dispatcher: dispatcher,
		httpClient: &http.Client{Timeout: config.DownloadTimeout},
		config:     *config,
	}
	slog.Info("Acquisition logic initialized.", "seriesSlug", config.SeriesSlug, "bucket", config.ChapterBucket)
	return f, nil
}

// Chapter returns the chapter read model for status polling.
func (f *AcquisitionFunction) Chapter(ctx context.Context, chapterNumber int) (*models.Chapter, bool, error) {
	return f.store.GetChapter(ctx, chapterNumber)
}

// Process runs the synchronous trigger path for one chapter: claim the
// chapter, resolve and download its pages, package and upload the archive,
// and enqueue the worker task. Any failure after the claim marks the chapter
// failed before the error propagates.
func (f *AcquisitionFunction) Process(ctx context.Context, chapterNumber int) (*models.TriggerResponse, error) {
	if chapterNumber <= 0 {
		return nil, fmt.Errorf("chapter number must be positive, got %d", chapterNumber)
	}
	logCtx := slog.With("chapterNumber", chapterNumber)

	if err := f.store.BeginProcessing(ctx, chapterNumber); err != nil {
		return nil, err
	}
	logCtx.Info("Chapter claimed for processing.")

	tempDir, err := os.MkdirTemp("", "chapter-acquire-*")
	if err != nil {
		return nil, f.failAcquisition(ctx, logCtx, chapterNumber, "failed to create temp dir", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			logCtx.Warn("Failed to remove temp dir.", "path", tempDir, "error", err)
		}
	}()

	pageURLs, err := f.resolvePageURLs(ctx, chapterNumber)
	if err != nil {
		return nil, f.failAcquisition(ctx, logCtx, chapterNumber, "failed to resolve chapter pages", err)
	}
	logCtx.Info("Resolved page URLs.", "pageCount", len(pageURLs))

	files, err := f.downloadPages(ctx, logCtx, pageURLs, tempDir)
	if err != nil {
		return nil, f.failAcquisition(ctx, logCtx, chapterNumber, "failed to download chapter pages", err)
	}

	archivePath := filepath.Join(tempDir, fmt.Sprintf("chapter_%d.zip", chapterNumber))
	if err := buildArchive(files, archivePath); err != nil {
		return nil, f.failAcquisition(ctx, logCtx, chapterNumber, "failed to package chapter", err)
	}

	object := fmt.Sprintf("%s/%d-%s.zip", f.config.TempPrefix, chapterNumber, uuid.New().String())
	if err := f.bridge.Upload(ctx, archivePath, object); err != nil {
		return nil, f.failAcquisition(ctx, logCtx, chapterNumber, "failed to upload chapter package", err)
	}
	logCtx.Info("Chapter package uploaded.", "gcsObject", object)

	payload := models.TaskPayload{
		ChapterNumber:  chapterNumber,
		SourceFilePath: f.bridge.URI(object),
	}
	taskID, err := f.dispatcher.Enqueue(ctx, payload)
	if err != nil {
		// The uploaded blob is deliberately left in place; the sweeper
		// reclaims it once it ages out.
		return nil, f.failAcquisition(ctx, logCtx, chapterNumber, "failed to enqueue processing task", err)
	}

	logCtx.Info("Chapter handed to queue.", "taskId", taskID, "downloadedPages", len(files))
	return &models.TriggerResponse{ChapterNumber: chapterNumber, Status: models.StatusPending}, nil
}

func (f *AcquisitionFunction) failAcquisition(ctx context.Context, logCtx *slog.Logger, chapterNumber int, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if err := f.store.MarkFailed(ctx, chapterNumber, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to mark chapter failed after an acquisition error.", "updateError", err)
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}

// seriesManifest is the index's series document: chapter number -> scan
// groups, each group keyed by a group ID mapping to a page-list path.
type seriesManifest struct {
	Chapters map[string]struct {
		Groups map[string]string `json:"groups"`
	} `json:"chapters"`
}

// resolvePageURLs performs the two-step index lookup: series manifest, then
// the chapter's page list through its scan group.
func (f *AcquisitionFunction) resolvePageURLs(ctx context.Context, chapterNumber int) ([]string, error) {
	seriesURL := fmt.Sprintf("%s/series/%s/", strings.TrimSuffix(f.config.IndexBaseURL, "/"), f.config.SeriesSlug)
	var manifest seriesManifest
	if err := f.fetchJSON(ctx, seriesURL, &manifest); err != nil {
		return nil, fmt.Errorf("failed to fetch series manifest: %w", err)
	}

	chapter, ok := manifest.Chapters[strconv.Itoa(chapterNumber)]
	if !ok {
		return nil, fmt.Errorf("%w: chapter %d", ErrChapterNotFound, chapterNumber)
	}
	if len(chapter.Groups) == 0 {
		return nil, fmt.Errorf("no scan groups listed for chapter %d", chapterNumber)
	}

	// Group "1" is the canonical scan group; fall back to whichever group
	// the map yields first.
	groupPath, ok := chapter.Groups["1"]
	if !ok {
		for key, path := range chapter.Groups {
			slog.Warn("Canonical scan group missing, using first available.", "chapterNumber", chapterNumber, "groupKey", key)
			groupPath = path
			break
		}
	}

	detailsURL, err := f.resolveGroupURL(groupPath)
	if err != nil {
		return nil, err
	}

	body, err := f.fetchBody(ctx, detailsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chapter page list: %w", err)
	}
	return parsePageList(body)
}

// resolveGroupURL roots a site-relative group path against the index host.
func (f *AcquisitionFunction) resolveGroupURL(groupPath string) (string, error) {
	if strings.HasPrefix(groupPath, "http://") || strings.HasPrefix(groupPath, "https://") {
		return groupPath, nil
	}
	base, err := url.Parse(f.config.IndexBaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid index base URL %q: %w", f.config.IndexBaseURL, err)
	}
	return base.Scheme + "://" + base.Host + groupPath, nil
}

func (f *AcquisitionFunction) fetchJSON(ctx context.Context, rawURL string, out interface{}) error {
	body, err := f.fetchBody(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", rawURL, err)
	}
	return nil
}

func (f *AcquisitionFunction) fetchBody(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request to %s returned status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", rawURL, err)
	}
	return body, nil
}

// parsePageList accepts the two page-list response shapes the index serves: a
// bare JSON array of URLs, or an object with a "pages" array. Anything else,
// or an object without a pages field, is an error. An empty list is valid.
func parsePageList(body []byte) ([]string, error) {
	trimmed := strings.TrimSpace(string(body))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var urls []string
		if err := json.Unmarshal(body, &urls); err != nil {
			return nil, fmt.Errorf("failed to parse page list array: %w", err)
		}
		return urls, nil
	case strings.HasPrefix(trimmed, "{"):
		var wrapper struct {
			Pages *[]string `json:"pages"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("failed to parse page list object: %w", err)
		}
		if wrapper.Pages == nil {
			return nil, fmt.Errorf("page list object has no pages field")
		}
		return *wrapper.Pages, nil
	default:
		return nil, fmt.Errorf("unrecognized page list response shape")
	}
}

// downloadPages fetches every page URL with per-page fault tolerance, then
// renames the successes sequentially by download position. A failed page is
// skipped; zero successes out of a non-empty list is a hard failure.
func (f *AcquisitionFunction) downloadPages(ctx context.Context, logCtx *slog.Logger, pageURLs []string, destDir string) ([]string, error) {
	downloaded := make([]string, len(pageURLs))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(f.config.DownloadParallelism)
	for i, pageURL := range pageURLs {
		i, pageURL := i, pageURL
		eg.Go(func() error {
			path, err := f.downloadPage(gctx, pageURL, destDir, i)
			if err != nil {
				// Per-page failures are recovered locally and never
				// abort the batch.
				logCtx.Warn("Page download failed, skipping.", "sourcePosition", i+1, "url", pageURL, "error", err)
				return nil
			}
			downloaded[i] = path
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var files []string
	sequence := 1
	for _, path := range downloaded {
		if path == "" {
			continue
		}
		finalPath := filepath.Join(destDir, fmt.Sprintf("page_%03d%s", sequence, filepath.Ext(path)))
		if err := os.Rename(path, finalPath); err != nil {
			return nil, fmt.Errorf("failed to rename downloaded page: %w", err)
		}
		files = append(files, finalPath)
		sequence++
	}

	if len(files) == 0 && len(pageURLs) > 0 {
		return nil, fmt.Errorf("all %d page downloads failed", len(pageURLs))
	}
	logCtx.Info("Pages downloaded.", "succeeded", len(files), "requested", len(pageURLs))
	return files, nil
}

func (f *AcquisitionFunction) downloadPage(ctx context.Context, pageURL, destDir string, index int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	ext := extensionFromContentType(resp.Header.Get("Content-Type"))
	path := filepath.Join(destDir, fmt.Sprintf("raw_%04d.%s", index, ext))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create page file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write page file: %w", err)
	}
	return path, nil
}

// extensionFromContentType derives a page file extension from the download's
// content-type header, defaulting to png.
func extensionFromContentType(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return "jpg"
	case strings.Contains(ct, "webp"):
		return "webp"
	case strings.Contains(ct, "gif"):
		return "gif"
	default:
		return "png"
	}
}
