package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/el-tahir/audio-manga-sub000/internal/gcp"
	"github.com/el-tahir/audio-manga-sub000/internal/models"
)

// WorkerConfig holds all configuration for the background worker.
type WorkerConfig struct {
	ProjectID       string
	ChapterBucket   string
	PagePrefix      string
	CollectionName  string
	UploadParallel  int
	ClassifierModel string
}

// chapterStateStore is the slice of ChapterStore the worker drives. Tests
// substitute a recorder to pin the status write sequence.
type chapterStateStore interface {
	GetChapter(ctx context.Context, chapterNumber int) (*models.Chapter, bool, error)
	SetStatus(ctx context.Context, chapterNumber int, st models.Status) error
	SetTotalPages(ctx context.Context, chapterNumber, totalPages int) error
	MarkFailed(ctx context.Context, chapterNumber int, message string) error
	MarkCompleted(ctx context.Context, chapterNumber int) error
	UpsertChapter(ctx context.Context, chapterNumber, totalPages int) error
	DeleteClassifications(ctx context.Context, chapterNumber int) error
	InsertClassifications(ctx context.Context, chapterNumber int, rows []models.PageClassification) error
}

// blobBridge is the slice of gcp.Bridge the worker uses.
type blobBridge interface {
	Bucket() string
	Upload(ctx context.Context, localPath, object string) error
	Download(ctx context.Context, object, localPath string) error
	Delete(ctx context.Context, object string) error
}

// moodClassifier is satisfied by Classifier.
type moodClassifier interface {
	ClassifyChapter(ctx context.Context, pagePaths []string) ([]models.PageClassification, error)
}

// WorkerFunction consumes one task payload and drives the chapter through
// extraction, page upload, classification and persistence, advancing the
// status state machine before each stage.
type WorkerFunction struct {
	store      chapterStateStore
	bridge     blobBridge
	classifier moodClassifier
	config     WorkerConfig
}

func loadWorkerConfig() (*WorkerConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	chapterBucket := gcp.GetEnv("CHAPTER_BUCKET", "")
	if chapterBucket == "" {
		return nil, fmt.Errorf("CHAPTER_BUCKET environment variable must be set")
	}

	return &WorkerConfig{
		ProjectID:       projectID,
		ChapterBucket:   chapterBucket,
		PagePrefix:      gcp.GetEnv("PAGE_PREFIX", "chapters"),
		CollectionName:  gcp.GetEnv("FIRESTORE_COLLECTION", "chapters"),
		UploadParallel:  10,
		ClassifierModel: gcp.GetEnv("CLASSIFIER_MODEL", "gemini-1.5-pro"),
	}, nil
}

// NewWorker creates a WorkerFunction with all GCP clients wired.
func NewWorker(ctx context.Context) (*WorkerFunction, error) {
	config, err := loadWorkerConfig()
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
	classifierClients, err := gcp.NewClassifierClients(ctx,
		config.ProjectID,
		gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		config.ClassifierModel,
	)
	if err != nil {
		return nil, err
	}

	f := &WorkerFunction{
		store:      NewChapterStore(firestoreClient, config.CollectionName),
		bridge:     gcp.NewBridge(storageClient, config.ChapterBucket),
		classifier: NewClassifier(classifierClients, DefaultClassifierConfig()),
		config:     *config,
	}
	slog.Info("Worker logic initialized.", "bucket", config.ChapterBucket, "model", config.ClassifierModel)
	return f, nil
}

// Process executes the full worker run for one task. Stage failures mark the
// chapter failed and return nil: this is a fire-and-forget background job and
// a handled failure must not make the queue redeliver. Only infrastructure
// errors before the run can claim anything (payload lookup, status reads)
// propagate so the queue retries.
func (f *WorkerFunction) Process(ctx context.Context, payload models.TaskPayload) error {
	logCtx := slog.With("chapterNumber", payload.ChapterNumber, "sourceFilePath", payload.SourceFilePath)
	logCtx.Info("Worker run starting.")

	chapter, exists, err := f.store.GetChapter(ctx, payload.ChapterNumber)
	if err != nil {
		return err
	}
	if exists && chapter.Status == models.StatusCompleted {
		// At-least-once delivery: a redelivered task for a finished
		// chapter is acknowledged without reprocessing.
		logCtx.Info("Chapter already completed, skipping redelivered task.")
		return nil
	}

	object, err := f.objectFromURI(payload.SourceFilePath)
	if err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "invalid source file path", err)
	}

	tempDir, err := os.MkdirTemp("", "chapter-worker-*")
	if err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to create temp dir", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			logCtx.Warn("Failed to remove temp dir.", "path", tempDir, "error", err)
		}
	}()

	// Stage 1: fetch the packaged archive.
	if err := f.store.SetStatus(ctx, payload.ChapterNumber, models.StatusProcessingFileSetup); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to update status", err)
	}
	archivePath := filepath.Join(tempDir, filepath.Base(object))
	if err := f.bridge.Download(ctx, object, archivePath); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to download chapter package", err)
	}

	// Stage 2: unpack it.
	if err := f.store.SetStatus(ctx, payload.ChapterNumber, models.StatusProcessingExtraction); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to update status", err)
	}
	extractedDir, err := Extract(ctx, archivePath)
	if err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to extract chapter package", err)
	}

	// Stage 3: enumerate pages and upload each to its durable location.
	if err := f.store.SetStatus(ctx, payload.ChapterNumber, models.StatusProcessingImages); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to update status", err)
	}
	pages, err := ListImages(extractedDir)
	if err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to enumerate pages", err)
	}
	if len(pages) == 0 {
		logCtx.Warn("Archive contained no page images.")
	}
	if err := f.uploadPages(ctx, payload.ChapterNumber, pages); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to upload pages", err)
	}
	if err := f.store.SetTotalPages(ctx, payload.ChapterNumber, len(pages)); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to record total pages", err)
	}
	logCtx.Info("Pages uploaded.", "totalPages", len(pages))

	// Stage 4: classify.
	if err := f.store.SetStatus(ctx, payload.ChapterNumber, models.StatusProcessingAI); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to update status", err)
	}
	classifications, err := f.classifier.ClassifyChapter(ctx, pages)
	if err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to classify pages", err)
	}

	// Stage 5: persist.
	if err := f.store.SetStatus(ctx, payload.ChapterNumber, models.StatusProcessingDBSave); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to update status", err)
	}
	if err := f.store.UpsertChapter(ctx, payload.ChapterNumber, len(pages)); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to upsert chapter", err)
	}
	if err := f.store.DeleteClassifications(ctx, payload.ChapterNumber); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to clear stale classifications", err)
	}
	if err := f.store.InsertClassifications(ctx, payload.ChapterNumber, classifications); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to save classifications", err)
	}

	if err := f.store.MarkCompleted(ctx, payload.ChapterNumber); err != nil {
		return f.failRun(ctx, logCtx, payload.ChapterNumber, "failed to mark chapter completed", err)
	}

	// The ephemeral package is only removed after full success; failures
	// leave it for a retry or the sweeper.
	if err := f.bridge.Delete(ctx, object); err != nil {
		logCtx.Warn("Failed to delete ephemeral chapter package.", "gcsObject", object, "error", err)
	}

	logCtx.Info("Worker run complete.", "totalPages", len(pages))
	return nil
}

// failRun records the failure on the chapter and swallows the error: the
// trigger caller is long gone and a handled failure must not be redelivered.
func (f *WorkerFunction) failRun(ctx context.Context, logCtx *slog.Logger, chapterNumber int, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if err := f.store.MarkFailed(ctx, chapterNumber, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to mark chapter failed after a worker error.", "updateError", err)
	}
	return nil
}

func (f *WorkerFunction) uploadPages(ctx context.Context, chapterNumber int, pages []string) error {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(f.config.UploadParallel)

	for i, page := range pages {
		page := page
		pageNumber := i + 1
		eg.Go(func() error {
			object := fmt.Sprintf("%s/%d/%d%s", f.config.PagePrefix, chapterNumber, pageNumber, filepath.Ext(page))
			if err := f.bridge.Upload(gctx, page, object); err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// objectFromURI strips the gs://bucket/ prefix from the payload's source
// path, validating that it points into the worker's bucket.
func (f *WorkerFunction) objectFromURI(uri string) (string, error) {
	prefix := fmt.Sprintf("gs://%s/", f.bridge.Bucket())
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("source path %q is not in bucket %s", uri, f.bridge.Bucket())
	}
	object := strings.TrimPrefix(uri, prefix)
	if object == "" {
		return "", fmt.Errorf("source path %q has no object name", uri)
	}
	return object, nil
}
