package services

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/el-tahir/audio-manga-sub000/internal/gcp"
	"github.com/el-tahir/audio-manga-sub000/internal/models"
)

// recordingStore logs every state write so tests can assert the order the
// worker drives the chapter through.
type recordingStore struct {
	chapter *models.Chapter
	ops     []string
}

func (s *recordingStore) GetChapter(ctx context.Context, chapterNumber int) (*models.Chapter, bool, error) {
	return s.chapter, s.chapter != nil, nil
}

func (s *recordingStore) SetStatus(ctx context.Context, chapterNumber int, st models.Status) error {
	s.ops = append(s.ops, "status:"+string(st))
	return nil
}

func (s *recordingStore) SetTotalPages(ctx context.Context, chapterNumber, totalPages int) error {
	s.ops = append(s.ops, fmt.Sprintf("totalPages:%d", totalPages))
	return nil
}

func (s *recordingStore) MarkFailed(ctx context.Context, chapterNumber int, message string) error {
	s.ops = append(s.ops, "failed")
	return nil
}

func (s *recordingStore) MarkCompleted(ctx context.Context, chapterNumber int) error {
	s.ops = append(s.ops, "completed")
	return nil
}

func (s *recordingStore) UpsertChapter(ctx context.Context, chapterNumber, totalPages int) error {
	s.ops = append(s.ops, fmt.Sprintf("upsert:%d", totalPages))
	return nil
}

func (s *recordingStore) DeleteClassifications(ctx context.Context, chapterNumber int) error {
	s.ops = append(s.ops, "clear")
	return nil
}

func (s *recordingStore) InsertClassifications(ctx context.Context, chapterNumber int, rows []models.PageClassification) error {
	s.ops = append(s.ops, fmt.Sprintf("insert:%d", len(rows)))
	return nil
}

// fakeBridge serves a two-page zip for any download and records blob writes.
type fakeBridge struct {
	t *testing.T

	mu      sync.Mutex
	uploads []string
	deleted []string
}

func (b *fakeBridge) Bucket() string { return "manga-chapters" }

func (b *fakeBridge) Upload(ctx context.Context, localPath, object string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, object)
	return nil
}

func (b *fakeBridge) Download(ctx context.Context, object, localPath string) error {
	writeTestZip(b.t, localPath, map[string]string{
		"page_001.jpg": "a",
		"page_002.jpg": "b",
	})
	return nil
}

func (b *fakeBridge) Delete(ctx context.Context, object string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, object)
	return nil
}

type fakeClassifier struct{}

func (fakeClassifier) ClassifyChapter(ctx context.Context, pagePaths []string) ([]models.PageClassification, error) {
	out := make([]models.PageClassification, len(pagePaths))
	for i, p := range pagePaths {
		out[i] = models.PageClassification{
			PageNumber: i + 1,
			Filename:   filepath.Base(p),
			Category:   models.CategoryAction,
		}
	}
	return out, nil
}

func testWorker(t *testing.T, store *recordingStore) (*WorkerFunction, *fakeBridge) {
	bridge := &fakeBridge{t: t}
	f := &WorkerFunction{
		store:      store,
		bridge:     bridge,
		classifier: fakeClassifier{},
		config:     WorkerConfig{PagePrefix: "chapters", UploadParallel: 2},
	}
	return f, bridge
}

func TestWorkerProcessWritesStagesInOrder(t *testing.T) {
	store := &recordingStore{}
	f, bridge := testWorker(t, store)

	err := f.Process(context.Background(), models.TaskPayload{
		ChapterNumber:  42,
		SourceFilePath: "gs://manga-chapters/tmp/chapters/42-abc.zip",
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := []string{
		"status:" + string(models.StatusProcessingFileSetup),
		"status:" + string(models.StatusProcessingExtraction),
		"status:" + string(models.StatusProcessingImages),
		"totalPages:2",
		"status:" + string(models.StatusProcessingAI),
		"status:" + string(models.StatusProcessingDBSave),
		"upsert:2",
		"clear",
		"insert:2",
		"completed",
	}
	if !reflect.DeepEqual(store.ops, want) {
		t.Errorf("state writes out of order:\n got %v\nwant %v", store.ops, want)
	}

	var statuses []models.Status
	for _, op := range store.ops {
		if rest, ok := strings.CutPrefix(op, "status:"); ok {
			statuses = append(statuses, models.Status(rest))
		}
	}
	if !reflect.DeepEqual(statuses, models.ProcessingStages) {
		t.Errorf("status sequence = %v, want every stage in order %v", statuses, models.ProcessingStages)
	}

	if len(bridge.uploads) != 2 {
		t.Errorf("uploaded %d pages, want 2", len(bridge.uploads))
	}
	if len(bridge.deleted) != 1 || bridge.deleted[0] != "tmp/chapters/42-abc.zip" {
		t.Errorf("ephemeral package not deleted after success: %v", bridge.deleted)
	}
}

func TestWorkerProcessSkipsCompletedChapter(t *testing.T) {
	store := &recordingStore{chapter: &models.Chapter{ChapterNumber: 42, Status: models.StatusCompleted}}
	f, bridge := testWorker(t, store)

	err := f.Process(context.Background(), models.TaskPayload{
		ChapterNumber:  42,
		SourceFilePath: "gs://manga-chapters/tmp/chapters/42-abc.zip",
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(store.ops) != 0 {
		t.Errorf("redelivered completed chapter triggered writes: %v", store.ops)
	}
	if len(bridge.uploads) != 0 || len(bridge.deleted) != 0 {
		t.Error("redelivered completed chapter touched the bucket")
	}
}

func TestWorkerProcessMarksFailedOnBadSourcePath(t *testing.T) {
	store := &recordingStore{}
	f, _ := testWorker(t, store)

	err := f.Process(context.Background(), models.TaskPayload{
		ChapterNumber:  42,
		SourceFilePath: "gs://other-bucket/tmp/chapters/42.zip",
	})
	if err != nil {
		t.Fatalf("handled failure must not propagate to the queue: %v", err)
	}
	if !reflect.DeepEqual(store.ops, []string{"failed"}) {
		t.Errorf("state writes = %v, want only the failure mark", store.ops)
	}
}

func TestObjectFromURI(t *testing.T) {
	f := &WorkerFunction{bridge: gcp.NewBridge(nil, "manga-chapters")}

	tests := []struct {
		name    string
		uri     string
		want    string
		wantErr bool
	}{
		{"valid", "gs://manga-chapters/tmp/chapters/12-abc.zip", "tmp/chapters/12-abc.zip", false},
		{"wrong bucket", "gs://other-bucket/tmp/chapters/12.zip", "", true},
		{"not a gcs uri", "https://example.com/file.zip", "", true},
		{"bucket only", "gs://manga-chapters/", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.objectFromURI(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("objectFromURI(%q) = %q, want %q", tt.uri, got, tt.want)
			}
		})
	}
}
