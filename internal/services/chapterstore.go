package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/el-tahir/audio-manga-sub000/internal/models"
)

// classificationBatchSize bounds each Firestore batch commit so a long
// chapter never exceeds the write payload limits.
const classificationBatchSize = 30

// ChapterBusyError is returned when an acquisition attempts to claim a
// chapter that is already completed or mid-flight.
type ChapterBusyError struct {
	ChapterNumber int
	Status        models.Status
}

func (e *ChapterBusyError) Error() string {
	return fmt.Sprintf("chapter %d is already %s", e.ChapterNumber, e.Status)
}

// ChapterStore owns all Firestore access for the chapter state machine and
// the per-page classification rows.
type ChapterStore struct {
	client     *firestore.Client
	collection string
}

func NewChapterStore(client *firestore.Client, collection string) *ChapterStore {
	return &ChapterStore{client: client, collection: collection}
}

func (s *ChapterStore) chapterRef(chapterNumber int) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(strconv.Itoa(chapterNumber))
}

func (s *ChapterStore) pagesRef(chapterNumber int) *firestore.CollectionRef {
	return s.chapterRef(chapterNumber).Collection("pages")
}

// BeginProcessing atomically claims the chapter for a new run. The check and
// the pending write happen inside one transaction, so two concurrent trigger
// submissions for the same chapter cannot both pass the guard.
func (s *ChapterStore) BeginProcessing(ctx context.Context, chapterNumber int) error {
	ref := s.chapterRef(chapterNumber)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read chapter %d: %w", chapterNumber, err)
		}

		exists := err == nil && snap.Exists()
		var current models.Status
		if exists {
			var ch models.Chapter
			if err := snap.DataTo(&ch); err != nil {
				return fmt.Errorf("failed to decode chapter %d: %w", chapterNumber, err)
			}
			current = ch.Status
		}
		if !models.CanBeginProcessing(exists, current) {
			return &ChapterBusyError{ChapterNumber: chapterNumber, Status: current}
		}

		now := time.Now()
		return tx.Set(ref, models.Chapter{
			ChapterNumber: chapterNumber,
			Status:        models.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	})
}

// SetStatus advances the chapter to the given processing status.
func (s *ChapterStore) SetStatus(ctx context.Context, chapterNumber int, st models.Status) error {
	_, err := s.chapterRef(chapterNumber).Update(ctx, []firestore.Update{
		{Path: "status", Value: st},
		{Path: "updatedAt", Value: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to set chapter %d status to %s: %w", chapterNumber, st, err)
	}
	return nil
}

// SetTotalPages records the count of successfully acquired pages. This is
// authoritative only once the images stage has completed.
func (s *ChapterStore) SetTotalPages(ctx context.Context, chapterNumber, totalPages int) error {
	_, err := s.chapterRef(chapterNumber).Update(ctx, []firestore.Update{
		{Path: "totalPages", Value: totalPages},
		{Path: "updatedAt", Value: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to record total pages for chapter %d: %w", chapterNumber, err)
	}
	return nil
}

// MarkFailed moves the chapter to failed with a descriptive message.
func (s *ChapterStore) MarkFailed(ctx context.Context, chapterNumber int, message string) error {
	_, err := s.chapterRef(chapterNumber).Update(ctx, []firestore.Update{
		{Path: "status", Value: models.StatusFailed},
		{Path: "errorMessage", Value: message},
		{Path: "updatedAt", Value: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to mark chapter %d failed: %w", chapterNumber, err)
	}
	return nil
}

// MarkCompleted finalizes the chapter: completed status, processedAt stamp,
// and any stale error message cleared.
func (s *ChapterStore) MarkCompleted(ctx context.Context, chapterNumber int) error {
	now := time.Now()
	_, err := s.chapterRef(chapterNumber).Update(ctx, []firestore.Update{
		{Path: "status", Value: models.StatusCompleted},
		{Path: "errorMessage", Value: ""},
		{Path: "processedAt", Value: now},
		{Path: "updatedAt", Value: now},
	})
	if err != nil {
		return fmt.Errorf("failed to mark chapter %d completed: %w", chapterNumber, err)
	}
	return nil
}

// GetChapter fetches the chapter row. The second return value is false when
// no row exists.
func (s *ChapterStore) GetChapter(ctx context.Context, chapterNumber int) (*models.Chapter, bool, error) {
	snap, err := s.chapterRef(chapterNumber).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get chapter %d: %w", chapterNumber, err)
	}
	var ch models.Chapter
	if err := snap.DataTo(&ch); err != nil {
		return nil, false, fmt.Errorf("failed to decode chapter %d: %w", chapterNumber, err)
	}
	return &ch, true, nil
}

// UpsertChapter idempotently records the chapter's page count.
func (s *ChapterStore) UpsertChapter(ctx context.Context, chapterNumber, totalPages int) error {
	_, err := s.chapterRef(chapterNumber).Set(ctx, map[string]interface{}{
		"chapterNumber": chapterNumber,
		"totalPages":    totalPages,
		"updatedAt":     time.Now(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to upsert chapter %d: %w", chapterNumber, err)
	}
	return nil
}

// DeleteClassifications removes all existing page rows for the chapter. Used
// before inserting fresh results so a re-run of a previously failed chapter
// can never leave stale pages beyond the new total.
func (s *ChapterStore) DeleteClassifications(ctx context.Context, chapterNumber int) error {
	it := s.pagesRef(chapterNumber).Documents(ctx)
	defer it.Stop()

	batch := s.client.Batch()
	var pending int
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list pages for chapter %d: %w", chapterNumber, err)
		}
		batch.Delete(snap.Ref)
		pending++
		if pending == classificationBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return fmt.Errorf("failed to delete pages for chapter %d: %w", chapterNumber, err)
			}
			batch = s.client.Batch()
			pending = 0
		}
	}
	if pending > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("failed to delete pages for chapter %d: %w", chapterNumber, err)
		}
	}
	return nil
}

// InsertClassifications writes the page rows in batches. A batch rejected for
// an invalid or oversized optional field is retried once with explanations
// omitted; any other batch failure is fatal for the run.
func (s *ChapterStore) InsertClassifications(ctx context.Context, chapterNumber int, rows []models.PageClassification) error {
	for _, chunk := range partitionClassifications(rows, classificationBatchSize) {
		err := s.commitClassificationBatch(ctx, chapterNumber, chunk, true)
		if err != nil && isSchemaCompatibilityError(err) {
			slog.Warn("Batch rejected for optional field, retrying without explanations.",
				"chapterNumber", chapterNumber,
				"firstPage", chunk[0].PageNumber,
				"error", err,
			)
			err = s.commitClassificationBatch(ctx, chapterNumber, chunk, false)
		}
		if err != nil {
			return fmt.Errorf("failed to insert classifications for chapter %d: %w", chapterNumber, err)
		}
	}
	return nil
}

func (s *ChapterStore) commitClassificationBatch(ctx context.Context, chapterNumber int, rows []models.PageClassification, withExplanation bool) error {
	batch := s.client.Batch()
	for _, row := range rows {
		ref := s.pagesRef(chapterNumber).Doc(strconv.Itoa(row.PageNumber))
		if withExplanation {
			batch.Set(ref, row)
			continue
		}
		batch.Set(ref, map[string]interface{}{
			"pageNumber": row.PageNumber,
			"filename":   row.Filename,
			"category":   row.Category,
		})
	}
	_, err := batch.Commit(ctx)
	return err
}

// partitionClassifications splits rows into chunks of at most size.
func partitionClassifications(rows []models.PageClassification, size int) [][]models.PageClassification {
	if size <= 0 || len(rows) == 0 {
		return nil
	}
	chunks := make([][]models.PageClassification, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

// isSchemaCompatibilityError identifies batch failures caused by an optional
// field the backing schema cannot accept, as opposed to real write failures.
func isSchemaCompatibilityError(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	return ok && s.Code() == codes.InvalidArgument
}
