package models

import "time"

// Status is the lifecycle state of a chapter in Firestore. The worker walks
// the processing_* states in order; "completed" and "failed" are terminal,
// though a failed chapter may be re-submitted through the trigger.
type Status string

const (
	StatusPending              Status = "pending"
	StatusProcessingFileSetup  Status = "processing_file_setup"
	StatusProcessingExtraction Status = "processing_extraction"
	StatusProcessingImages     Status = "processing_images"
	StatusProcessingAI         Status = "processing_ai"
	StatusProcessingDBSave     Status = "processing_db_save"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

// ProcessingStages lists the worker's status writes in execution order.
// Each stage status is written before the stage's work begins.
var ProcessingStages = []Status{
	StatusProcessingFileSetup,
	StatusProcessingExtraction,
	StatusProcessingImages,
	StatusProcessingAI,
	StatusProcessingDBSave,
}

// CanBeginProcessing reports whether a fresh acquisition may claim the
// chapter. Only a chapter with no row, or a previously failed one, is
// claimable; everything else means a run is mid-flight or already done.
func CanBeginProcessing(exists bool, current Status) bool {
	return !exists || current == StatusFailed
}

// Chapter is the master record for a chapter processing run.
type Chapter struct {
	ChapterNumber int       `firestore:"chapterNumber" json:"chapter_number"`
	Status        Status    `firestore:"status" json:"status"`
	TotalPages    int       `firestore:"totalPages" json:"total_pages"`
	ErrorMessage  string    `firestore:"errorMessage,omitempty" json:"error_message,omitempty"`
	ProcessedAt   time.Time `firestore:"processedAt,omitempty" json:"processed_at,omitempty"`
	CreatedAt     time.Time `firestore:"createdAt,omitempty" json:"created_at,omitempty"`
	UpdatedAt     time.Time `firestore:"updatedAt,omitempty" json:"updated_at,omitempty"`
}

// Category is one of the closed set of narrative mood labels.
type Category string

const (
	CategoryAction    Category = "action"
	CategoryTension   Category = "tension"
	CategorySuspense  Category = "suspense"
	CategorySadness   Category = "sadness"
	CategoryHappiness Category = "happiness"
	CategoryComedy    Category = "comedy"
	CategoryRomance   Category = "romance"
	CategoryFear      Category = "fear"
	CategoryMystery   Category = "mystery"
	CategoryDespair   Category = "despair"
	CategoryHope      Category = "hope"
	CategoryNostalgia Category = "nostalgia"
	CategoryEpic      Category = "epic"
	CategoryNeutral   Category = "neutral"
)

// DefaultCategory is substituted when the model returns a missing or
// unrecognized category, and used as the fallback when a group fails with no
// prior known-good mood.
const DefaultCategory = CategoryNeutral

// MoodCategories is the ordered closed set of assignable moods, with the
// short descriptions included in the classification prompt.
var MoodCategories = []struct {
	Name        Category
	Description string
}{
	{CategoryAction, "dynamic combat, chases, or high-energy physical movement"},
	{CategoryTension, "confrontation building, stakes rising, conflict imminent"},
	{CategorySuspense, "unresolved threat or anticipation, the reader is held waiting"},
	{CategorySadness, "grief, loss, or quiet melancholy"},
	{CategoryHappiness, "joy, relief, warmth between characters"},
	{CategoryComedy, "gags, exaggerated reactions, comedic timing"},
	{CategoryRomance, "affection, intimacy, romantic tension"},
	{CategoryFear, "dread, horror, characters in terror"},
	{CategoryMystery, "clues, secrets, something unexplained"},
	{CategoryDespair, "hopelessness, defeat, overwhelming odds"},
	{CategoryHope, "resolve renewed, light after darkness"},
	{CategoryNostalgia, "flashbacks, memories, wistful reflection"},
	{CategoryEpic, "grand reveals, decisive moments, dramatic scale"},
	{CategoryNeutral, "exposition, travel, everyday scenes with no strong mood"},
}

var validCategories = func() map[Category]bool {
	m := make(map[Category]bool, len(MoodCategories))
	for _, c := range MoodCategories {
		m[c.Name] = true
	}
	return m
}()

// IsValidCategory reports whether c belongs to the closed mood set.
func IsValidCategory(c Category) bool {
	return validCategories[c]
}

// PageClassification is one page's assigned mood, stored under the chapter's
// pages subcollection. PageNumber is 1-based and contiguous up to the
// chapter's totalPages.
type PageClassification struct {
	PageNumber  int      `firestore:"pageNumber" json:"page_number"`
	Filename    string   `firestore:"filename" json:"filename"`
	Category    Category `firestore:"category" json:"category"`
	Explanation string   `firestore:"explanation,omitempty" json:"explanation,omitempty"`
}
