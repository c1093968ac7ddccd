package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"

	"github.com/el-tahir/audio-manga-sub000/internal/gcp"
	"github.com/el-tahir/audio-manga-sub000/internal/models"
)

// classificationGroupSize is the fixed sliding-window size. The model always
// receives exactly this many images; a short final group is padded by
// repeating its last page and the padded results are discarded.
const classificationGroupSize = 3

// ClassifierConfig tunes the engine's retry and pacing behavior.
type ClassifierConfig struct {
	Fallback      FallbackPolicy
	GroupDelayMin time.Duration
	GroupDelayMax time.Duration
}

// DefaultClassifierConfig matches the upstream rate limits the engine is
// expected to run against.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Fallback:      DefaultFallbackPolicy(),
		GroupDelayMin: 1 * time.Second,
		GroupDelayMax: 2 * time.Second,
	}
}

// Classifier assigns a mood category to every page of a chapter using a
// vision model, in strictly sequential groups so each group's prompt can
// carry the previous group's final mood.
type Classifier struct {
	clients []*gcp.ClassifierClient
	config  ClassifierConfig

	// callGroup performs one window's model call. It defaults to the
	// Vertex path and is swapped for a stub in tests.
	callGroup func(ctx context.Context, group pageGroup, contextNote string) ([]groupRecord, error)
}

func NewClassifier(clients []*gcp.ClassifierClient, config ClassifierConfig) *Classifier {
	c := &Classifier{clients: clients, config: config}
	c.callGroup = c.classifyGroup
	return c
}

// pageGroup is one window of page paths. Real counts the non-padding pages.
type pageGroup struct {
	Paths []string
	Real  int
}

// groupRecord is the JSON shape the model must return, one per input image.
type groupRecord struct {
	Filename    string `json:"filename"`
	Category    string `json:"category"`
	Explanation string `json:"explanation"`
}

// ClassifyChapter classifies all pages in order and applies the smoothing
// pass. A failed group degrades to fallback moods for its real pages;
// it never fails the chapter.
func (c *Classifier) ClassifyChapter(ctx context.Context, pagePaths []string) ([]models.PageClassification, error) {
	if len(pagePaths) == 0 {
		return nil, nil
	}

	groups := buildGroups(pagePaths, classificationGroupSize)
	results := make([]models.PageClassification, 0, len(pagePaths))

	contextNote := gcp.ContextStartOfChapter
	var lastGood models.Category
	pageNumber := 1

	for gi, group := range groups {
		logCtx := slog.With("group", gi+1, "totalGroups", len(groups), "firstPage", pageNumber)

		records, err := c.callGroup(ctx, group, contextNote)
		if err != nil {
			fallback := lastGood
			if fallback == "" {
				fallback = models.DefaultCategory
			}
			logCtx.Warn("Group classification failed, applying fallback mood.", "fallback", fallback, "error", err)
			for i := 0; i < group.Real; i++ {
				results = append(results, models.PageClassification{
					PageNumber:  pageNumber,
					Filename:    filepath.Base(group.Paths[i]),
					Category:    fallback,
					Explanation: "classification unavailable for this group; mood carried over from preceding pages",
				})
				pageNumber++
			}
		} else {
			for i := 0; i < group.Real; i++ {
				category := models.Category(strings.ToLower(strings.TrimSpace(records[i].Category)))
				if !models.IsValidCategory(category) {
					logCtx.Warn("Model returned unknown category, substituting default.",
						"returned", records[i].Category, "page", pageNumber)
					category = models.DefaultCategory
				}
				results = append(results, models.PageClassification{
					PageNumber:  pageNumber,
					Filename:    filepath.Base(group.Paths[i]),
					Category:    category,
					Explanation: records[i].Explanation,
				})
				lastGood = category
				pageNumber++
			}
		}

		// Every group appends at least one page, so the next prompt's
		// context always reflects the immediately preceding page, fallback
		// or not.
		last := results[len(results)-1]
		contextNote = fmt.Sprintf("The previous page was classified as %q because: %s", last.Category, last.Explanation)

		if gi < len(groups)-1 {
			if err := c.pauseBetweenGroups(ctx); err != nil {
				return nil, err
			}
		}
	}

	if len(results) >= 3 {
		SmoothMoods(results)
	}
	return results, nil
}

// classifyGroup sends one window of images through the credential rotation
// and returns exactly classificationGroupSize records.
func (c *Classifier) classifyGroup(ctx context.Context, group pageGroup, contextNote string) ([]groupRecord, error) {
	parts := make([]genai.Part, 0, len(group.Paths)+1)
	for _, path := range group.Paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read page image %s: %w", filepath.Base(path), err)
		}
		parts = append(parts, genai.ImageData(imageFormat(path), data))
	}
	parts = append(parts, genai.Text(gcp.BuildMoodPrompt(contextNote)))

	return ExecuteWithFallback(ctx, "mood-classification", len(c.clients), c.config.Fallback,
		func(ctx context.Context, set int) ([]groupRecord, error) {
			resp, err := c.clients[set].Model.GenerateContent(ctx, parts...)
			if err != nil {
				return nil, fmt.Errorf("failed to generate classification from gemini: %w", err)
			}
			return parseGroupResponse(extractJSONContent(resp))
		})
}

func (c *Classifier) pauseBetweenGroups(ctx context.Context) error {
	window := c.config.GroupDelayMax - c.config.GroupDelayMin
	delay := c.config.GroupDelayMin
	if window > 0 {
		delay += time.Duration(rand.Int63n(int64(window)))
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildGroups partitions the ordered page list into fixed-size windows,
// padding the final window by repeating its last page.
func buildGroups(pagePaths []string, size int) []pageGroup {
	var groups []pageGroup
	for start := 0; start < len(pagePaths); start += size {
		end := start + size
		if end > len(pagePaths) {
			end = len(pagePaths)
		}
		group := pageGroup{
			Paths: append([]string(nil), pagePaths[start:end]...),
			Real:  end - start,
		}
		for len(group.Paths) < size {
			group.Paths = append(group.Paths, group.Paths[len(group.Paths)-1])
		}
		groups = append(groups, group)
	}
	return groups
}

// parseGroupResponse validates the model output against the expected
// structure: a JSON array of exactly classificationGroupSize records.
func parseGroupResponse(raw string) ([]groupRecord, error) {
	if raw == "" {
		return nil, fmt.Errorf("model returned an empty response")
	}
	var records []groupRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("failed to parse model response as JSON: %w", err)
	}
	if len(records) != classificationGroupSize {
		return nil, fmt.Errorf("model returned %d records, want %d", len(records), classificationGroupSize)
	}
	return records, nil
}

// extractJSONContent robustly gets the raw text content from the model
// response, stripping markdown fences the model sometimes adds.
func extractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	clean := strings.TrimSpace(b.String())
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	return strings.TrimSpace(clean)
}

// imageFormat maps a page file extension to the vertex image format name.
func imageFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".webp":
		return "webp"
	case ".gif":
		return "gif"
	default:
		return "png"
	}
}

// SmoothMoods applies the two transition-smoothing rules in place, each in a
// single pass over the sequence:
//
//  1. Isolated spike: a page whose neighbors share a mood it disagrees with
//     is rewritten to match them.
//  2. Oscillation: in an X, Y, X run the middle page is rewritten to X.
//
// Each rewrite appends a note to the page's explanation.
func SmoothMoods(pages []models.PageClassification) {
	if len(pages) < 3 {
		return
	}

	for i := 1; i < len(pages)-1; i++ {
		if pages[i-1].Category == pages[i+1].Category && pages[i].Category != pages[i-1].Category {
			prior := pages[i].Category
			pages[i].Category = pages[i-1].Category
			pages[i].Explanation = appendNote(pages[i].Explanation,
				fmt.Sprintf("smoothed from %s to %s to match surrounding pages", prior, pages[i].Category))
		}
	}

	for i := 2; i < len(pages); i++ {
		if pages[i-2].Category == pages[i].Category && pages[i-1].Category != pages[i].Category {
			prior := pages[i-1].Category
			pages[i-1].Category = pages[i].Category
			pages[i-1].Explanation = appendNote(pages[i-1].Explanation,
				fmt.Sprintf("smoothed from %s to %s to remove mood oscillation", prior, pages[i-1].Category))
		}
	}
}

func appendNote(explanation, note string) string {
	if explanation == "" {
		return note
	}
	return explanation + " (" + note + ")"
}
