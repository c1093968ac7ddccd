package gcp

import (
	"strings"
	"testing"

	"github.com/el-tahir/audio-manga-sub000/internal/models"
)

func TestBuildMoodPromptListsEveryCategory(t *testing.T) {
	prompt := BuildMoodPrompt(ContextStartOfChapter)
	for _, c := range models.MoodCategories {
		if !strings.Contains(prompt, "- "+string(c.Name)+":") {
			t.Errorf("prompt is missing category %s", c.Name)
		}
	}
	if !strings.Contains(prompt, ContextStartOfChapter) {
		t.Error("prompt does not carry the context note")
	}
	if !strings.Contains(prompt, "exactly 3") {
		t.Error("prompt does not pin the group size")
	}
}

func TestBuildMoodPromptCarriesContext(t *testing.T) {
	note := `The previous page was classified as "tension" because: a standoff is building.`
	prompt := BuildMoodPrompt(note)
	if !strings.Contains(prompt, note) {
		t.Error("prompt does not include the carried context")
	}
}
