package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"

	"github.com/el-tahir/audio-manga-sub000/internal/models"
)

// --- Mood Classifier Model Prompts ---

const ClassifierSystemPrompt = "You are a manga page mood analyst. Your task is to read manga pages and classify the narrative mood of each page into exactly one category from a fixed list. You must output your response as a valid JSON array."

// BuildMoodPrompt constructs the per-group user prompt. contextNote carries
// the previous group's last page mood so classification stays coherent
// across group boundaries.
func BuildMoodPrompt(contextNote string) string {
	var b strings.Builder
	b.WriteString("You are given exactly 3 manga page images, in reading order.\n\n")
	b.WriteString("Classify the narrative mood of EACH page into exactly one of these categories:\n")
	for _, c := range models.MoodCategories {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}
	b.WriteString("\nContext from the preceding pages: ")
	b.WriteString(contextNote)
	b.WriteString("\n\nRespond with a JSON array of exactly 3 objects, one per image in order, each with keys:\n")
	b.WriteString(`  "filename": a short label for the image (e.g. "page_1"),` + "\n")
	b.WriteString(`  "category": one of the category names above, exactly as written,` + "\n")
	b.WriteString(`  "explanation": one sentence on why that mood fits.` + "\n")
	b.WriteString("Do not include any text before or after the JSON array.")
	return b.String()
}

// ContextStartOfChapter is the sentinel context for the first group.
const ContextStartOfChapter = "This is the start of the chapter; there are no preceding pages."

// ClassifierClient is one credential set's pre-configured vision model.
type ClassifierClient struct {
	Model      *genai.GenerativeModel
	Label      string
	baseClient *genai.Client
}

func (c *ClassifierClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

func newClassifierClient(ctx context.Context, projectID, region, modelName, label string, opts ...option.ClientOption) (*ClassifierClient, error) {
	baseClient, err := genai.NewClient(ctx, projectID, region, opts...)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient (%s): %w", label, err)
	}

	model := baseClient.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ClassifierSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		// Force JSON output so the group parser never sees prose.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &ClassifierClient{
		Model:      model,
		Label:      label,
		baseClient: baseClient,
	}, nil
}

// NewClassifierClients builds the ordered list of credential sets for the
// classifier. AI_CREDENTIALS_JSON_1..N each yield one client; when none are
// configured, a single ambient-credential client is returned. The order of
// the env vars is the fallback rotation order.
func NewClassifierClients(ctx context.Context, projectID, region, modelName string) ([]*ClassifierClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewClassifierClients: projectID and region cannot be empty")
	}

	var clients []*ClassifierClient
	for i := 1; ; i++ {
		blob, ok := os.LookupEnv(fmt.Sprintf("AI_CREDENTIALS_JSON_%d", i))
		if !ok || blob == "" {
			break
		}
		label := fmt.Sprintf("credential-set-%d", i)
		client, err := newClassifierClient(ctx, projectID, region, modelName, label,
			option.WithCredentialsJSON([]byte(blob)))
		if err != nil {
			// A broken credential set is skipped, not fatal; the remaining
			// sets still form a usable rotation.
			slog.Warn("Skipping unusable classifier credential set.", "label", label, "error", err)
			continue
		}
		clients = append(clients, client)
	}

	if len(clients) == 0 {
		client, err := newClassifierClient(ctx, projectID, region, modelName, "ambient")
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}

	slog.Info("Classifier clients initialized.", "credentialSets", len(clients), "model", modelName)
	return clients, nil
}
