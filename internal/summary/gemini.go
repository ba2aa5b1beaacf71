package summary

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/audiolibrelab/lessoncapture/internal/config"
)

// lessonResponseSchema forces the model to answer with the three outputs.
var lessonResponseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"student_recap": {
			Type:        genai.TypeString,
			Description: "Encouraging but specific recap for the student. Max 100 words.",
		},
		"practice_plan": {
			Type:        genai.TypeString,
			Description: "Markdown bullet points practice plan.",
		},
		"parent_email": {
			Type:        genai.TypeString,
			Description: "Professional summary for the parent. Max 150 words.",
		},
	},
	Required: []string{"student_recap", "practice_plan", "parent_email"},
}

// GeminiSummarizer sends the recording inline to a Gemini model.
type GeminiSummarizer struct {
	client *genai.Client
	cfg    config.SummarizerConfig
}

// NewGeminiSummarizer creates a Gemini-backed summarizer.
func NewGeminiSummarizer(ctx context.Context, cfg config.SummarizerConfig) (*GeminiSummarizer, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiSummarizer{client: client, cfg: cfg}, nil
}

func (g *GeminiSummarizer) Name() string { return "gemini" }

// Summarize generates the lesson outputs from the recording.
func (g *GeminiSummarizer) Summarize(ctx context.Context, req Request) (*Outputs, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	prompt := BuildPrompt(g.cfg.SystemPrompt, req.StudentName, req.Instrument)
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(req.Audio, req.MimeType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}

	generateConfig := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   lessonResponseSchema,
	}
	if g.cfg.SystemInstruction != "" {
		generateConfig.SystemInstruction = genai.NewContentFromText(g.cfg.SystemInstruction, genai.RoleUser)
	}

	slog.Debug("Sending lesson to Gemini", "model", g.cfg.Model, "bytes", len(req.Audio), "mime_type", req.MimeType)

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, generateConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	return ParseOutputs(resp.Text())
}
