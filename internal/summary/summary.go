// Package summary turns a finished lesson recording into the teacher's
// review material: a student recap, a practice plan and a parent email.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/audiolibrelab/lessoncapture/internal/config"
)

var (
	// ErrMissingAPIKey is returned when a provider needs a key and none is configured.
	ErrMissingAPIKey = errors.New("API Key is missing")
	// ErrEmptyResponse is returned when the provider answered without text.
	ErrEmptyResponse = errors.New("no response text from summarizer")
	// ErrDisabled is returned by the "none" provider.
	ErrDisabled = errors.New("summarizer disabled")
)

// DefaultSystemPrompt instructs the model and pins the output schema.
const DefaultSystemPrompt = `
Role: You are an expert music teacher assistant.
Task: Analyze the provided lesson audio/transcript.
Constraint: Output valid JSON only.

JSON Schema Enforced:
{
  "student_recap": "String. Tone: Encouraging but specific. Max 100 words.",
  "practice_plan": "String. Markdown bullet points. Broken down by days (Mon-Sun) or generic 'Day 1'. Specific assignments only.",
  "parent_email": "String. Professional summary. Max 150 words. Focus on progress."
}
`

// Request is one lesson recording plus the context the prompt needs.
type Request struct {
	Audio       []byte `json:"-" validate:"required,min=1"`
	MimeType    string `json:"mime_type" validate:"required,startswith=audio/"`
	StudentName string `json:"student_name" validate:"required"`
	Instrument  string `json:"instrument" validate:"required"`
}

// Outputs are the three generated texts of a lesson.
type Outputs struct {
	StudentRecap string `json:"student_recap" yaml:"student_recap" validate:"required"`
	PracticePlan string `json:"practice_plan" yaml:"practice_plan" validate:"required"`
	ParentEmail  string `json:"parent_email" yaml:"parent_email" validate:"required"`
}

// Summarizer is the downstream stage fed by a completed capture.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Outputs, error)
	Name() string
}

// ServiceError carries a non-success answer from a remote provider.
type ServiceError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s API error (HTTP %d): %s", e.Provider, e.StatusCode, e.Body)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the request can be sent.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid summarize request: %w", err)
	}
	return nil
}

// BuildPrompt contextualizes the system prompt with the student details.
func BuildPrompt(systemPrompt, studentName, instrument string) string {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(systemPrompt))
	b.WriteString("\n\nContext Variables:\n")
	b.WriteString("Student Name: " + studentName + "\n")
	b.WriteString("Instrument: " + instrument + "\n")
	return b.String()
}

// ParseOutputs decodes a provider's JSON answer. Models occasionally wrap the
// object in a markdown code fence; that is stripped first.
func ParseOutputs(text string) (*Outputs, error) {
	text = stripCodeFence(strings.TrimSpace(text))
	if text == "" {
		return nil, ErrEmptyResponse
	}

	var out Outputs
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("parsing summarizer response: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return nil, fmt.Errorf("incomplete summarizer response: %w", err)
	}
	return &out, nil
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// New builds the summarizer selected by configuration.
func New(ctx context.Context, cfg config.SummarizerConfig) (Summarizer, error) {
	switch cfg.Provider {
	case "", "gemini":
		return NewGeminiSummarizer(ctx, cfg)
	case "http":
		return NewHTTPSummarizer(cfg)
	case "none":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown summarizer provider: %s", cfg.Provider)
	}
}

// Disabled never summarizes; lessons go straight to manual review.
type Disabled struct{}

func (Disabled) Summarize(context.Context, Request) (*Outputs, error) { return nil, ErrDisabled }
func (Disabled) Name() string                                        { return "none" }
