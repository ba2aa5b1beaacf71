package summary

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"github.com/audiolibrelab/lessoncapture/internal/config"
)

// SummarizePath is the route an HTTP provider must serve.
const SummarizePath = "/v1/lessons:summarize"

// httpRequest is the JSON body posted to an HTTP provider.
type httpRequest struct {
	AudioBase64       string `json:"audio_base64"`
	MimeType          string `json:"mime_type"`
	StudentName       string `json:"student_name"`
	Instrument        string `json:"instrument"`
	Prompt            string `json:"prompt"`
	SystemInstruction string `json:"system_instruction,omitempty"`
	Model             string `json:"model,omitempty"`
}

// HTTPSummarizer posts the recording to a self-hosted summarization service.
type HTTPSummarizer struct {
	client *resty.Client
	cfg    config.SummarizerConfig
}

// NewHTTPSummarizer creates a summarizer for cfg.Endpoint.
func NewHTTPSummarizer(cfg config.SummarizerConfig) (*HTTPSummarizer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("summarizer endpoint is required")
	}

	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &HTTPSummarizer{client: client, cfg: cfg}, nil
}

func (h *HTTPSummarizer) Name() string { return "http" }

// Summarize posts the base64 audio and decodes the three outputs.
func (h *HTTPSummarizer) Summarize(ctx context.Context, req Request) (*Outputs, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body := httpRequest{
		AudioBase64:       base64.StdEncoding.EncodeToString(req.Audio),
		MimeType:          req.MimeType,
		StudentName:       req.StudentName,
		Instrument:        req.Instrument,
		Prompt:            BuildPrompt(h.cfg.SystemPrompt, req.StudentName, req.Instrument),
		SystemInstruction: h.cfg.SystemInstruction,
		Model:             h.cfg.Model,
	}

	slog.Debug("Posting lesson to summarizer", "endpoint", h.cfg.Endpoint, "bytes", len(req.Audio))

	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(SummarizePath)
	if err != nil {
		return nil, fmt.Errorf("calling summarizer: %w", err)
	}

	if resp.IsError() {
		return nil, &ServiceError{Provider: "summarizer", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	return ParseOutputs(resp.String())
}
