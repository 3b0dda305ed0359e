// Package summary produces a clinical summary of a finished conversation.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Fallback is recorded when no summary could be generated.
const Fallback = "Summary generation failed - OpenAI API not available"

// ErrUnavailable is returned when no API key is configured.
var ErrUnavailable = errors.New("summary service not configured")

const systemPrompt = `You are a medical assistant. Analyze this doctor-patient conversation transcript and provide a JSON response with:
1. A clinical summary of the conversation
2. A list of detected actions (schedule_followup, schedule_lab, prescribe_medication, refer_specialist)

Format: {"summary": "...", "actions": [...]}`

// Result is a generated summary and the actions it mentions.
type Result struct {
	Summary string   `json:"summary"`
	Actions []string `json:"actions"`
}

// Summarizer generates conversation summaries.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (Result, error)
}

// OpenAISummarizer summarizes with a chat completion model.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates a summarizer. An empty apiKey yields a summarizer that
// always returns ErrUnavailable. baseURL overrides the API endpoint when set.
func NewOpenAI(apiKey, model, baseURL string, logger *slog.Logger) *OpenAISummarizer {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = openai.GPT4o
	}
	s := &OpenAISummarizer{model: model, logger: logger}
	if apiKey == "" {
		return s
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	s.client = openai.NewClientWithConfig(cfg)
	return s
}

// Summarize asks the model for a summary of transcript.
func (s *OpenAISummarizer) Summarize(ctx context.Context, transcript string) (Result, error) {
	if s.client == nil {
		return Result{}, ErrUnavailable
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("create summary completion: %w", err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	res, ok := Parse(content)
	if !ok {
		s.logger.Warn("Summary response was not JSON", "content_len", len(content))
	}
	return res, nil
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Parse extracts a Result from model output, unwrapping a fenced code block if
// present. When the output is not valid JSON it returns a placeholder summary
// quoting the raw response and false.
func Parse(content string) (Result, bool) {
	if strings.TrimSpace(content) == "" {
		return Result{Actions: []string{}}, true
	}

	raw := content
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		raw = m[1]
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		excerpt := content
		if r := []rune(excerpt); len(r) > 200 {
			excerpt = string(r[:200])
		}
		return Result{
			Summary: "Clinical conversation completed. Raw response: " + excerpt + "...",
			Actions: []string{},
		}, false
	}
	if res.Actions == nil {
		res.Actions = []string{}
	}
	return res, true
}
