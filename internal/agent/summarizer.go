package agent

import (
	"context"
	"fmt"
	"strings"
)

// ClientSummarizer summarizes through an agent client, typically with a
// cheaper model than the main pipeline.
type ClientSummarizer struct {
	client Client
	model  string
}

var _ Summarizer = (*ClientSummarizer)(nil)

// NewSummarizer creates a summarizer on the given client and model.
func NewSummarizer(client Client, model string) *ClientSummarizer {
	return &ClientSummarizer{client: client, model: model}
}

// Summarize condenses text to at most maxWords, returned as bullets.
func (s *ClientSummarizer) Summarize(ctx context.Context, text string, maxWords int) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following into at most %d words of terse bullet points. "+
			"Keep every concrete decision, file path, constraint, and open risk. "+
			"Output only the bullets.\n\n%s", maxWords, text)

	res, err := s.client.Invoke(ctx, Request{Prompt: prompt, Model: s.model, MaxTurns: 1})
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", fmt.Errorf("summarizer: %s", res.ErrorText)
	}
	return strings.TrimSpace(res.Content), nil
}

// Truncate is the degraded fallback when summarization fails: a raw excerpt
// clipped to roughly maxWords words.
func Truncate(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return strings.TrimSpace(text)
	}
	return strings.Join(words[:maxWords], " ") + " …[truncated]"
}
