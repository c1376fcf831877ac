package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const linearEndpoint = "https://api.linear.app/graphql"

// Linear posts progress comments to Linear issues through its GraphQL API.
// Enabled by LINEAR_API_KEY.
type Linear struct {
	apiKey   string
	endpoint string
	client   *retryablehttp.Client
	logger   *slog.Logger
}

var _ Sink = (*Linear)(nil)

// NewLinear creates the Linear sink from the environment.
func NewLinear() *Linear {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = nil
	return &Linear{
		apiKey:   os.Getenv("LINEAR_API_KEY"),
		endpoint: linearEndpoint,
		client:   client,
		logger:   slog.Default(),
	}
}

// NewLinearForEndpoint overrides the API endpoint (tests).
func NewLinearForEndpoint(apiKey, endpoint string) *Linear {
	l := NewLinear()
	l.apiKey = apiKey
	l.endpoint = endpoint
	return l
}

// Enabled reports whether an API key is configured.
func (l *Linear) Enabled() bool {
	return l.apiKey != ""
}

// Notify posts the event as a comment on the Linear issue named in
// ev.Fields["linear_issue_id"]. Events without a Linear issue are skipped.
func (l *Linear) Notify(ctx context.Context, ev Event) error {
	issueID := ev.Fields["linear_issue_id"]
	if !l.Enabled() || issueID == "" {
		return nil
	}

	mutation := map[string]any{
		"query": `mutation CommentCreate($input: CommentCreateInput!) {
			commentCreate(input: $input) { success }
		}`,
		"variables": map[string]any{
			"input": map[string]any{
				"issueId": issueID,
				"body":    fmt.Sprintf("**%s** — %s", ev.Kind, ev.Message),
			},
		},
	}
	body, err := json.Marshal(mutation)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", l.apiKey)

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Warn("linear notification failed", "kind", ev.Kind, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("linear API status %d", resp.StatusCode)
		l.logger.Warn("linear notification rejected", "kind", ev.Kind, "error", err)
		return err
	}
	return nil
}
