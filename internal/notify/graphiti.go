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
	"github.com/tidwall/gjson"
)

// Graphiti is the optional temporal-knowledge-graph memory service. Enabled
// by GRAPHITI_ENABLED=true; the server URL defaults to localhost.
type Graphiti struct {
	enabled bool
	baseURL string
	group   string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// NewGraphiti creates the memory client from the environment. group scopes
// episodes per repository.
func NewGraphiti(group string) *Graphiti {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	baseURL := os.Getenv("GRAPHITI_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	return &Graphiti{
		enabled: os.Getenv("GRAPHITI_ENABLED") == "true",
		baseURL: baseURL,
		group:   group,
		client:  client,
		logger:  slog.Default(),
	}
}

// NewGraphitiForEndpoint creates an enabled client for a URL (tests).
func NewGraphitiForEndpoint(baseURL, group string) *Graphiti {
	g := NewGraphiti(group)
	g.enabled = true
	g.baseURL = baseURL
	return g
}

// Enabled reports whether the memory service is switched on.
func (g *Graphiti) Enabled() bool {
	return g.enabled
}

// RelevantInsights searches the graph for facts related to the task.
// Failures return an error the caller downgrades to empty hints.
func (g *Graphiti) RelevantInsights(ctx context.Context, task string) ([]string, error) {
	if !g.enabled {
		return nil, nil
	}
	payload, err := json.Marshal(map[string]any{
		"query":     task,
		"group_ids": []string{g.group},
		"max_facts": 10,
	})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("graphiti search status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	var hints []string
	gjson.GetBytes(buf.Bytes(), "facts").ForEach(func(_, fact gjson.Result) bool {
		if f := fact.Get("fact").String(); f != "" {
			hints = append(hints, f)
		}
		return true
	})
	return hints, nil
}

// AddEpisode records a task outcome into the graph, best-effort.
func (g *Graphiti) AddEpisode(ctx context.Context, name, body string) {
	if !g.enabled {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"group_id": g.group,
		"messages": []map[string]any{{
			"name":    name,
			"content": body,
			"role":    "system",
		}},
	})
	if err != nil {
		return
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("graphiti episode not recorded", "name", name, "error", err)
		return
	}
	resp.Body.Close()
}

// Close ends the memory session. The HTTP client holds no persistent
// connection state worth flushing; Close exists for the workspace teardown
// contract.
func (g *Graphiti) Close() error { return nil }
