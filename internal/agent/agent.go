// Package agent defines the contract with the coding agent. The coordination
// core treats the agent as an opaque collaborator: it sends a prompt and a
// working directory and gets text (often JSON) back. The default
// implementation shells out to the claude CLI in headless mode.
package agent

import (
	"context"
	"time"
)

// Request is one agent invocation.
type Request struct {
	// Prompt is the full instruction, including any context block.
	Prompt string
	// SystemPrompt is appended to the agent's default system prompt.
	SystemPrompt string
	// Model overrides the client's default model when non-empty.
	Model string
	// WorkDir is where the agent runs; file tools resolve against it.
	WorkDir string
	// MaxTurns bounds the agentic loop. Zero means the client default.
	MaxTurns int
}

// Result is the agent's response.
type Result struct {
	Content    string        `json:"content"`
	NumTurns   int           `json:"num_turns"`
	CostUSD    float64       `json:"cost_usd"`
	Duration   time.Duration `json:"duration"`
	SessionID  string        `json:"session_id,omitempty"`
	IsError    bool          `json:"is_error"`
	ErrorText  string        `json:"error_text,omitempty"`
	Interrupts int           `json:"interrupts,omitempty"`
}

// Client invokes the coding agent.
type Client interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Summarizer condenses text. The pipeline's compaction step uses a cheap
// model behind this interface.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxWords int) (string, error)
}
