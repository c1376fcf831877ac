package pipeline

import (
	"context"
	"fmt"

	"github.com/autoclaude/autoclaude/internal/agent"
)

// Invoker runs agent turns for phases with shared model and budget settings.
type Invoker struct {
	client   agent.Client
	model    string
	maxTurns int
}

// NewInvoker creates an invoker. maxTurns of 0 uses the client default.
func NewInvoker(client agent.Client, model string, maxTurns int) *Invoker {
	return &Invoker{client: client, model: model, maxTurns: maxTurns}
}

// RunPrompt executes one agent turn in the project directory. The prompt is
// expected to instruct the agent to write its artifacts itself.
func (i *Invoker) RunPrompt(ctx context.Context, pc *PhaseContext, prompt string) error {
	full := fmt.Sprintf("Spec directory: %s\nProject directory: %s\n\n%s",
		pc.SpecDir, pc.ProjectDir, prompt)
	for k, v := range pc.Extras {
		full += fmt.Sprintf("\n%s: %s", k, v)
	}

	res, err := i.client.Invoke(ctx, agent.Request{
		Prompt:   full,
		Model:    i.model,
		WorkDir:  pc.ProjectDir,
		MaxTurns: i.maxTurns,
	})
	if err != nil {
		return err
	}
	if res.IsError {
		return fmt.Errorf("agent error: %s", res.ErrorText)
	}
	return nil
}
