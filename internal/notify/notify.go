// Package notify holds the optional outbound sinks: Linear issue updates and
// the Graphiti memory service. Both are feature-flagged by environment and
// degrade to no-ops; the core never depends on either being reachable.
package notify

import "context"

// Event is one lifecycle notification.
type Event struct {
	Kind    string            `json:"kind"` // task_started, pr_created, review_complete, batch_created
	Repo    string            `json:"repo,omitempty"`
	Spec    string            `json:"spec,omitempty"`
	PR      int               `json:"pr,omitempty"`
	Issue   int               `json:"issue,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Sink receives lifecycle events.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
	Enabled() bool
}

// Noop is the disabled sink.
type Noop struct{}

var _ Sink = Noop{}

func (Noop) Notify(context.Context, Event) error { return nil }
func (Noop) Enabled() bool                       { return false }

// Fanout delivers to every enabled sink, collecting nothing: notification
// failures are logged by the sinks themselves and never propagate.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, ev Event) {
	for _, s := range f {
		if s.Enabled() {
			_ = s.Notify(ctx, ev)
		}
	}
}
