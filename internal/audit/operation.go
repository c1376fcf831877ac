package audit

import (
	"time"

	"github.com/google/uuid"
)

// Operation groups the events of one logical action under a fresh
// correlation id. Entries for one operation are emitted in
// {started, events..., terminal} order.
type Operation struct {
	logger    *Logger
	action    string
	actorType ActorType
	actor     string
	repo      string
	prNumber  int
	issue     int
	id        string
	startedAt time.Time
}

// OpOption customizes a new operation.
type OpOption func(*Operation)

// WithActor sets the actor login and type.
func WithActor(actorType ActorType, actor string) OpOption {
	return func(o *Operation) {
		o.actorType = actorType
		o.actor = actor
	}
}

// WithRepo scopes the operation to a repository.
func WithRepo(repo string) OpOption {
	return func(o *Operation) { o.repo = repo }
}

// WithPR scopes the operation to a pull request.
func WithPR(pr int) OpOption {
	return func(o *Operation) { o.prNumber = pr }
}

// WithIssue scopes the operation to an issue.
func WithIssue(issue int) OpOption {
	return func(o *Operation) { o.issue = issue }
}

// StartOperation emits the started event and returns the open operation.
func (l *Logger) StartOperation(action string, opts ...OpOption) *Operation {
	op := &Operation{
		logger:    l,
		action:    action,
		actorType: ActorSystem,
		id:        uuid.NewString()[:8],
		startedAt: time.Now().UTC(),
	}
	for _, o := range opts {
		o(op)
	}
	op.emit(action, ResultStarted, nil, "")
	return op
}

// CorrelationID returns the operation's correlation id.
func (o *Operation) CorrelationID() string {
	return o.id
}

func (o *Operation) emit(action string, result Result, details map[string]any, errMsg string) {
	e := Entry{
		Timestamp:     time.Now().UTC(),
		CorrelationID: o.id,
		Action:        action,
		ActorType:     o.actorType,
		Actor:         o.actor,
		Repo:          o.repo,
		PRNumber:      o.prNumber,
		IssueNumber:   o.issue,
		Result:        result,
		Details:       details,
		Error:         errMsg,
	}
	if result != ResultStarted {
		e.DurationMS = time.Since(o.startedAt).Milliseconds()
	}
	o.logger.Append(e)
}

// Event records an intermediate event bound to this operation.
func (o *Operation) Event(action string, result Result, details map[string]any) {
	o.emit(action, result, details, "")
}

// Success closes the operation with a success terminal event.
func (o *Operation) Success(details map[string]any) {
	o.emit(o.action, ResultSuccess, details, "")
}

// Failure closes the operation with a failure terminal event.
func (o *Operation) Failure(err error, details map[string]any) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.emit(o.action, ResultFailure, details, msg)
}

// WithOperation wraps fn so the start and terminal events are logged with
// elapsed milliseconds even when fn returns an error.
func (l *Logger) WithOperation(action string, fn func(op *Operation) error, opts ...OpOption) error {
	op := l.StartOperation(action, opts...)
	err := fn(op)
	if err != nil {
		op.Failure(err, nil)
		return err
	}
	op.Success(nil)
	return nil
}
