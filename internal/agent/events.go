// Package agent implements the bounded reason-act loop: it streams model
// output, detects skill invocations, dispatches them through the executor,
// and feeds observations back into the transcript until the model produces
// a final answer.
package agent

import "time"

// Event kinds emitted on the agent's event channel. Exactly one of
// EventDone or EventError terminates a completed stream; a cancelled
// stream closes without a terminal event.
const (
	EventThinking    = "thinking"
	EventSkillCall   = "skill_call"
	EventSkillResult = "skill_result"
	EventCodeExecute = "code_execute"
	EventCodeResult  = "code_result"
	EventAnswer      = "answer"
	EventWarning     = "warning"
	EventError       = "error"
	EventDone        = "done"
)

// Event is one entry in a request's event stream.
type Event struct {
	Type      string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content,omitempty"`
	SkillName string    `json:"skill_name,omitempty"`
	Code      string    `json:"code,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
}

// Result is the structured payload attached to skill_result and
// code_result events.
type Result struct {
	Success    bool    `json:"success"`
	Text       string  `json:"text"`
	Stdout     string  `json:"stdout,omitempty"`
	Stderr     string  `json:"stderr,omitempty"`
	ExitCode   int     `json:"exit_code,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

func newEvent(kind string) Event {
	return Event{Type: kind, Timestamp: time.Now().UTC()}
}

func textEvent(kind, content string) Event {
	ev := newEvent(kind)
	ev.Content = content
	return ev
}
