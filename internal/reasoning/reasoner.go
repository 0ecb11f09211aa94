// Package reasoning is the boundary to the language model. A Reasoner is
// asked for the next step of a turn and answers with either final text or
// exactly one tool call.
package reasoning

import (
	"context"
	"errors"

	"github.com/tbourn/go-site-agent/internal/memory"
	"github.com/tbourn/go-site-agent/internal/tools"
)

// ErrEmptyOutcome is returned when the model produced neither text nor a
// tool call.
var ErrEmptyOutcome = errors.New("reasoning returned no output")

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeText OutcomeKind = iota + 1
	OutcomeToolCall
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeText:
		return "text"
	case OutcomeToolCall:
		return "tool_call"
	}
	return "unknown"
}

// Outcome is one reasoning step. For OutcomeToolCall, Text holds any
// interim content the model emitted alongside the call.
type Outcome struct {
	Kind     OutcomeKind
	Text     string
	ToolCall *memory.ToolCall
}

// Request is the full context for one step.
type Request struct {
	System  string             // system prompt
	History []memory.Turn      // prior turns from the checkpoint
	Input   string             // this turn's user input (JSON)
	Steps   []memory.Turn      // tool calls and results already made this turn
	Tools   []tools.Definition // tools the model may call
}

// Reasoner produces the next step of a turn.
type Reasoner interface {
	Next(ctx context.Context, req Request) (Outcome, error)
}
