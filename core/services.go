package core

import (
	"context"
	"fmt"
	"strings"
)

// DefaultClarificationQuestion is asked whenever interpretation cannot
// produce anything more specific.
const DefaultClarificationQuestion = "Could you please provide more details about what you'd like me to do?"

// Mailbox yields unread inbound messages. Fetching clears the unread flag.
type Mailbox interface {
	FetchUnread(ctx context.Context) ([]InboundMessage, error)
}

// Mailer delivers a rendered outbound message.
type Mailer interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// Interpretation is the structured reading of a task description.
type Interpretation struct {
	TaskType               string      `json:"task_type"`
	RequiresClarification  bool        `json:"requires_clarification"`
	ClarificationQuestions []string    `json:"clarification_questions,omitempty"`
	TaskDetails            TaskDetails `json:"task_details"`
}

// FallbackInterpretation is the well-formed answer interpreters must return
// when they fail internally.
func FallbackInterpretation() Interpretation {
	return Interpretation{
		TaskType:               "unknown",
		RequiresClarification:  true,
		ClarificationQuestions: []string{DefaultClarificationQuestion},
		TaskDetails:            TaskDetails{ActionType: "unknown"},
	}
}

// Interpreter turns raw task text into an Interpretation. On failure an
// implementation returns FallbackInterpretation together with the error.
type Interpreter interface {
	Interpret(ctx context.Context, text string) (Interpretation, error)
}

// Result keys understood by the workflow engine.
const (
	ResultKeyNeedsConfirmation   = "needs_confirmation"
	ResultKeyConfirmationOptions = "confirmation_options"
	ResultKeySummary             = "summary"
	ResultKeyError               = "error"
	ContextKeyUserConfirmation   = "user_confirmation"
)

// Execution is the response of the execution collaborator.
type Execution struct {
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	ActionLog []string       `json:"action_log,omitempty"`
}

// NeedsConfirmation reports whether the execution paused for a user choice.
func (e Execution) NeedsConfirmation() bool {
	v, ok := e.Result[ResultKeyNeedsConfirmation].(bool)
	return ok && v
}

// ConfirmationOptions decodes the option descriptors attached to a paused
// execution. Strings, maps with id/label/description and ConfirmationOption
// values are accepted.
func (e Execution) ConfirmationOptions() []ConfirmationOption {
	switch raw := e.Result[ResultKeyConfirmationOptions].(type) {
	case []ConfirmationOption:
		return raw
	case []string:
		out := make([]ConfirmationOption, 0, len(raw))
		for i, s := range raw {
			out = append(out, ConfirmationOption{ID: fmt.Sprint(i + 1), Label: s})
		}
		return out
	case []any:
		out := make([]ConfirmationOption, 0, len(raw))
		for i, item := range raw {
			out = append(out, optionFromAny(i, item))
		}
		return out
	default:
		return nil
	}
}

func optionFromAny(i int, item any) ConfirmationOption {
	opt := ConfirmationOption{ID: fmt.Sprint(i + 1)}
	switch v := item.(type) {
	case string:
		opt.Label = v
	case ConfirmationOption:
		return v
	case map[string]any:
		if id, ok := v["id"]; ok {
			opt.ID = fmt.Sprint(id)
		}
		if label, ok := v["label"].(string); ok {
			opt.Label = label
		} else if name, ok := v["name"].(string); ok {
			opt.Label = name
		}
		if desc, ok := v["description"].(string); ok {
			opt.Description = desc
		}
	default:
		opt.Label = fmt.Sprint(v)
	}
	if opt.Label == "" {
		opt.Label = opt.ID
	}
	return opt
}

// Summary returns the human-readable outcome reported by the executor.
func (e Execution) Summary() string {
	for _, k := range []string{ResultKeySummary, "results"} {
		if v, ok := e.Result[k]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

// ErrorText returns the error string attached to a failed execution.
func (e Execution) ErrorText() string {
	if v, ok := e.Result[ResultKeyError]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// Executor performs a browser task. The contextual mapping carries task
// details and, on a confirmation retry, the user's choice.
type Executor interface {
	Execute(ctx context.Context, description string, taskContext map[string]any) (Execution, error)
}

// ConfirmationOption is one choice offered to the user mid-execution.
type ConfirmationOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// String returns the label.
func (o ConfirmationOption) String() string { return o.Label }

// ConfirmationRequest asks the user to pick one of Options.
type ConfirmationRequest struct {
	Envelope Envelope
	Task     string
	Options  []ConfirmationOption
}

// ConfirmationResponse is the outcome of a ConfirmationRequest.
type ConfirmationResponse struct {
	// Choice is nil when the user provided no choice.
	Choice *ConfirmationOption
	// Request is the message that asked the user, when one was sent.
	Request *OutboundMessage
	// Reply is the message that answered the request, when one arrived.
	Reply *InboundMessage
}

// ConfirmationChannel maps a set of options to the user's selection. A nil
// Choice with a nil error means the user provided no choice. Implementations
// may block until ctx is done.
type ConfirmationChannel interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error)
}
