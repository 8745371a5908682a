package core

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Phase is a workflow state of a conversation.
type Phase string

const (
	PhaseAnalyzingTask           Phase = "analyzing_task"
	PhaseRequestingClarification Phase = "requesting_clarification"
	PhaseExecutingTask           Phase = "executing_task"
	PhaseHandlingResults         Phase = "handling_results"
	PhasePreparingReport         Phase = "preparing_report"
	PhaseCompleted               Phase = "completed"
	PhaseFailed                  Phase = "failed"
)

// IsTerminal reports whether no further transition leaves the phase.
func (p Phase) IsTerminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// Role labels a conversation history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// HistoryEntry is one line of the human-auditable conversation trail.
type HistoryEntry struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// TaskDetails is the structured intent extracted by interpretation.
type TaskDetails struct {
	Website           string         `json:"website"`
	ActionType        string         `json:"action_type"`
	Target            string         `json:"target,omitempty"`
	AdditionalContext map[string]any `json:"additional_context,omitempty"`
}

// Clone returns a deep-enough copy (the context map is copied one level).
func (d *TaskDetails) Clone() *TaskDetails {
	if d == nil {
		return nil
	}
	c := *d
	c.AdditionalContext = maps.Clone(d.AdditionalContext)
	return &c
}

// Result is the outcome of task execution.
type Result struct {
	Success bool           `json:"success"`
	Summary string         `json:"summary"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ConversationState is the mutable aggregate for one thread. It is owned by
// the conversation registry and mutated only by workflow transitions while
// the caller holds the thread's lease.
type ConversationState struct {
	ThreadID        ThreadID `json:"thread_id"`
	LatestMessageID string   `json:"latest_message_id"`
	// LatestIsReply records whether the latest inbound message named a parent;
	// it selects the subject policy for replies.
	LatestIsReply   bool     `json:"latest_is_reply"`
	ReferencesChain []string `json:"references_chain,omitempty"`
	Sender          string   `json:"sender"`
	Subject         string   `json:"subject"`

	TaskDescription string       `json:"task_description"`
	TaskType        string       `json:"task_type,omitempty"`
	TaskDetails     *TaskDetails `json:"task_details,omitempty"`

	Phase                  Phase    `json:"phase"`
	NeedsClarification     bool     `json:"needs_clarification"`
	ClarificationQuestions []string `json:"clarification_questions,omitempty"`
	ClarificationRounds    int      `json:"clarification_rounds"`
	// ExecutionFailureRounds counts clarifications requested because an
	// execution failed. Only these count toward the give-up limit.
	ExecutionFailureRounds int      `json:"execution_failure_rounds"`

	PendingConfirmation []ConfirmationOption `json:"pending_confirmation,omitempty"`

	ActionLog           []string          `json:"action_log,omitempty"`
	Result              *Result           `json:"result,omitempty"`
	ConversationHistory []HistoryEntry    `json:"conversation_history,omitempty"`
	Outbox              []OutboundMessage `json:"outbox,omitempty"`
	Error               string            `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversationState creates the state for the first message of a thread.
func NewConversationState(msg InboundMessage, now time.Time) *ConversationState {
	s := &ConversationState{
		ThreadID:        msg.ThreadID(),
		LatestMessageID: msg.MessageID,
		LatestIsReply:   msg.IsReply(),
		Sender:          msg.Sender,
		Subject:         msg.Subject,
		TaskDescription: strings.TrimSpace(msg.BodyText),
		Phase:           PhaseAnalyzingTask,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.AppendReferences(msg.Ancestors()...)
	s.AppendHistory(RoleUser, s.TaskDescription, now)
	return s
}

// AppendReferences appends ids not yet present, preserving existing order.
func (s *ConversationState) AppendReferences(ids ...string) {
	for _, id := range ids {
		if id == "" || slices.Contains(s.ReferencesChain, id) {
			continue
		}
		s.ReferencesChain = append(s.ReferencesChain, id)
	}
}

// RecordInbound updates the reply addressing from a newly received message.
func (s *ConversationState) RecordInbound(msg InboundMessage, now time.Time) {
	s.LatestMessageID = msg.MessageID
	s.LatestIsReply = msg.IsReply()
	if msg.Subject != "" {
		s.Subject = msg.Subject
	}
	if msg.Sender != "" {
		s.Sender = msg.Sender
	}
	s.AppendReferences(msg.Ancestors()...)
	s.Touch(now)
}

// AppendHistory adds an entry to the conversation trail.
func (s *ConversationState) AppendHistory(role Role, text string, now time.Time) {
	s.ConversationHistory = append(s.ConversationHistory, HistoryEntry{Role: role, Text: text, At: now})
	s.Touch(now)
}

// Touch sets UpdatedAt.
func (s *ConversationState) Touch(now time.Time) {
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// Envelope snapshots the addressing needed to reply on this thread.
func (s *ConversationState) Envelope() Envelope {
	return Envelope{
		ThreadID:   s.ThreadID,
		To:         s.Sender,
		Subject:    s.Subject,
		InReplyTo:  s.LatestMessageID,
		References: slices.Clone(s.ReferencesChain),
		NewThread:  !s.LatestIsReply,
	}
}

// ExecutionContext flattens the task details into the contextual mapping
// handed to the execution collaborator.
func (s *ConversationState) ExecutionContext() map[string]any {
	ctx := map[string]any{}
	if s.TaskType != "" {
		ctx["task_type"] = s.TaskType
	}
	if d := s.TaskDetails; d != nil {
		if d.Website != "" {
			ctx["website"] = d.Website
		}
		if d.ActionType != "" {
			ctx["action_type"] = d.ActionType
		}
		if d.Target != "" {
			ctx["target"] = d.Target
		}
		for k, v := range d.AdditionalContext {
			ctx[k] = v
		}
	}
	return ctx
}

// Transcript renders the conversation history one entry per line.
func (s *ConversationState) Transcript() string {
	var b strings.Builder
	for _, h := range s.ConversationHistory {
		fmt.Fprintf(&b, "[%s] %s: %s\n", h.At.UTC().Format(time.RFC3339), h.Role, h.Text)
	}
	return b.String()
}

// Clone returns a deep copy safe for independent mutation.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	c.ReferencesChain = slices.Clone(s.ReferencesChain)
	c.TaskDetails = s.TaskDetails.Clone()
	c.ClarificationQuestions = slices.Clone(s.ClarificationQuestions)
	c.PendingConfirmation = slices.Clone(s.PendingConfirmation)
	c.ActionLog = slices.Clone(s.ActionLog)
	if s.Result != nil {
		r := *s.Result
		r.Details = maps.Clone(s.Result.Details)
		c.Result = &r
	}
	c.ConversationHistory = slices.Clone(s.ConversationHistory)
	c.Outbox = make([]OutboundMessage, len(s.Outbox))
	for i, m := range s.Outbox {
		c.Outbox[i] = m.Clone()
	}
	if len(c.Outbox) == 0 {
		c.Outbox = nil
	}
	return &c
}

// NeedsClarificationGuard is the routing predicate out of AnalyzingTask.
func NeedsClarificationGuard(s *ConversationState) bool { return s.NeedsClarification }

// IsExecutionComplete is the routing predicate out of HandlingResults:
// the result succeeded and no clarification is pending.
func IsExecutionComplete(s *ConversationState) bool {
	return s.Result != nil && s.Result.Success && !s.NeedsClarification
}
