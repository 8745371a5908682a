package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundMessageThreadID(t *testing.T) {
	tests := []struct {
		name string
		msg  InboundMessage
		want ThreadID
	}{
		{"new thread", InboundMessage{MessageID: "A"}, "A"},
		{"in-reply-to only", InboundMessage{MessageID: "B", InReplyTo: "A"}, "A"},
		{"references win", InboundMessage{MessageID: "C", InReplyTo: "B", References: []string{"A", "B"}}, "A"},
		{"empty references skipped", InboundMessage{MessageID: "C", References: []string{"", "B"}}, "B"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.ThreadID())
		})
	}
}

func TestNormalizeMessageIDs(t *testing.T) {
	assert.Equal(t, "abc@example.com", NormalizeMessageID("  <abc@example.com> "))
	assert.Equal(t, []string{"a", "b"}, NormalizeMessageIDs([]string{"<a>", " ", "b"}))
	assert.Nil(t, NormalizeMessageIDs(nil))
}

func TestNewConversationState(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewConversationState(InboundMessage{
		MessageID: "B",
		InReplyTo: "A",
		Subject:   "Task",
		Sender:    "jane@example.com",
		BodyText:  "  book a table  ",
	}, now)

	assert.Equal(t, ThreadID("A"), s.ThreadID)
	assert.Equal(t, PhaseAnalyzingTask, s.Phase)
	assert.Equal(t, "book a table", s.TaskDescription)
	assert.Equal(t, []string{"A"}, s.ReferencesChain)
	require.Len(t, s.ConversationHistory, 1)
	assert.Equal(t, RoleUser, s.ConversationHistory[0].Role)

	env := s.Envelope()
	assert.Equal(t, "B", env.InReplyTo)
	assert.False(t, env.NewThread)
	assert.Equal(t, "jane@example.com", env.To)
}

func TestAppendReferencesKeepsOrderWithoutDuplicates(t *testing.T) {
	s := &ConversationState{}
	s.AppendReferences("A", "B")
	s.AppendReferences("B", "", "C", "A")
	assert.Equal(t, []string{"A", "B", "C"}, s.ReferencesChain)
}

func TestCloneIsIndependent(t *testing.T) {
	s := &ConversationState{
		ReferencesChain: []string{"A"},
		ActionLog:       []string{"one"},
		TaskDetails:     &TaskDetails{Website: "example.com", AdditionalContext: map[string]any{"k": "v"}},
		Result:          &Result{Success: true, Details: map[string]any{"x": 1}},
		Outbox:          []OutboundMessage{{MessageID: "m1", References: []string{"A"}}},
	}
	c := s.Clone()

	c.ReferencesChain[0] = "Z"
	c.ActionLog = append(c.ActionLog, "two")
	c.TaskDetails.AdditionalContext["k"] = "changed"
	c.Result.Details["x"] = 2
	c.Outbox[0].References[0] = "Z"

	assert.Equal(t, []string{"A"}, s.ReferencesChain)
	assert.Equal(t, []string{"one"}, s.ActionLog)
	assert.Equal(t, "v", s.TaskDetails.AdditionalContext["k"])
	assert.Equal(t, 1, s.Result.Details["x"])
	assert.Equal(t, "A", s.Outbox[0].References[0])
}

func TestIsExecutionComplete(t *testing.T) {
	tests := []struct {
		name  string
		state ConversationState
		want  bool
	}{
		{"no result", ConversationState{}, false},
		{"failed", ConversationState{Result: &Result{Success: false}}, false},
		{"success", ConversationState{Result: &Result{Success: true}}, true},
		{"success but clarification pending", ConversationState{Result: &Result{Success: true}, NeedsClarification: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExecutionComplete(&tt.state))
		})
	}
}

func TestExecutionContext(t *testing.T) {
	s := &ConversationState{
		TaskType: "job_application",
		TaskDetails: &TaskDetails{
			Website:           "jobs.example.com",
			ActionType:        "apply",
			AdditionalContext: map[string]any{"location": "Berlin"},
		},
	}
	assert.Equal(t, map[string]any{
		"task_type":   "job_application",
		"website":     "jobs.example.com",
		"action_type": "apply",
		"location":    "Berlin",
	}, s.ExecutionContext())
}

func TestExecutionConfirmationOptions(t *testing.T) {
	e := Execution{Result: map[string]any{
		ResultKeyNeedsConfirmation: true,
		ResultKeyConfirmationOptions: []any{
			"Backend role",
			map[string]any{"id": "fe", "name": "Frontend role", "description": "Remote"},
		},
	}}

	require.True(t, e.NeedsConfirmation())
	assert.Equal(t, []ConfirmationOption{
		{ID: "1", Label: "Backend role"},
		{ID: "fe", Label: "Frontend role", Description: "Remote"},
	}, e.ConfirmationOptions())

	assert.False(t, Execution{Result: map[string]any{ResultKeyNeedsConfirmation: "yes"}}.NeedsConfirmation())
}

func TestExecutionSummaryAndError(t *testing.T) {
	assert.Equal(t, "done", Execution{Result: map[string]any{"results": " done "}}.Summary())
	assert.Equal(t, "", Execution{}.Summary())
	assert.Equal(t, "boom", Execution{Result: map[string]any{ResultKeyError: "boom"}}.ErrorText())
}

func TestFallbackInterpretation(t *testing.T) {
	f := FallbackInterpretation()
	assert.Equal(t, "unknown", f.TaskType)
	assert.True(t, f.RequiresClarification)
	assert.Equal(t, []string{DefaultClarificationQuestion}, f.ClarificationQuestions)
}
