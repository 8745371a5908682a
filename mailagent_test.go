package mailagent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/internal/retry"
	"github.com/hupe1980/mailagent/internal/testutil"
	"github.com/hupe1980/mailagent/mail"
)

type harness struct {
	mailbox *mail.InMemoryMailbox
	outbox  *mail.InMemoryOutbox
	interp  *testutil.ScriptedInterpreter
	exec    *testutil.ScriptedExecutor
	agent   *MailAgent
}

func newHarness(interp *testutil.ScriptedInterpreter, exec *testutil.ScriptedExecutor, optFns ...func(o *Options)) *harness {
	h := &harness{
		mailbox: mail.NewInMemoryMailbox(),
		outbox:  mail.NewInMemoryOutbox(nil),
		interp:  interp,
		exec:    exec,
	}
	opts := append([]func(o *Options){func(o *Options) {
		o.From = "agent@example.com"
		o.Retry = retry.Config{MaxRetries: 0}
	}}, optFns...)
	h.agent = New(h.mailbox, h.outbox, interp, exec, opts...)
	return h
}

// cycle delivers msgs, runs one poll cycle and waits for the work it started.
func (h *harness) cycle(t *testing.T, msgs ...core.InboundMessage) {
	t.Helper()
	h.mailbox.Deliver(msgs...)
	h.agent.Poll(context.Background())
	h.agent.Wait()
}

func TestEndToEnd_Clarification(t *testing.T) {
	h := newHarness(
		testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Clarify("Which job title?")}),
		testutil.NewScriptedExecutor(),
	)

	first := testutil.NewMessageBuilder("A").Subject("Apply for jobs").Body("Apply for jobs on jobs.example.com").Build()
	h.cycle(t, first)

	sent := h.outbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, core.KindClarification, sent[0].Kind)
	assert.Equal(t, "Clarification needed: Apply for jobs", sent[0].Subject)
	assert.Contains(t, sent[0].TextBody, "1. Which job title?")
	assert.Equal(t, "A", sent[0].InReplyTo)
	assert.Equal(t, []string{"A"}, sent[0].References)
	assert.Equal(t, "jane@example.com", sent[0].To)
	assert.Empty(t, h.exec.Calls())

	s, ok := h.agent.Conversation("A")
	require.True(t, ok)
	assert.Equal(t, core.PhaseRequestingClarification, s.Phase)
	assert.True(t, s.NeedsClarification)
}

func TestEndToEnd_ClarificationThenCompletion(t *testing.T) {
	h := newHarness(
		testutil.NewScriptedInterpreter(
			testutil.InterpreterStep{Result: testutil.Clarify("Which job title?")},
			testutil.InterpreterStep{Result: testutil.Interpretation("job_application", "jobs.example.com", "apply")},
		),
		testutil.NewScriptedExecutor(testutil.Succeed("Applied to Backend Engineer", "Opened jobs.example.com", "Submitted application")),
	)

	first := testutil.NewMessageBuilder("A").Subject("Apply for jobs").Body("Apply for jobs").Build()
	h.cycle(t, first)

	clarification := h.outbox.Sent()[0]
	reply := testutil.NewMessageBuilder("B").
		Subject("Re: Clarification needed: Apply for jobs").
		Body("Backend Engineer").
		ReplyToOutbound(clarification).
		Build()
	h.cycle(t, reply)

	sent := h.outbox.Sent()
	require.Len(t, sent, 2)
	done := sent[1]
	assert.Equal(t, core.KindCompletion, done.Kind)
	assert.Equal(t, "Re: Clarification needed: Apply for jobs", done.Subject)
	assert.Equal(t, "B", done.InReplyTo)
	assert.Equal(t, []string{"A", clarification.MessageID}, done.References)
	assert.Contains(t, done.TextBody, "Applied to Backend Engineer")
	assert.Contains(t, done.TextBody, "1. Opened jobs.example.com\n2. Submitted application")

	inputs := h.interp.Inputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, "Apply for jobs\n\nAdditional information from the user:\nBackend Engineer", inputs[1])

	calls := h.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "jobs.example.com", calls[0].Context["website"])

	assert.Equal(t, 0, h.agent.Conversations(), "completed conversations are retired")
}

func TestEndToEnd_ConfirmationByEmail(t *testing.T) {
	h := newHarness(
		testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Interpretation("job_application", "jobs.example.com", "apply")}),
		testutil.NewScriptedExecutor(
			testutil.NeedConfirmation("Backend role", "Frontend role"),
			testutil.Succeed("Applied to Frontend role", "Submitted"),
		),
	)

	h.mailbox.Deliver(testutil.NewMessageBuilder("A").Subject("Apply").Body("Apply for a role").Build())
	h.agent.Poll(context.Background())

	var request core.OutboundMessage
	require.Eventually(t, func() bool {
		for _, m := range h.outbox.Sent() {
			if m.Kind == core.KindConfirmation {
				request = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "Confirmation needed: Apply", request.Subject)
	assert.Contains(t, request.TextBody, "1. Backend role")
	assert.Contains(t, request.TextBody, "2. Frontend role")

	choice := testutil.NewMessageBuilder("C").Subject("Re: Confirmation needed: Apply").Body("2").ReplyToOutbound(request).Build()
	h.cycle(t, choice)

	calls := h.exec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Frontend role", calls[1].Context[core.ContextKeyUserConfirmation])

	sent := h.outbox.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, core.KindCompletion, sent[1].Kind)
	assert.Contains(t, sent[1].TextBody, "1. Found multiple options\n2. Submitted")
	assert.Equal(t, "C", sent[1].InReplyTo)
	assert.Equal(t, []string{"A", request.MessageID}, sent[1].References)
	assert.Equal(t, "Re: Confirmation needed: Apply", sent[1].Subject)
}

func TestEndToEnd_UndeliveredReportIsRetriedNextCycle(t *testing.T) {
	h := newHarness(
		testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Interpretation("search", "example.com", "search")}),
		testutil.NewScriptedExecutor(testutil.Succeed("Found it", "Searched")),
	)
	h.outbox.FailNext(errors.New("smtp down"))

	h.cycle(t, testutil.NewMessageBuilder("A").Subject("Search").Body("Search example.com").Build())

	assert.Empty(t, h.outbox.Sent())
	s, ok := h.agent.Conversation("A")
	require.True(t, ok)
	assert.Equal(t, core.PhasePreparingReport, s.Phase)
	require.Len(t, s.Outbox, 1)

	h.cycle(t)

	sent := h.outbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, core.KindCompletion, sent[0].Kind)
	assert.Equal(t, "Completed: Search", sent[0].Subject)
	assert.Equal(t, 0, h.agent.Conversations())
}

func TestEndToEnd_ThreadsAreIndependent(t *testing.T) {
	h := newHarness(
		testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Clarify("Which site?")}),
		testutil.NewScriptedExecutor(),
	)

	h.cycle(t,
		testutil.NewMessageBuilder("A").Subject("One").Body("first").Build(),
		testutil.NewMessageBuilder("B").Subject("Two").Body("second").From("bob@example.com").Build(),
	)

	assert.Equal(t, 2, h.agent.Conversations())

	got := map[string]string{}
	for _, m := range h.outbox.Sent() {
		got[m.InReplyTo] = m.To
	}
	want := map[string]string{"A": "jane@example.com", "B": "bob@example.com"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestEndToEnd_RepliesOnOneThreadAreSerialized(t *testing.T) {
	h := newHarness(
		testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Clarify("More details?")}),
		testutil.NewScriptedExecutor(),
		func(o *Options) { o.MaxClarificationRounds = 10 },
	)

	first := testutil.NewMessageBuilder("A").Subject("Task").Body("do it").Build()
	h.cycle(t, first)

	r1 := testutil.NewMessageBuilder("B").Body("detail one").ReplyTo(first).Build()
	r2 := testutil.NewMessageBuilder("C").Body("detail two").ReplyTo(first).Build()
	h.cycle(t, r1, r2)

	s, ok := h.agent.Conversation("A")
	require.True(t, ok)
	assert.Equal(t, "C", s.LatestMessageID)
	assert.Equal(t, 3, s.ClarificationRounds)
	assert.True(t, strings.Index(s.TaskDescription, "detail one") < strings.Index(s.TaskDescription, "detail two"))
	assert.Len(t, h.outbox.Sent(), 3)
}

func TestRun_StopsAndDrains(t *testing.T) {
	h := newHarness(
		testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Clarify("Which site?")}),
		testutil.NewScriptedExecutor(),
		func(o *Options) { o.Interval = time.Millisecond },
	)
	h.mailbox.Deliver(testutil.NewMessageBuilder("A").Body("task").Build())
	h.outbox.OnSend(func(core.OutboundMessage) { h.agent.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.agent.Run(ctx))
	assert.Len(t, h.outbox.Sent(), 1)
}
