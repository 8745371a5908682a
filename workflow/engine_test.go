package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mailagent/confirm"
	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/internal/testutil"
)

func newEngine(interp core.Interpreter, exec core.Executor, ch core.ConfirmationChannel, rep Reporter, optFns ...func(o *Options)) *Engine {
	return New(interp, exec, ch, rep, optFns...)
}

func firstMessage() core.InboundMessage {
	return testutil.NewMessageBuilder("m1@example.com").
		Subject("Job search").
		Body("Find me a job on example-jobs.com").
		Build()
}

func assertInvariants(t *testing.T, s *core.ConversationState) {
	t.Helper()
	if s.NeedsClarification {
		assert.NotEqual(t, core.PhaseCompleted, s.Phase, "needs_clarification implies not completed")
	}
	if s.Phase != core.PhaseExecutingTask {
		assert.Nil(t, s.PendingConfirmation, "pending confirmation only while executing")
	}
	assert.Equal(t, s.Result != nil && s.Result.Success && !s.NeedsClarification, core.IsExecutionComplete(s))
}

func TestEngine_AmbiguousTaskRequestsClarification(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Clarify("Which job title?")})
	exec := testutil.NewScriptedExecutor()
	rep := &testutil.RecordingReporter{}

	s := newEngine(interp, exec, confirm.Decline{}, rep).Handle(context.Background(), nil, firstMessage())

	assert.Equal(t, core.PhaseRequestingClarification, s.Phase)
	assert.True(t, s.NeedsClarification)
	assert.Equal(t, []string{"Which job title?"}, s.ClarificationQuestions)
	assert.Equal(t, 1, s.ClarificationRounds)
	assert.Equal(t, []core.MessageKind{core.KindClarification}, rep.Recorded())
	assert.Empty(t, exec.Calls(), "execution must wait for the reply")
	assertInvariants(t, s)
}

func TestEngine_ClarificationReplyResumes(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(
		testutil.InterpreterStep{Result: testutil.Clarify("Which job title?")},
		testutil.InterpreterStep{Result: testutil.Interpretation("job_search", "example-jobs.com", "search")},
	)
	exec := testutil.NewScriptedExecutor(testutil.Succeed("Found 3 jobs", "Opened example-jobs.com", "Searched for Go engineer"))
	rep := &testutil.RecordingReporter{}
	e := newEngine(interp, exec, confirm.Decline{}, rep)

	first := firstMessage()
	s := e.Handle(context.Background(), nil, first)
	require.Equal(t, core.PhaseRequestingClarification, s.Phase)

	reply := testutil.NewMessageBuilder("m2@example.com").ReplyTo(first).Body("Go engineer").Build()
	s = e.Handle(context.Background(), s, reply)

	assert.Equal(t, core.PhaseCompleted, s.Phase)
	assert.False(t, s.NeedsClarification)
	assert.Nil(t, s.ClarificationQuestions)
	assert.Equal(t, "m2@example.com", s.LatestMessageID)
	assert.Contains(t, s.TaskDescription, "Find me a job on example-jobs.com")
	assert.Contains(t, s.TaskDescription, "Go engineer")

	inputs := interp.Inputs()
	require.Len(t, inputs, 2)
	assert.Contains(t, inputs[1], "Go engineer")

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "example-jobs.com", calls[0].Context["website"])
	assert.Equal(t, []string{"Opened example-jobs.com", "Searched for Go engineer"}, s.ActionLog)
	assert.Equal(t, []core.MessageKind{core.KindClarification, core.KindCompletion}, rep.Recorded())
	assertInvariants(t, s)
}

func TestEngine_DirectCompletion(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Interpretation("web_form", "example.com", "fill_form")})
	exec := testutil.NewScriptedExecutor(testutil.Succeed("Form submitted", "step one", "step two", "step three"))
	rep := &testutil.RecordingReporter{}

	s := newEngine(interp, exec, confirm.Decline{}, rep).Handle(context.Background(), nil, firstMessage())

	assert.Equal(t, core.PhaseCompleted, s.Phase)
	require.NotNil(t, s.Result)
	assert.True(t, s.Result.Success)
	assert.Equal(t, "Form submitted", s.Result.Summary)
	assert.Equal(t, []string{"step one", "step two", "step three"}, s.ActionLog)
	assert.Equal(t, []core.MessageKind{core.KindCompletion}, rep.Recorded())

	last := s.ConversationHistory[len(s.ConversationHistory)-1]
	assert.Equal(t, core.RoleAssistant, last.Role)
	assert.Equal(t, "Form submitted", last.Text)
	assertInvariants(t, s)
}

func TestEngine_InterpreterFailureAsksDefaultQuestion(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(testutil.InterpreterStep{Err: errors.New("model unavailable")})
	rep := &testutil.RecordingReporter{}

	s := newEngine(interp, testutil.NewScriptedExecutor(), confirm.Decline{}, rep).Handle(context.Background(), nil, firstMessage())

	assert.Equal(t, core.PhaseRequestingClarification, s.Phase)
	assert.Equal(t, []string{core.DefaultClarificationQuestion}, s.ClarificationQuestions)
	assert.Empty(t, s.Error)
}

func TestEngine_ExecutionFailureAsksForClarification(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Interpretation("x", "example.com", "click")})
	exec := testutil.NewScriptedExecutor(testutil.ExecutorStep{Err: errors.New("element not found")})
	rep := &testutil.RecordingReporter{}

	s := newEngine(interp, exec, confirm.Decline{}, rep).Handle(context.Background(), nil, firstMessage())

	assert.Equal(t, core.PhaseRequestingClarification, s.Phase)
	require.NotNil(t, s.Result)
	assert.False(t, s.Result.Success)
	assert.Equal(t, "element not found", s.Result.Error)
	require.Len(t, s.ClarificationQuestions, 1)
	assert.Contains(t, s.ClarificationQuestions[0], "element not found")
	assertInvariants(t, s)
}

func TestEngine_RepeatedFailuresEndInFailed(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Interpretation("x", "example.com", "click")})
	exec := testutil.NewScriptedExecutor(testutil.Fail("login required"))
	rep := &testutil.RecordingReporter{}
	e := newEngine(interp, exec, confirm.Decline{}, rep, func(o *Options) { o.MaxClarificationRounds = 2 })

	prev := firstMessage()
	s := e.Handle(context.Background(), nil, prev)
	for i := 0; i < 5 && !s.Phase.IsTerminal(); i++ {
		reply := testutil.NewMessageBuilder("reply-"+string(rune('a'+i))+"@example.com").ReplyTo(prev).Body("try again").Build()
		s = e.Handle(context.Background(), s, reply)
		prev = reply
		assertInvariants(t, s)
	}

	assert.Equal(t, core.PhaseFailed, s.Phase)
	assert.Equal(t, 2, s.ClarificationRounds)
	assert.Equal(t, 2, s.ExecutionFailureRounds)
	assert.Len(t, exec.Calls(), 3)
	assert.Equal(t, []core.MessageKind{core.KindClarification, core.KindClarification, core.KindFailure}, rep.Recorded())
}

func TestEngine_InterpretationRoundsDoNotCountAsFailures(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(
		testutil.InterpreterStep{Result: testutil.Clarify("Which site?")},
		testutil.InterpreterStep{Result: testutil.Clarify("Which account?")},
		testutil.InterpreterStep{Result: testutil.Clarify("Which date?")},
		testutil.InterpreterStep{Result: testutil.Interpretation("x", "example.com", "login")},
	)
	exec := testutil.NewScriptedExecutor(testutil.Fail("login page changed"))
	rep := &testutil.RecordingReporter{}
	e := newEngine(interp, exec, confirm.Decline{}, rep)

	prev := firstMessage()
	s := e.Handle(context.Background(), nil, prev)
	for _, id := range []string{"r1@example.com", "r2@example.com", "r3@example.com"} {
		require.Equal(t, core.PhaseRequestingClarification, s.Phase)
		reply := testutil.NewMessageBuilder(id).ReplyTo(prev).Body("more details").Build()
		s = e.Handle(context.Background(), s, reply)
		prev = reply
	}

	assert.Equal(t, core.PhaseRequestingClarification, s.Phase)
	assert.Equal(t, 4, s.ClarificationRounds)
	assert.Equal(t, 1, s.ExecutionFailureRounds)
	require.Len(t, s.ClarificationQuestions, 1)
	assert.Contains(t, s.ClarificationQuestions[0], "login page changed")
	assert.Len(t, exec.Calls(), 1)
	assert.Equal(t, []core.MessageKind{
		core.KindClarification, core.KindClarification, core.KindClarification, core.KindClarification,
	}, rep.Recorded())
	assertInvariants(t, s)
}

func TestEngine_PanicBecomesFailedState(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Interpretation("x", "example.com", "click")})
	exec := testutil.NewScriptedExecutor(testutil.ExecutorStep{Panic: "nil map write"})
	rep := &testutil.RecordingReporter{}

	var s *core.ConversationState
	assert.NotPanics(t, func() {
		s = newEngine(interp, exec, confirm.Decline{}, rep).Handle(context.Background(), nil, firstMessage())
	})

	assert.Equal(t, core.PhaseFailed, s.Phase)
	assert.Contains(t, s.Error, "nil map write")
	assert.Contains(t, s.Error, core.ErrEngine.Error())
	assert.Equal(t, []core.MessageKind{core.KindFailure}, rep.Recorded())
}

func TestEngine_StepBudget(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Interpretation("x", "example.com", "click")})
	exec := testutil.NewScriptedExecutor(testutil.Succeed("ok"))
	rep := &testutil.RecordingReporter{}

	s := newEngine(interp, exec, confirm.Decline{}, rep, func(o *Options) { o.MaxSteps = 2 }).
		Handle(context.Background(), nil, firstMessage())

	assert.Equal(t, core.PhaseFailed, s.Phase)
	assert.Contains(t, s.Error, "step budget")
}

func TestEngine_CompletionQueuedUntilRedelivered(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Interpretation("x", "example.com", "click")})
	exec := testutil.NewScriptedExecutor(testutil.Succeed("done", "clicked"))
	rep := &testutil.RecordingReporter{}
	rep.SetFail(core.ErrTransport)
	e := newEngine(interp, exec, confirm.Decline{}, rep)

	s := e.Handle(context.Background(), nil, firstMessage())
	assert.Equal(t, core.PhasePreparingReport, s.Phase)
	assert.Len(t, s.Outbox, 1)

	s = e.Redeliver(context.Background(), s)
	assert.Equal(t, core.PhasePreparingReport, s.Phase, "still undeliverable")

	rep.SetFail(nil)
	s = e.Redeliver(context.Background(), s)
	assert.Equal(t, core.PhaseCompleted, s.Phase)
	assert.Empty(t, s.Outbox)
	assert.Len(t, exec.Calls(), 1, "redelivery never re-executes")
}

func TestEngine_ReplyToFinishedConversationRestarts(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Interpretation("x", "example.com", "click")})
	exec := testutil.NewScriptedExecutor(testutil.Succeed("done"))
	rep := &testutil.RecordingReporter{}
	e := newEngine(interp, exec, confirm.Decline{}, rep)

	first := firstMessage()
	s := e.Handle(context.Background(), nil, first)
	require.Equal(t, core.PhaseCompleted, s.Phase)

	reply := testutil.NewMessageBuilder("m2@example.com").ReplyTo(first).Body("Now do it again").Build()
	s = e.Handle(context.Background(), s, reply)

	assert.Equal(t, core.PhaseCompleted, s.Phase)
	assert.Equal(t, "Now do it again", s.TaskDescription)
	assert.Len(t, exec.Calls(), 2)
}

func TestEngine_ReferencesChainOnlyGrows(t *testing.T) {
	interp := testutil.NewScriptedInterpreter(testutil.InterpreterStep{Result: testutil.Clarify("What?")})
	rep := &testutil.RecordingReporter{}
	e := newEngine(interp, testutil.NewScriptedExecutor(), confirm.Decline{}, rep)

	prev := testutil.NewMessageBuilder("m2@example.com").References("root@example.com", "m1@example.com").InReplyTo("m1@example.com").Build()
	s := e.Handle(context.Background(), nil, prev)
	chain := append([]string(nil), s.ReferencesChain...)

	for _, id := range []string{"m3@example.com", "m4@example.com"} {
		reply := testutil.NewMessageBuilder(id).ReplyTo(prev).Body("more").Build()
		s = e.Handle(context.Background(), s, reply)
		require.GreaterOrEqual(t, len(s.ReferencesChain), len(chain))
		assert.Equal(t, chain, s.ReferencesChain[:len(chain)])
		chain = append([]string(nil), s.ReferencesChain...)
		prev = reply
	}
	assert.Equal(t, core.ThreadID("root@example.com"), s.ThreadID)
}
