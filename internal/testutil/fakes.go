package testutil

import (
	"context"
	"maps"
	"sync"

	"github.com/hupe1980/mailagent/core"
)

// Interpretation builds an interpretation that needs no clarification.
func Interpretation(taskType, website, action string) core.Interpretation {
	return core.Interpretation{
		TaskType:    taskType,
		TaskDetails: core.TaskDetails{Website: website, ActionType: action},
	}
}

// Clarify builds an interpretation asking the given questions.
func Clarify(questions ...string) core.Interpretation {
	return core.Interpretation{
		TaskType:               "unknown",
		RequiresClarification:  true,
		ClarificationQuestions: questions,
	}
}

// InterpreterStep is one scripted interpreter answer.
type InterpreterStep struct {
	Result core.Interpretation
	Err    error
}

// ScriptedInterpreter replays answers in order; the last one repeats.
type ScriptedInterpreter struct {
	mu     sync.Mutex
	steps  []InterpreterStep
	inputs []string
}

// NewScriptedInterpreter creates an interpreter answering with steps.
func NewScriptedInterpreter(steps ...InterpreterStep) *ScriptedInterpreter {
	return &ScriptedInterpreter{steps: steps}
}

// Interpret implements core.Interpreter.
func (i *ScriptedInterpreter) Interpret(_ context.Context, text string) (core.Interpretation, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.inputs = append(i.inputs, text)
	if len(i.steps) == 0 {
		return core.FallbackInterpretation(), nil
	}
	idx := min(len(i.inputs)-1, len(i.steps)-1)
	st := i.steps[idx]
	if st.Err != nil {
		return core.FallbackInterpretation(), st.Err
	}
	return st.Result, nil
}

// Inputs returns every task text seen so far.
func (i *ScriptedInterpreter) Inputs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.inputs...)
}

// ExecutorCall records one Execute invocation.
type ExecutorCall struct {
	Description string
	Context     map[string]any
}

// ExecutorStep is one scripted executor answer.
type ExecutorStep struct {
	Result core.Execution
	Err    error
	Panic  any
}

// ScriptedExecutor replays answers in order; the last one repeats.
type ScriptedExecutor struct {
	mu    sync.Mutex
	steps []ExecutorStep
	calls []ExecutorCall
}

// NewScriptedExecutor creates an executor answering with steps.
func NewScriptedExecutor(steps ...ExecutorStep) *ScriptedExecutor {
	return &ScriptedExecutor{steps: steps}
}

// Execute implements core.Executor.
func (x *ScriptedExecutor) Execute(_ context.Context, description string, taskContext map[string]any) (core.Execution, error) {
	x.mu.Lock()
	x.calls = append(x.calls, ExecutorCall{Description: description, Context: maps.Clone(taskContext)})
	var st ExecutorStep
	if len(x.steps) > 0 {
		st = x.steps[min(len(x.calls)-1, len(x.steps)-1)]
	}
	x.mu.Unlock()

	if st.Panic != nil {
		panic(st.Panic)
	}
	return st.Result, st.Err
}

// Calls returns every recorded invocation.
func (x *ScriptedExecutor) Calls() []ExecutorCall {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]ExecutorCall(nil), x.calls...)
}

// Succeed builds a successful execution.
func Succeed(summary string, actions ...string) ExecutorStep {
	return ExecutorStep{Result: core.Execution{
		Success:   true,
		Result:    map[string]any{core.ResultKeySummary: summary},
		ActionLog: actions,
	}}
}

// NeedConfirmation builds an execution paused on the given option labels.
func NeedConfirmation(labels ...string) ExecutorStep {
	opts := make([]any, 0, len(labels))
	for _, l := range labels {
		opts = append(opts, map[string]any{"label": l})
	}
	return ExecutorStep{Result: core.Execution{
		Success: true,
		Result: map[string]any{
			core.ResultKeyNeedsConfirmation:   true,
			core.ResultKeyConfirmationOptions: opts,
		},
		ActionLog: []string{"Found multiple options"},
	}}
}

// Fail builds an unsuccessful execution carrying errText.
func Fail(errText string, actions ...string) ExecutorStep {
	return ExecutorStep{Result: core.Execution{
		Success:   false,
		Result:    map[string]any{core.ResultKeyError: errText},
		ActionLog: actions,
	}}
}

// RecordingReporter collects report calls without sending anything. Set
// Fail to make every report fail and land in the outbox.
type RecordingReporter struct {
	mu    sync.Mutex
	Kinds []core.MessageKind
	Fail  error
}

func (r *RecordingReporter) record(ctx context.Context, kind core.MessageKind, s *core.ConversationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Kinds = append(r.Kinds, kind)
	if r.Fail != nil {
		s.Outbox = append(s.Outbox, core.OutboundMessage{ThreadID: s.ThreadID, Kind: kind})
		return r.Fail
	}
	return nil
}

// Clarification records a clarification report.
func (r *RecordingReporter) Clarification(ctx context.Context, s *core.ConversationState) error {
	return r.record(ctx, core.KindClarification, s)
}

// Completion records a completion report.
func (r *RecordingReporter) Completion(ctx context.Context, s *core.ConversationState) error {
	return r.record(ctx, core.KindCompletion, s)
}

// Failure records a failure report.
func (r *RecordingReporter) Failure(ctx context.Context, s *core.ConversationState) error {
	return r.record(ctx, core.KindFailure, s)
}

// FlushOutbox empties the outbox unless Fail is set.
func (r *RecordingReporter) FlushOutbox(_ context.Context, s *core.ConversationState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return 0
	}
	n := len(s.Outbox)
	s.Outbox = nil
	return n
}

// Recorded returns the kinds reported so far.
func (r *RecordingReporter) Recorded() []core.MessageKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.MessageKind(nil), r.Kinds...)
}

// SetFail changes the failure mode.
func (r *RecordingReporter) SetFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Fail = err
}
