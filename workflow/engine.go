// Package workflow implements the task-processing state machine. An Engine
// drives one ConversationState from an inbound message through
// interpretation, the clarification loop, execution (including the
// confirmation sub-protocol) and reporting. Each phase has one transition
// function; the engine steps until it reaches a suspension point or a
// terminal phase and never lets a failure escape to its caller.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/logging"
)

// Defaults for Options.
const (
	DefaultMaxClarificationRounds = 3
	DefaultMaxSteps               = 32
)

// Reporter sends the user-facing emails of a conversation. Undeliverable
// messages are kept in the state's outbox and a non-nil error is returned.
type Reporter interface {
	Clarification(ctx context.Context, s *core.ConversationState) error
	Completion(ctx context.Context, s *core.ConversationState) error
	Failure(ctx context.Context, s *core.ConversationState) error
	FlushOutbox(ctx context.Context, s *core.ConversationState) int
}

// Options configures an Engine.
type Options struct {
	// MaxClarificationRounds caps clarification requests caused by failed
	// executions; once reached a failed result ends the conversation.
	MaxClarificationRounds int
	// MaxSteps bounds transitions per Run.
	MaxSteps int
	Logger   logging.Logger
	Now      func() time.Time
}

// Engine is the workflow state machine. It is stateless itself and safe for
// concurrent use on different conversations.
type Engine struct {
	interpreter core.Interpreter
	executor    core.Executor
	confirmer   core.ConfirmationChannel
	reporter    Reporter
	opts        Options
}

// New creates an Engine from its collaborators.
func New(interpreter core.Interpreter, executor core.Executor, confirmer core.ConfirmationChannel, reporter Reporter, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxClarificationRounds: DefaultMaxClarificationRounds,
		MaxSteps:               DefaultMaxSteps,
		Logger:                 logging.NoOpLogger{},
		Now:                    time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Engine{
		interpreter: interpreter,
		executor:    executor,
		confirmer:   confirmer,
		reporter:    reporter,
		opts:        opts,
	}
}

// Handle processes msg for the conversation s. A nil s starts a new
// conversation. The returned state is the one to persist; failures are
// recorded in it rather than returned.
func (e *Engine) Handle(ctx context.Context, s *core.ConversationState, msg core.InboundMessage) *core.ConversationState {
	if s == nil {
		return e.Run(ctx, core.NewConversationState(msg, e.opts.Now()))
	}
	return e.Resume(ctx, s, msg)
}

// Resume applies a follow-up message to an existing conversation and runs it.
func (e *Engine) Resume(ctx context.Context, s *core.ConversationState, msg core.InboundMessage) *core.ConversationState {
	err := e.protect(func() error {
		e.applyReply(ctx, s, msg)
		return nil
	})
	if err != nil {
		e.fail(ctx, s, err)
		return s
	}
	return e.Run(ctx, s)
}

// Run steps s until it suspends or reaches a terminal phase.
func (e *Engine) Run(ctx context.Context, s *core.ConversationState) *core.ConversationState {
	log := logging.With(e.opts.Logger, "thread_id", s.ThreadID.String())

	for steps := 0; !s.Phase.IsTerminal(); steps++ {
		if steps >= e.opts.MaxSteps {
			e.fail(ctx, s, fmt.Errorf("%w: step budget of %d exceeded in phase %s", core.ErrEngine, e.opts.MaxSteps, s.Phase))
			return s
		}

		from := s.Phase
		var suspend bool
		err := e.protect(func() error {
			var err error
			suspend, err = e.step(ctx, s)
			return err
		})
		if err != nil {
			e.fail(ctx, s, err)
			return s
		}

		if s.Phase != from {
			logging.LogTransition(log, s.ThreadID.String(), string(from), string(s.Phase))
		}
		if suspend {
			log.Debug("workflow.suspended", "phase", s.Phase)
			return s
		}
	}

	return s
}

// Redeliver flushes the outbox of s. A conversation parked in
// PreparingReport completes once its report went out.
func (e *Engine) Redeliver(ctx context.Context, s *core.ConversationState) *core.ConversationState {
	err := e.protect(func() error {
		sent := e.reporter.FlushOutbox(ctx, s)
		if sent > 0 {
			e.opts.Logger.Info("workflow.redelivered", "thread_id", s.ThreadID, "sent", sent, "remaining", len(s.Outbox))
		}
		if s.Phase == core.PhasePreparingReport && len(s.Outbox) == 0 {
			e.complete(s)
			logging.LogTransition(e.opts.Logger, s.ThreadID.String(), string(core.PhasePreparingReport), string(s.Phase))
		}
		return nil
	})
	if err != nil {
		e.fail(ctx, s, err)
	}
	return s
}

func (e *Engine) step(ctx context.Context, s *core.ConversationState) (bool, error) {
	switch s.Phase {
	case core.PhaseAnalyzingTask:
		return e.analyzeTask(ctx, s)
	case core.PhaseRequestingClarification:
		return e.requestClarification(ctx, s)
	case core.PhaseExecutingTask:
		return e.executeTask(ctx, s)
	case core.PhaseHandlingResults:
		return e.handleResults(ctx, s)
	case core.PhasePreparingReport:
		return e.prepareReport(ctx, s)
	default:
		return false, fmt.Errorf("%w: unknown phase %q", core.ErrEngine, s.Phase)
	}
}

// protect converts a panic in fn into an ErrEngine error.
func (e *Engine) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.opts.Logger.Error("workflow.panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: panic: %v", core.ErrEngine, r)
		}
	}()
	if err := fn(); err != nil {
		if !errors.Is(err, core.ErrEngine) {
			err = fmt.Errorf("%w: %w", core.ErrEngine, err)
		}
		return err
	}
	return nil
}

// fail moves s to Failed, records err and attempts a failure report. It must
// not panic itself.
func (e *Engine) fail(ctx context.Context, s *core.ConversationState, err error) {
	from := s.Phase
	now := e.opts.Now()

	s.Error = err.Error()
	s.Phase = core.PhaseFailed
	s.NeedsClarification = false
	s.ClarificationQuestions = nil
	s.PendingConfirmation = nil
	s.AppendHistory(core.RoleSystem, "Workflow failed: "+s.Error, now)

	e.opts.Logger.Error("workflow.failed", "thread_id", s.ThreadID, "phase", from, "error", err)
	logging.LogTransition(e.opts.Logger, s.ThreadID.String(), string(from), string(core.PhaseFailed))

	e.sendFailure(ctx, s)
}

func (e *Engine) sendFailure(ctx context.Context, s *core.ConversationState) {
	defer func() {
		if r := recover(); r != nil {
			e.opts.Logger.Error("workflow.failure.panic", "thread_id", s.ThreadID, "panic", r)
		}
	}()
	if err := e.reporter.Failure(ctx, s); err != nil {
		e.opts.Logger.Warn("workflow.failure.undelivered", "thread_id", s.ThreadID, "error", err)
	}
}

func (e *Engine) complete(s *core.ConversationState) {
	summary := "Task completed."
	if s.Result != nil && s.Result.Summary != "" {
		summary = s.Result.Summary
	}
	s.AppendHistory(core.RoleAssistant, summary, e.opts.Now())
	s.Phase = core.PhaseCompleted
}

func (e *Engine) applyReply(ctx context.Context, s *core.ConversationState, msg core.InboundMessage) {
	now := e.opts.Now()
	body := strings.TrimSpace(msg.BodyText)

	s.RecordInbound(msg, now)
	s.AppendHistory(core.RoleUser, body, now)

	switch s.Phase {
	case core.PhaseRequestingClarification:
		s.TaskDescription = mergeClarification(s.TaskDescription, body)
		s.NeedsClarification = false
		s.ClarificationQuestions = nil
		s.Phase = core.PhaseAnalyzingTask
		logging.LogTransition(e.opts.Logger, s.ThreadID.String(), string(core.PhaseRequestingClarification), string(core.PhaseAnalyzingTask))

	case core.PhaseCompleted, core.PhaseFailed:
		// A reply to a finished conversation starts a new task on the thread.
		restart(s, body)
		e.opts.Logger.Info("workflow.restart", "thread_id", s.ThreadID)

	case core.PhasePreparingReport:
		e.reporter.FlushOutbox(ctx, s)
		if len(s.Outbox) == 0 {
			e.complete(s)
		}

	default:
		e.opts.Logger.Warn("workflow.reply.recorded",
			"thread_id", s.ThreadID, "phase", s.Phase, "message_id", msg.MessageID)
	}
}

func mergeClarification(task, reply string) string {
	if reply == "" {
		return task
	}
	if task == "" {
		return reply
	}
	return task + "\n\nAdditional information from the user:\n" + reply
}

func restart(s *core.ConversationState, body string) {
	s.TaskDescription = body
	s.TaskType = ""
	s.TaskDetails = nil
	s.NeedsClarification = false
	s.ClarificationQuestions = nil
	s.ClarificationRounds = 0
	s.ExecutionFailureRounds = 0
	s.PendingConfirmation = nil
	s.ActionLog = nil
	s.Result = nil
	s.Error = ""
	s.Phase = core.PhaseAnalyzingTask
}
