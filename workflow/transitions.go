package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/logging"
)

// Each transition returns whether the run suspends after it. A returned
// error is an engine failure; collaborator failures are handled inside.

func (e *Engine) analyzeTask(ctx context.Context, s *core.ConversationState) (bool, error) {
	start := time.Now()
	interp, err := e.interpreter.Interpret(ctx, s.TaskDescription)
	logging.LogCollaboratorCall(e.opts.Logger, "interpreter", s.ThreadID.String(), time.Since(start), err)

	if err != nil {
		s.TaskType = "unknown"
		s.NeedsClarification = true
		s.ClarificationQuestions = []string{core.DefaultClarificationQuestion}
		s.Phase = core.PhaseRequestingClarification
		return false, nil
	}

	s.TaskType = interp.TaskType
	details := interp.TaskDetails
	s.TaskDetails = details.Clone()

	if interp.RequiresClarification {
		s.NeedsClarification = true
		s.ClarificationQuestions = nonEmpty(interp.ClarificationQuestions)
		if len(s.ClarificationQuestions) == 0 {
			s.ClarificationQuestions = []string{core.DefaultClarificationQuestion}
		}
		s.Phase = core.PhaseRequestingClarification
		return false, nil
	}

	s.NeedsClarification = false
	s.ClarificationQuestions = nil
	s.AppendHistory(core.RoleAssistant, describeTask(s), e.opts.Now())
	s.Phase = core.PhaseExecutingTask
	return false, nil
}

// requestClarification is the suspension point of the clarification loop.
func (e *Engine) requestClarification(ctx context.Context, s *core.ConversationState) (bool, error) {
	if len(s.ClarificationQuestions) == 0 {
		s.ClarificationQuestions = []string{core.DefaultClarificationQuestion}
	}
	s.NeedsClarification = true
	s.ClarificationRounds++
	s.AppendHistory(core.RoleAssistant, "Asked for clarification: "+strings.Join(s.ClarificationQuestions, " | "), e.opts.Now())

	if err := e.reporter.Clarification(ctx, s); err != nil {
		// The message waits in the outbox; the conversation still suspends.
		e.opts.Logger.Warn("workflow.clarification.queued", "thread_id", s.ThreadID, "error", err)
	}
	return true, nil
}

func (e *Engine) executeTask(ctx context.Context, s *core.ConversationState) (bool, error) {
	description := s.TaskDescription
	taskContext := s.ExecutionContext()

	exec, err := e.execute(ctx, s, description, taskContext)
	s.ActionLog = append(s.ActionLog, exec.ActionLog...)

	if err == nil && exec.NeedsConfirmation() {
		exec, err = e.confirmAndRetry(ctx, s, description, taskContext, exec)
		s.ActionLog = append(s.ActionLog, exec.ActionLog...)
	}
	s.PendingConfirmation = nil

	switch {
	case err != nil:
		s.Result = &core.Result{Success: false, Error: failureText(err), Details: exec.Result}
	case !exec.Success:
		msg := exec.ErrorText()
		if msg == "" {
			msg = "the task did not succeed"
		}
		s.Result = &core.Result{Success: false, Error: msg, Summary: exec.Summary(), Details: exec.Result}
	default:
		summary := exec.Summary()
		if summary == "" {
			summary = "Task completed successfully."
		}
		s.Result = &core.Result{Success: true, Summary: summary, Details: exec.Result}
	}

	s.NeedsClarification = false
	s.Phase = core.PhaseHandlingResults
	return false, nil
}

// execute invokes the executor and folds a collaborator error into
// core.ErrExecution.
func (e *Engine) execute(ctx context.Context, s *core.ConversationState, description string, taskContext map[string]any) (core.Execution, error) {
	start := time.Now()
	exec, err := e.executor.Execute(ctx, description, taskContext)
	logging.LogCollaboratorCall(e.opts.Logger, "executor", s.ThreadID.String(), time.Since(start), err)
	if err != nil {
		if errors.Is(err, core.ErrExecution) {
			return exec, err
		}
		return exec, fmt.Errorf("%w: %w", core.ErrExecution, err)
	}
	return exec, nil
}

func (e *Engine) handleResults(ctx context.Context, s *core.ConversationState) (bool, error) {
	if core.IsExecutionComplete(s) {
		s.Phase = core.PhasePreparingReport
		return false, nil
	}

	if s.Result == nil {
		return false, fmt.Errorf("%w: no result to handle", core.ErrEngine)
	}

	if s.Result.Success {
		// Successful but a clarification is still pending.
		s.Phase = core.PhaseRequestingClarification
		return false, nil
	}

	if s.ExecutionFailureRounds >= e.opts.MaxClarificationRounds {
		e.opts.Logger.Warn("workflow.clarification.exhausted", "thread_id", s.ThreadID, "rounds", s.ExecutionFailureRounds)
		s.AppendHistory(core.RoleSystem, "Giving up after "+fmt.Sprint(s.ExecutionFailureRounds)+" failed attempts: "+s.Result.Error, e.opts.Now())
		s.Phase = core.PhaseFailed
		if err := e.reporter.Failure(ctx, s); err != nil {
			e.opts.Logger.Warn("workflow.failure.queued", "thread_id", s.ThreadID, "error", err)
		}
		return false, nil
	}

	s.ExecutionFailureRounds++
	s.NeedsClarification = true
	s.ClarificationQuestions = []string{questionFromError(s.Result.Error)}
	s.Phase = core.PhaseRequestingClarification
	return false, nil
}

func (e *Engine) prepareReport(ctx context.Context, s *core.ConversationState) (bool, error) {
	if err := e.reporter.Completion(ctx, s); err != nil {
		// Stay in PreparingReport until Redeliver gets the report out.
		e.opts.Logger.Warn("workflow.completion.queued", "thread_id", s.ThreadID, "error", err)
		return true, nil
	}
	e.complete(s)
	return false, nil
}

// failureText strips the sentinel prefix so the user sees the cause only.
func failureText(err error) string {
	return strings.TrimPrefix(err.Error(), core.ErrExecution.Error()+": ")
}

func questionFromError(errText string) string {
	errText = strings.TrimSpace(errText)
	if errText == "" {
		return core.DefaultClarificationQuestion
	}
	return fmt.Sprintf("I ran into a problem while working on your task: %s. Could you provide more details or tell me how you would like me to proceed?", errText)
}

func describeTask(s *core.ConversationState) string {
	var parts []string
	if s.TaskType != "" {
		parts = append(parts, "type="+s.TaskType)
	}
	if d := s.TaskDetails; d != nil {
		if d.Website != "" {
			parts = append(parts, "website="+d.Website)
		}
		if d.ActionType != "" {
			parts = append(parts, "action="+d.ActionType)
		}
		if d.Target != "" {
			parts = append(parts, "target="+d.Target)
		}
	}
	return "Interpreted task: " + strings.Join(parts, ", ")
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, q := range in {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}
