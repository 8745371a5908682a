package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/logging"
)

// errConfirmationRepeated is returned when the retried execution asks for
// confirmation again; the sub-protocol never loops.
var errConfirmationRepeated = errors.New("confirmation requested again")

// confirmAndRetry runs the confirmation sub-protocol for a paused execution:
// store the options, ask the channel and re-execute exactly once with the
// choice folded into the description and the task context.
func (e *Engine) confirmAndRetry(
	ctx context.Context,
	s *core.ConversationState,
	description string,
	taskContext map[string]any,
	paused core.Execution,
) (core.Execution, error) {
	options := paused.ConfirmationOptions()
	s.PendingConfirmation = options

	resp, err := e.askConfirmation(ctx, s, description, options)
	// The options are consumed whether or not a choice arrived.
	s.PendingConfirmation = nil
	e.recordConfirmationExchange(s, resp)
	if err != nil {
		e.opts.Logger.Warn("workflow.confirmation.missing", "thread_id", s.ThreadID, "error", err)
	}
	choice := resp.Choice
	if choice == nil {
		s.AppendHistory(core.RoleSystem, core.ErrConfirmationAbsent.Error(), e.opts.Now())
		return core.Execution{Success: false}, fmt.Errorf("%w: %w", core.ErrExecution, core.ErrConfirmationAbsent)
	}

	s.AppendHistory(core.RoleUser, "Confirmation received: "+choice.Label, e.opts.Now())

	retryContext := maps.Clone(taskContext)
	if retryContext == nil {
		retryContext = map[string]any{}
	}
	retryContext[core.ContextKeyUserConfirmation] = choice.Label

	exec, err := e.execute(ctx, s, description+"\n\nConfirmation received: "+choice.Label, retryContext)
	if err != nil {
		return exec, err
	}
	if exec.NeedsConfirmation() {
		return exec, fmt.Errorf("%w: %w", core.ErrExecution, errConfirmationRepeated)
	}
	return exec, nil
}

// recordConfirmationExchange threads the confirmation request and its reply
// into s so later reports answer the user's latest message.
func (e *Engine) recordConfirmationExchange(s *core.ConversationState, resp core.ConfirmationResponse) {
	if req := resp.Request; req != nil {
		s.AppendReferences(req.References...)
		s.AppendReferences(req.MessageID)
	}
	if reply := resp.Reply; reply != nil {
		s.RecordInbound(*reply, e.opts.Now())
	}
}

func (e *Engine) askConfirmation(ctx context.Context, s *core.ConversationState, description string, options []core.ConfirmationOption) (core.ConfirmationResponse, error) {
	if len(options) == 0 {
		return core.ConfirmationResponse{}, errors.New("confirmation requested without options")
	}
	if e.confirmer == nil {
		return core.ConfirmationResponse{}, errors.New("no confirmation channel configured")
	}

	start := time.Now()
	resp, err := e.confirmer.Confirm(ctx, core.ConfirmationRequest{
		Envelope: s.Envelope(),
		Task:     description,
		Options:  options,
	})
	logging.LogCollaboratorCall(e.opts.Logger, "confirmation", s.ThreadID.String(), time.Since(start), err)
	return resp, err
}
