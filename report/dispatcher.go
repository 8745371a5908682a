// Package report builds and delivers the agent's outbound emails. It owns the
// threading policy (In-Reply-To, References, subject prefixes), renders the
// plain-text and HTML bodies and keeps undeliverable messages in the
// conversation outbox so the next poll cycle can retry them.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/internal/retry"
	"github.com/hupe1980/mailagent/internal/util"
	"github.com/hupe1980/mailagent/logging"
)

// Subject labels used when the answered message started a new thread.
const (
	LabelClarification = "Clarification needed:"
	LabelConfirmation  = "Confirmation needed:"
	LabelCompletion    = "Completed:"
	LabelFailure       = "Failed:"
	ReplyPrefix        = "Re:"
)

// AliasRegistrar records sent message ids so replies to them can be routed
// back to their thread.
type AliasRegistrar interface {
	Alias(messageID string, thread core.ThreadID)
}

// Options configures a Dispatcher.
type Options struct {
	// From is the agent's address, also used for Message-ID domains.
	From    string
	Retry   retry.Config
	Aliases AliasRegistrar
	Logger  logging.Logger
	// Now is the clock used for history entries (defaults to time.Now).
	Now func() time.Time
}

// Dispatcher renders and sends replies through a core.Mailer.
type Dispatcher struct {
	mailer core.Mailer
	opts   Options
}

// New creates a Dispatcher delivering through mailer.
func New(mailer core.Mailer, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Retry:  retry.DefaultConfig(),
		Logger: logging.NoOpLogger{},
		Now:    time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Dispatcher{mailer: mailer, opts: opts}
}

// Subject applies the subject policy. A new thread gets the kind label; a
// reply gets a single "Re:" prefix unless one is already present.
func Subject(kind core.MessageKind, subject string, newThread bool) string {
	subject = strings.TrimSpace(subject)
	if newThread {
		label := labelFor(kind)
		if subject == "" {
			return label
		}
		return label + " " + subject
	}
	if strings.HasPrefix(subject, ReplyPrefix) {
		return subject
	}
	return ReplyPrefix + " " + subject
}

func labelFor(kind core.MessageKind) string {
	switch kind {
	case core.KindClarification:
		return LabelClarification
	case core.KindConfirmation:
		return LabelConfirmation
	case core.KindFailure:
		return LabelFailure
	default:
		return LabelCompletion
	}
}

// References returns the References list for a reply: the stored chain, or
// the In-Reply-To id when the chain is empty.
func References(env core.Envelope) []string {
	if len(env.References) > 0 {
		return append([]string(nil), env.References...)
	}
	if env.InReplyTo != "" {
		return []string{env.InReplyTo}
	}
	return nil
}

// build renders an outbound message of the given kind for env.
func (d *Dispatcher) build(kind core.MessageKind, env core.Envelope, c content) (core.OutboundMessage, error) {
	text, html, err := render(kind, c)
	if err != nil {
		return core.OutboundMessage{}, fmt.Errorf("render %s: %w", kind, err)
	}

	return core.OutboundMessage{
		MessageID:  util.NewMessageID(d.opts.From),
		ThreadID:   env.ThreadID,
		Kind:       kind,
		From:       d.opts.From,
		To:         env.To,
		Subject:    Subject(kind, env.Subject, env.NewThread),
		InReplyTo:  env.InReplyTo,
		References: References(env),
		TextBody:   text,
		HTMLBody:   html,
	}, nil
}

// Clarification sends the pending clarification questions.
func (d *Dispatcher) Clarification(ctx context.Context, s *core.ConversationState) error {
	questions := s.ClarificationQuestions
	if len(questions) == 0 {
		questions = []string{core.DefaultClarificationQuestion}
	}
	msg, err := d.build(core.KindClarification, s.Envelope(), content{Questions: questions})
	if err != nil {
		return err
	}
	return d.Deliver(ctx, s, msg)
}

// Completion sends the completion report.
func (d *Dispatcher) Completion(ctx context.Context, s *core.ConversationState) error {
	c := content{Actions: s.ActionLog}
	if s.Result != nil {
		c.Summary = s.Result.Summary
	}
	msg, err := d.build(core.KindCompletion, s.Envelope(), c)
	if err != nil {
		return err
	}
	return d.Deliver(ctx, s, msg)
}

// Failure sends a report explaining why the task could not be completed.
func (d *Dispatcher) Failure(ctx context.Context, s *core.ConversationState) error {
	c := content{Actions: s.ActionLog, Error: failureReason(s)}
	msg, err := d.build(core.KindFailure, s.Envelope(), c)
	if err != nil {
		return err
	}
	return d.Deliver(ctx, s, msg)
}

func failureReason(s *core.ConversationState) string {
	switch {
	case s.Error != "":
		return s.Error
	case s.Result != nil && s.Result.Error != "":
		return s.Result.Error
	default:
		return "the task could not be completed"
	}
}

// Confirmation renders the option list for a paused execution. It does not
// touch any conversation state; see Send.
func (d *Dispatcher) Confirmation(env core.Envelope, options []core.ConfirmationOption) (core.OutboundMessage, error) {
	return d.build(core.KindConfirmation, env, content{Options: options})
}

// Send delivers msg with retry and registers its id as a thread alias.
func (d *Dispatcher) Send(ctx context.Context, msg *core.OutboundMessage) error {
	res := retry.Do(ctx, d.opts.Retry, func(ctx context.Context) error {
		return d.mailer.Send(ctx, *msg)
	}, d.opts.Logger)
	msg.Attempts += res.Attempts

	logging.LogDelivery(d.opts.Logger, string(msg.Kind), msg.ThreadID.String(), msg.MessageID, msg.Attempts, res.LastError)
	if !res.Success {
		return fmt.Errorf("%w: %v", core.ErrTransport, res.LastError)
	}

	if d.opts.Aliases != nil {
		d.opts.Aliases.Alias(msg.MessageID, msg.ThreadID)
	}
	return nil
}

// Deliver sends msg on behalf of s. On success the sent id joins the
// references chain; on failure the message is parked in s.Outbox and a
// core.ErrTransport error is returned.
func (d *Dispatcher) Deliver(ctx context.Context, s *core.ConversationState, msg core.OutboundMessage) error {
	if err := d.Send(ctx, &msg); err != nil {
		s.Outbox = append(s.Outbox, msg)
		s.Touch(d.opts.Now())
		return err
	}
	recordSent(s, msg)
	s.Touch(d.opts.Now())
	return nil
}

// recordSent extends the chain with the ancestry the message announced and
// then its own id, keeping the chain in thread order.
func recordSent(s *core.ConversationState, msg core.OutboundMessage) {
	s.AppendReferences(msg.References...)
	s.AppendReferences(msg.MessageID)
}

// FlushOutbox retries every parked message of s in order and returns how many
// were delivered. Messages that fail again stay in the outbox.
func (d *Dispatcher) FlushOutbox(ctx context.Context, s *core.ConversationState) int {
	if len(s.Outbox) == 0 {
		return 0
	}

	pending := s.Outbox
	s.Outbox = nil

	sent := 0
	for i := range pending {
		msg := pending[i]
		if err := d.Send(ctx, &msg); err != nil {
			s.Outbox = append(s.Outbox, msg)
			continue
		}
		recordSent(s, msg)
		sent++
	}
	s.Touch(d.opts.Now())

	return sent
}
