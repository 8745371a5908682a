// Package mailagent provides the high-level façade wiring an email-driven
// browser automation agent together. Most applications:
//  1. Provide a mailbox, a mailer and the interpretation and execution
//     collaborators to New
//  2. Call Run to poll until the context is cancelled or Stop is called
//
// The façade resolves every inbound message to its conversation thread,
// serializes work per thread through the conversation registry and runs the
// workflow engine on a bounded pool of workers.
package mailagent

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/mailagent/confirm"
	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/internal/retry"
	"github.com/hupe1980/mailagent/logging"
	"github.com/hupe1980/mailagent/poller"
	"github.com/hupe1980/mailagent/registry"
	"github.com/hupe1980/mailagent/report"
	"github.com/hupe1980/mailagent/workflow"
)

// Options configures the MailAgent instance.
type Options struct {
	// From is the agent's own address used on outbound mail.
	From string

	// Interval between two mailbox polls.
	Interval time.Duration

	// MaxConcurrentThreads bounds how many conversations are processed at
	// the same time. Messages of one thread are always handled in order.
	MaxConcurrentThreads int

	MaxClarificationRounds int
	MaxSteps               int

	// InactivityTimeout evicts conversations idle for longer. Zero disables
	// eviction.
	InactivityTimeout time.Duration

	// ConfirmationTimeout bounds the wait for a confirmation reply when the
	// default email confirmation channel is used.
	ConfirmationTimeout time.Duration

	// Confirmer overrides the email confirmation channel.
	Confirmer core.ConfirmationChannel

	// Retry configures outbound delivery attempts.
	Retry retry.Config

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
	Now    func() time.Time
}

// MailAgent is the high-level façade aggregating poller, registry, report
// dispatcher and workflow engine.
type MailAgent struct {
	opts       Options
	registry   *registry.Registry
	dispatcher *report.Dispatcher
	confirms   *confirm.MailChannel
	engine     *workflow.Engine
	poller     *poller.Poller

	sem chan struct{}
	wg  sync.WaitGroup

	mu           sync.Mutex
	redelivering map[core.ThreadID]struct{}
}

// New creates a MailAgent reading from mailbox and replying through mailer.
func New(
	mailbox core.Mailbox,
	mailer core.Mailer,
	interpreter core.Interpreter,
	executor core.Executor,
	optFns ...func(o *Options),
) *MailAgent {
	opts := Options{
		Interval:               poller.DefaultInterval,
		MaxConcurrentThreads:   4,
		MaxClarificationRounds: workflow.DefaultMaxClarificationRounds,
		MaxSteps:               workflow.DefaultMaxSteps,
		InactivityTimeout:      registry.DefaultInactivityTimeout,
		ConfirmationTimeout:    confirm.DefaultTimeout,
		Retry:                  retry.DefaultConfig(),
		Logger:                 logging.NoOpLogger{},
		Now:                    time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.MaxConcurrentThreads < 1 {
		opts.MaxConcurrentThreads = 1
	}

	a := &MailAgent{
		opts:         opts,
		sem:          make(chan struct{}, opts.MaxConcurrentThreads),
		redelivering: make(map[core.ThreadID]struct{}),
	}

	a.registry = registry.New(func(o *registry.Options) {
		o.InactivityTimeout = opts.InactivityTimeout
		o.Logger = opts.Logger
	})

	a.dispatcher = report.New(mailer, func(o *report.Options) {
		o.From = opts.From
		o.Retry = opts.Retry
		o.Aliases = a.registry
		o.Logger = opts.Logger
		o.Now = opts.Now
	})

	confirmer := opts.Confirmer
	if confirmer == nil {
		a.confirms = confirm.NewMailChannel(a.dispatcher, func(o *confirm.MailOptions) {
			o.Timeout = opts.ConfirmationTimeout
			o.Logger = opts.Logger
		})
		confirmer = a.confirms
	}

	a.engine = workflow.New(interpreter, executor, confirmer, a.dispatcher, func(o *workflow.Options) {
		o.MaxClarificationRounds = opts.MaxClarificationRounds
		o.MaxSteps = opts.MaxSteps
		o.Logger = opts.Logger
		o.Now = opts.Now
	})

	a.poller = poller.New(mailbox, a.HandleMessage, func(o *poller.Options) {
		o.Interval = opts.Interval
		o.BeforeCycle = a.maintain
		o.Logger = opts.Logger
	})

	return a
}

// Run polls the mailbox until ctx is cancelled or Stop is called, then
// waits for in-flight conversations to reach a suspension point.
func (a *MailAgent) Run(ctx context.Context) error {
	err := a.poller.Run(ctx)
	a.Wait()
	return err
}

// Poll runs a single poll cycle and returns the number of messages taken in.
// Work started by the cycle may still be in flight; see Wait.
func (a *MailAgent) Poll(ctx context.Context) int {
	return a.poller.Poll(ctx)
}

// Stop asks the poll loop to exit before its next cycle.
func (a *MailAgent) Stop() { a.poller.Stop() }

// Wait blocks until every in-flight conversation worker has returned.
func (a *MailAgent) Wait() { a.wg.Wait() }

// Conversation returns a snapshot of a tracked conversation.
func (a *MailAgent) Conversation(thread core.ThreadID) (*core.ConversationState, bool) {
	return a.registry.Snapshot(thread)
}

// Conversations returns the number of tracked conversations.
func (a *MailAgent) Conversations() int { return a.registry.Len() }

// HandleMessage takes in one normalized inbound message. Replies to a
// pending confirmation are handed to the waiting execution; everything else
// is queued on the message's thread and processed asynchronously.
func (a *MailAgent) HandleMessage(ctx context.Context, msg core.InboundMessage) {
	thread := a.registry.Resolve(msg)
	log := logging.With(a.opts.Logger, "thread_id", thread.String(), "message_id", msg.MessageID)

	if a.confirms != nil && a.confirms.Deliver(thread, msg) {
		log.Info("mailagent.reply.confirmation")
		return
	}

	// Reserve synchronously so arrival order is the processing order.
	lease := a.registry.Reserve(thread)

	a.wg.Add(1)
	go a.process(context.WithoutCancel(ctx), lease, msg, log)
}

func (a *MailAgent) process(ctx context.Context, lease *registry.Lease, msg core.InboundMessage, log logging.Logger) {
	defer a.wg.Done()
	defer lease.Release()

	if err := lease.Wait(ctx); err != nil {
		log.Warn("mailagent.lease.aborted", "error", err)
		return
	}

	a.sem <- struct{}{}
	defer func() { <-a.sem }()

	s := lease.State()
	if s == nil {
		s = core.NewConversationState(msg, a.opts.Now())
		s.ThreadID = lease.Thread()
		log.Info("conversation.new", "sender", msg.Sender, "subject", msg.Subject)
		s = a.engine.Run(ctx, s)
	} else {
		s = a.engine.Resume(ctx, s, msg)
	}

	lease.Commit(s)
	log.Info("conversation.updated", "phase", s.Phase, "outbox", len(s.Outbox))
}

// maintain runs before every poll cycle: it retries undelivered replies and
// evicts idle conversations.
func (a *MailAgent) maintain(ctx context.Context) {
	for _, thread := range a.registry.PendingDelivery() {
		a.mu.Lock()
		if _, busy := a.redelivering[thread]; busy {
			a.mu.Unlock()
			continue
		}
		a.redelivering[thread] = struct{}{}
		a.mu.Unlock()

		lease := a.registry.Reserve(thread)
		a.wg.Add(1)
		go a.redeliver(context.WithoutCancel(ctx), lease)
	}

	if evicted := a.registry.Sweep(a.opts.Now()); len(evicted) > 0 {
		a.opts.Logger.Info("conversation.evicted", "count", len(evicted))
	}
}

func (a *MailAgent) redeliver(ctx context.Context, lease *registry.Lease) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		delete(a.redelivering, lease.Thread())
		a.mu.Unlock()
	}()
	defer lease.Release()

	if err := lease.Wait(ctx); err != nil {
		return
	}

	s := lease.State()
	if s == nil || len(s.Outbox) == 0 {
		return
	}
	lease.Commit(a.engine.Redeliver(ctx, s))
}
