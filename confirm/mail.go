package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/logging"
)

// DefaultTimeout bounds how long MailChannel waits for a reply.
const DefaultTimeout = 30 * time.Minute

// ErrAlreadyWaiting is returned when a thread already has an open request.
var ErrAlreadyWaiting = errors.New("confirmation already pending for thread")

// Sender renders and sends the confirmation request email.
type Sender interface {
	Confirmation(env core.Envelope, options []core.ConfirmationOption) (core.OutboundMessage, error)
	Send(ctx context.Context, msg *core.OutboundMessage) error
}

// MailOptions configures a MailChannel.
type MailOptions struct {
	Timeout time.Duration
	Logger  logging.Logger
}

// MailChannel asks for a confirmation by email and blocks until the reply is
// handed over through Deliver or the timeout expires.
type MailChannel struct {
	sender Sender
	opts   MailOptions

	mu      sync.Mutex
	waiting map[core.ThreadID]*waiter
}

type waiter struct {
	options []core.ConfirmationOption
	reply   chan core.InboundMessage
}

// NewMailChannel creates a MailChannel sending through sender.
func NewMailChannel(sender Sender, optFns ...func(o *MailOptions)) *MailChannel {
	opts := MailOptions{
		Timeout: DefaultTimeout,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &MailChannel{sender: sender, opts: opts, waiting: make(map[core.ThreadID]*waiter)}
}

// Confirm implements core.ConfirmationChannel. An unparsable reply or a
// timeout yields no selection. The response carries the sent request and the
// reply so the caller can thread them into the conversation.
func (c *MailChannel) Confirm(ctx context.Context, req core.ConfirmationRequest) (core.ConfirmationResponse, error) {
	var resp core.ConfirmationResponse

	thread := req.Envelope.ThreadID
	w := &waiter{options: req.Options, reply: make(chan core.InboundMessage, 1)}

	c.mu.Lock()
	if _, busy := c.waiting[thread]; busy {
		c.mu.Unlock()
		return resp, fmt.Errorf("%w: %s", ErrAlreadyWaiting, thread)
	}
	c.waiting[thread] = w
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiting, thread)
		c.mu.Unlock()
	}()

	msg, err := c.sender.Confirmation(req.Envelope, req.Options)
	if err != nil {
		return resp, err
	}
	if err := c.sender.Send(ctx, &msg); err != nil {
		return resp, err
	}
	resp.Request = &msg

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	c.opts.Logger.Info("confirm.waiting", "thread_id", thread, "message_id", msg.MessageID, "options", len(req.Options))

	select {
	case reply := <-w.reply:
		resp.Reply = &reply
		resp.Choice = ParseSelection(reply.BodyText, w.options)
		if resp.Choice == nil {
			c.opts.Logger.Warn("confirm.reply.unmatched", "thread_id", thread, "message_id", reply.MessageID)
		}
		return resp, nil
	case <-ctx.Done():
		c.opts.Logger.Warn("confirm.timeout", "thread_id", thread)
		return resp, ctx.Err()
	}
}

// Deliver hands an inbound reply to a pending confirmation on thread. It
// reports whether the message was consumed.
func (c *MailChannel) Deliver(thread core.ThreadID, msg core.InboundMessage) bool {
	c.mu.Lock()
	w, ok := c.waiting[thread]
	c.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case w.reply <- msg:
		return true
	default:
		// A reply is already queued; later ones go through the normal path.
		return false
	}
}

// Pending reports whether thread awaits a confirmation reply.
func (c *MailChannel) Pending(thread core.ThreadID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiting[thread]
	return ok
}
