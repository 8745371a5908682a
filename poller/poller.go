// Package poller drives the inbound side of mailagent: it fetches unread
// mail at a fixed interval and hands each message to a handler.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/logging"
)

// DefaultInterval is the pause between two fetch cycles.
const DefaultInterval = 30 * time.Second

// Handler receives one inbound message. It is called synchronously from the
// poll loop, so long running work must be handed off.
type Handler func(ctx context.Context, msg core.InboundMessage)

// Options configures a Poller.
type Options struct {
	Interval time.Duration
	// BeforeCycle runs at the start of every cycle, before fetching.
	BeforeCycle func(ctx context.Context)
	Logger      logging.Logger
}

// Poller periodically fetches unread messages from a mailbox.
type Poller struct {
	mailbox core.Mailbox
	handler Handler
	opts    Options
	stopped atomic.Bool
}

// New creates a Poller.
func New(mailbox core.Mailbox, handler Handler, optFns ...func(o *Options)) *Poller {
	opts := Options{
		Interval: DefaultInterval,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Poller{mailbox: mailbox, handler: handler, opts: opts}
}

// Run polls until Stop is called or ctx is done. The stop flag is checked at
// the top of each cycle; a batch in progress is always handed out completely.
// Run returns nil after Stop and ctx.Err() after cancellation.
func (p *Poller) Run(ctx context.Context) error {
	p.opts.Logger.Info("poller.start", "interval", p.opts.Interval)
	defer p.opts.Logger.Info("poller.stop")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if p.stopped.Load() {
			return nil
		}

		p.Poll(ctx)
		timer.Reset(p.opts.Interval)
	}
}

// Poll runs a single cycle and returns the number of messages handed out.
// Transport failures are logged and count as an empty batch.
func (p *Poller) Poll(ctx context.Context) int {
	if p.opts.BeforeCycle != nil {
		p.opts.BeforeCycle(ctx)
	}

	msgs, err := p.mailbox.FetchUnread(ctx)
	if err != nil {
		p.opts.Logger.Error("poller.fetch.error", "error", err)
		return 0
	}

	seen := make(map[string]struct{}, len(msgs))
	n := 0
	for _, msg := range msgs {
		if _, dup := seen[msg.MessageID]; dup {
			p.opts.Logger.Debug("poller.duplicate", "message_id", msg.MessageID)
			continue
		}
		seen[msg.MessageID] = struct{}{}

		p.opts.Logger.Info("poller.message", "message_id", msg.MessageID, "sender", msg.Sender, "subject", msg.Subject)
		p.handler(ctx, msg)
		n++
	}
	if n > 0 {
		p.opts.Logger.Debug("poller.cycle", "messages", n)
	}
	return n
}

// Stop requests the loop to exit before its next cycle.
func (p *Poller) Stop() { p.stopped.Store(true) }
