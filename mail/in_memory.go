package mail

import (
	"context"
	"sync"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/logging"
)

// InMemoryMailbox is a volatile core.Mailbox with per-message unread flags.
// It is safe for concurrent access and suited for tests and dry runs.
type InMemoryMailbox struct {
	mu       sync.Mutex
	messages []storedMessage
	failNext []error
}

type storedMessage struct {
	msg    core.InboundMessage
	unread bool
}

// NewInMemoryMailbox constructs a mailbox pre-filled with unread messages.
func NewInMemoryMailbox(msgs ...core.InboundMessage) *InMemoryMailbox {
	m := &InMemoryMailbox{}
	m.Deliver(msgs...)
	return m
}

// Deliver appends unread messages.
func (m *InMemoryMailbox) Deliver(msgs ...core.InboundMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.messages = append(m.messages, storedMessage{msg: msg, unread: true})
	}
}

// FailNext makes the next fetches return the given errors, one per call.
func (m *InMemoryMailbox) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// FetchUnread implements core.Mailbox. Returned messages are marked read.
func (m *InMemoryMailbox) FetchUnread(ctx context.Context) ([]core.InboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return nil, err
	}

	var out []core.InboundMessage
	for i := range m.messages {
		if !m.messages[i].unread {
			continue
		}
		m.messages[i].unread = false
		out = append(out, m.messages[i].msg)
	}
	return out, nil
}

// Unread returns the number of messages still flagged unread.
func (m *InMemoryMailbox) Unread() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.messages {
		if s.unread {
			n++
		}
	}
	return n
}

// InMemoryOutbox is a core.Mailer that records every sent message instead of
// delivering it. Send failures can be injected for tests.
type InMemoryOutbox struct {
	mu       sync.Mutex
	sent     []core.OutboundMessage
	failNext []error
	onSend   []func(core.OutboundMessage)
	logger   logging.Logger
}

// NewInMemoryOutbox creates an empty outbox. A non-nil logger records each
// message, which is what the CLI's dry-run mode relies on.
func NewInMemoryOutbox(logger logging.Logger) *InMemoryOutbox {
	return &InMemoryOutbox{logger: logging.OrNoOp(logger)}
}

// FailNext makes the next sends return the given errors, one per call.
func (o *InMemoryOutbox) FailNext(errs ...error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failNext = append(o.failNext, errs...)
}

// OnSend registers a callback invoked after each recorded message.
func (o *InMemoryOutbox) OnSend(fn func(core.OutboundMessage)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSend = append(o.onSend, fn)
}

// Send implements core.Mailer.
func (o *InMemoryOutbox) Send(ctx context.Context, msg core.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	if len(o.failNext) > 0 {
		err := o.failNext[0]
		o.failNext = o.failNext[1:]
		o.mu.Unlock()
		return err
	}
	msg = msg.Clone()
	o.sent = append(o.sent, msg)
	hooks := append([]func(core.OutboundMessage){}, o.onSend...)
	o.mu.Unlock()

	o.logger.Info("outbox.recorded",
		"kind", msg.Kind, "to", msg.To, "subject", msg.Subject, "message_id", msg.MessageID)
	o.logger.Debug("outbox.body", "message_id", msg.MessageID, "text", msg.TextBody)

	for _, fn := range hooks {
		fn(msg)
	}
	return nil
}

// Sent returns a copy of every recorded message in send order.
func (o *InMemoryOutbox) Sent() []core.OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]core.OutboundMessage, len(o.sent))
	for i, m := range o.sent {
		out[i] = m.Clone()
	}
	return out
}
