package testutil

import (
	"time"

	"github.com/hupe1980/mailagent/core"
)

// MessageBuilder helps construct inbound messages with fluent chaining.
// Example:
//
//	msg := NewMessageBuilder("m1@example.com").Subject("Find a job").Body("...").Build()
type MessageBuilder struct {
	msg core.InboundMessage
}

// NewMessageBuilder creates a builder for a message with the given id and a
// default sender.
func NewMessageBuilder(id string) *MessageBuilder {
	return &MessageBuilder{msg: core.InboundMessage{
		MessageID:  id,
		Sender:     "jane@example.com",
		Subject:    "Task",
		ReceivedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}}
}

// Subject sets the subject (chainable).
func (b *MessageBuilder) Subject(s string) *MessageBuilder { b.msg.Subject = s; return b }

// Body sets the plain-text body (chainable).
func (b *MessageBuilder) Body(s string) *MessageBuilder { b.msg.BodyText = s; return b }

// From sets the sender (chainable).
func (b *MessageBuilder) From(s string) *MessageBuilder { b.msg.Sender = s; return b }

// InReplyTo sets the parent id (chainable).
func (b *MessageBuilder) InReplyTo(id string) *MessageBuilder { b.msg.InReplyTo = id; return b }

// References sets the ancestor chain (chainable).
func (b *MessageBuilder) References(ids ...string) *MessageBuilder {
	b.msg.References = append([]string(nil), ids...)
	return b
}

// ReplyTo makes the message a reply to parent, following RFC 5322 threading.
func (b *MessageBuilder) ReplyTo(parent core.InboundMessage) *MessageBuilder {
	refs := parent.Ancestors()
	b.msg.References = append(append([]string(nil), refs...), parent.MessageID)
	b.msg.InReplyTo = parent.MessageID
	return b
}

// ReplyToOutbound makes the message a reply to an email the agent sent.
func (b *MessageBuilder) ReplyToOutbound(parent core.OutboundMessage) *MessageBuilder {
	b.msg.References = append(append([]string(nil), parent.References...), parent.MessageID)
	b.msg.InReplyTo = parent.MessageID
	return b
}

// Build returns the message.
func (b *MessageBuilder) Build() core.InboundMessage {
	m := b.msg
	m.References = append([]string(nil), b.msg.References...)
	if len(m.References) == 0 {
		m.References = nil
	}
	return m
}
