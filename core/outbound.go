package core

import "slices"

// MessageKind classifies an outbound message; it selects the new-thread
// subject label and the body template.
type MessageKind string

const (
	KindClarification MessageKind = "clarification"
	KindConfirmation  MessageKind = "confirmation"
	KindCompletion    MessageKind = "completion"
	KindFailure       MessageKind = "failure"
)

// Envelope is the reply addressing of a thread at a point in time.
type Envelope struct {
	ThreadID   ThreadID
	To         string
	Subject    string
	InReplyTo  string
	References []string
	// NewThread is true when the message being answered did not itself
	// reply to anything.
	NewThread bool
}

// OutboundMessage is a fully rendered reply ready for the mail transport.
type OutboundMessage struct {
	MessageID  string      `json:"message_id"`
	ThreadID   ThreadID    `json:"thread_id"`
	Kind       MessageKind `json:"kind"`
	From       string      `json:"from,omitempty"`
	To         string      `json:"to"`
	Subject    string      `json:"subject"`
	InReplyTo  string      `json:"in_reply_to,omitempty"`
	References []string    `json:"references,omitempty"`
	TextBody   string      `json:"text_body"`
	HTMLBody   string      `json:"html_body"`
	Attempts   int         `json:"attempts"`
}

// Clone copies the message including its reference list.
func (m OutboundMessage) Clone() OutboundMessage {
	m.References = slices.Clone(m.References)
	return m
}
