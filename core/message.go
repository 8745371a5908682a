package core

import (
	"strings"
	"time"
)

// ThreadID identifies a conversation by the message id of its root message.
type ThreadID string

// String implements fmt.Stringer.
func (t ThreadID) String() string { return string(t) }

// InboundMessage is a normalized email as produced by the mail normalizer.
// It must be treated as immutable after construction. Message ids are stored
// without surrounding angle brackets.
type InboundMessage struct {
	MessageID  string    `json:"message_id"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	BodyText   string    `json:"body_text"`
	ReceivedAt time.Time `json:"received_at"`
}

// ThreadID derives the conversation root: the first References entry, else
// In-Reply-To, else the message's own id (a new thread).
func (m InboundMessage) ThreadID() ThreadID {
	for _, ref := range m.References {
		if ref != "" {
			return ThreadID(ref)
		}
	}
	if m.InReplyTo != "" {
		return ThreadID(m.InReplyTo)
	}
	return ThreadID(m.MessageID)
}

// IsReply reports whether the message names a parent message.
func (m InboundMessage) IsReply() bool {
	return m.InReplyTo != "" || len(m.References) > 0
}

// Ancestors returns the ordered ancestor chain announced by the message:
// its References, or In-Reply-To alone when References is empty.
func (m InboundMessage) Ancestors() []string {
	if len(m.References) > 0 {
		out := make([]string, 0, len(m.References))
		for _, ref := range m.References {
			if ref != "" {
				out = append(out, ref)
			}
		}
		return out
	}
	if m.InReplyTo != "" {
		return []string{m.InReplyTo}
	}
	return nil
}

// NormalizeMessageID trims whitespace and a single pair of angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// NormalizeMessageIDs normalizes every id and drops empty entries.
func NormalizeMessageIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n := NormalizeMessageID(id); n != "" {
			out = append(out, n)
		}
	}
	return out
}
