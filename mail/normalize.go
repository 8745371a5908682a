// Package mail converts between RFC 5322 messages and the core message types
// and provides in-memory mailbox and outbox implementations. The network
// transports live in the imap and smtp subpackages.
package mail

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers non UTF-8 charset decoders
	gomail "github.com/emersion/go-message/mail"

	"github.com/hupe1980/mailagent/core"
)

// ErrNoBody is returned when a message carries no usable text part.
var ErrNoBody = errors.New("message has no text body")

// Normalize parses a raw RFC 5322 message into a core.InboundMessage.
// MIME encoded headers are decoded, the body is resolved to plain text where
// possible and undecodable bytes are replaced with U+FFFD.
func Normalize(r io.Reader, receivedAt time.Time) (core.InboundMessage, error) {
	entity, err := message.Read(r)
	if err != nil && !isTolerable(err) {
		return core.InboundMessage{}, fmt.Errorf("parse message: %w", err)
	}

	h := gomail.Header{Header: entity.Header}

	msg := core.InboundMessage{
		Subject:    decodeText(h, "Subject"),
		Sender:     sender(h),
		ReceivedAt: receivedAt,
	}

	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = core.NormalizeMessageID(id)
	} else {
		msg.MessageID = core.NormalizeMessageID(h.Get("Message-Id"))
	}
	msg.InReplyTo = firstID(h, "In-Reply-To")
	msg.References = idList(h, "References")

	body, err := extractBody(entity)
	if err != nil && !errors.Is(err, ErrNoBody) {
		return core.InboundMessage{}, err
	}
	msg.BodyText = sanitize(body)

	return msg, nil
}

func isTolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func decodeText(h gomail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		// Undecodable encoded words: keep the raw header value.
		v = h.Get(key)
	}
	return sanitize(strings.TrimSpace(v))
}

func sender(h gomail.Header) string {
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	return decodeText(h, "From")
}

func firstID(h gomail.Header, key string) string {
	ids := idList(h, key)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func idList(h gomail.Header, key string) []string {
	ids, err := h.MsgIDList(key)
	if err != nil || len(ids) == 0 {
		// Fall back to whitespace separated tokens for sloppy clients.
		return core.NormalizeMessageIDs(strings.Fields(h.Get(key)))
	}
	return core.NormalizeMessageIDs(ids)
}

// extractBody prefers the first non-attachment text/plain part, then the
// first text/html part. A single part message is used as-is.
func extractBody(entity *message.Entity) (string, error) {
	if !isMultipart(entity) {
		return readAll(entity.Body)
	}

	var plain, html *string
	walkErr := entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil && !isTolerable(err) {
			return err
		}
		if isMultipart(part) || isAttachment(part) {
			return nil
		}

		ct, _, _ := part.Header.ContentType()
		switch {
		case ct == "text/plain" && plain == nil:
			s, err := readAll(part.Body)
			if err != nil {
				return err
			}
			plain = &s
		case ct == "text/html" && html == nil:
			s, err := readAll(part.Body)
			if err != nil {
				return err
			}
			html = &s
		}
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("walk message parts: %w", walkErr)
	}

	switch {
	case plain != nil:
		return *plain, nil
	case html != nil:
		return *html, nil
	default:
		return "", ErrNoBody
	}
}

func isMultipart(e *message.Entity) bool {
	ct, _, _ := e.Header.ContentType()
	return strings.HasPrefix(ct, "multipart/")
}

func isAttachment(part *message.Entity) bool {
	disp, _, err := part.Header.ContentDisposition()
	return err == nil && strings.EqualFold(disp, "attachment")
}

// sanitize replaces every byte that is not part of a valid UTF-8 sequence
// with U+FFFD.
func sanitize(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

func readAll(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(b), nil
}
