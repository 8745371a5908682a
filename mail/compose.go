package mail

import (
	"fmt"
	"io"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/hupe1980/mailagent/core"
)

// Compose writes msg as a multipart/alternative RFC 5322 message with a
// plain-text and an HTML part.
func Compose(w io.Writer, msg core.OutboundMessage, date time.Time) error {
	var h gomail.Header
	h.SetDate(date)
	h.SetSubject(msg.Subject)
	h.SetMessageID(msg.MessageID)

	from, err := gomail.ParseAddress(msg.From)
	if err != nil {
		return fmt.Errorf("parse from address %q: %w", msg.From, err)
	}
	h.SetAddressList("From", []*gomail.Address{from})

	to, err := gomail.ParseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("parse to address %q: %w", msg.To, err)
	}
	h.SetAddressList("To", []*gomail.Address{to})

	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}
	if len(msg.References) > 0 {
		h.SetMsgIDList("References", msg.References)
	}

	iw, err := gomail.CreateInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("create inline writer: %w", err)
	}

	if err := writePart(iw, "text/plain", msg.TextBody); err != nil {
		return err
	}
	if err := writePart(iw, "text/html", msg.HTMLBody); err != nil {
		return err
	}

	if err := iw.Close(); err != nil {
		return fmt.Errorf("close inline writer: %w", err)
	}
	return nil
}

func writePart(iw *gomail.InlineWriter, contentType, body string) error {
	var ph gomail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}
