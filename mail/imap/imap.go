// Package imap implements core.Mailbox on top of an IMAP server. Every poll
// opens a fresh TLS session, fetches the UNSEEN messages of one folder and
// logs out again; fetching the full body clears the \Seen flag server side.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/logging"
	"github.com/hupe1980/mailagent/mail"
)

// Options configures a Mailbox.
type Options struct {
	// Addr is host:port of the IMAPS endpoint.
	Addr     string
	Username string
	Password string
	// Folder defaults to INBOX.
	Folder string
	// Timeout bounds individual IMAP commands.
	Timeout   time.Duration
	TLSConfig *tls.Config
	Logger    logging.Logger
}

// Mailbox polls an IMAP folder for unread mail.
type Mailbox struct {
	opts Options
}

// New creates an IMAP backed Mailbox.
func New(optFns ...func(o *Options)) *Mailbox {
	opts := Options{
		Folder:  "INBOX",
		Timeout: 30 * time.Second,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Mailbox{opts: opts}
}

// FetchUnread implements core.Mailbox. Every failure is wrapped in
// core.ErrTransport. Messages that cannot be parsed are skipped and logged.
func (m *Mailbox) FetchUnread(ctx context.Context) ([]core.InboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := client.DialTLS(m.opts.Addr, m.opts.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", core.ErrTransport, m.opts.Addr, err)
	}
	c.Timeout = m.opts.Timeout
	defer func() {
		if err := c.Logout(); err != nil {
			m.opts.Logger.Debug("imap.logout.error", "error", err)
		}
	}()

	if err := c.Login(m.opts.Username, m.opts.Password); err != nil {
		return nil, fmt.Errorf("%w: login: %v", core.ErrTransport, err)
	}

	if _, err := c.Select(m.opts.Folder, false); err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", core.ErrTransport, m.opts.Folder, err)
	}

	criteria := goimap.NewSearchCriteria()
	criteria.WithoutFlags = []string{goimap.SeenFlag}

	seqNums, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: search unseen: %v", core.ErrTransport, err)
	}
	if len(seqNums) == 0 {
		return nil, nil
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(seqNums...)

	// BODY[] (not BODY.PEEK[]) so the server marks each message \Seen.
	section := &goimap.BodySectionName{}
	items := []goimap.FetchItem{goimap.FetchEnvelope, goimap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *goimap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, items, ch)
	}()

	out := make([]core.InboundMessage, 0, len(seqNums))
	for raw := range ch {
		body := raw.GetBody(section)
		if body == nil {
			m.opts.Logger.Warn("imap.message.no_body", "seq", raw.SeqNum)
			continue
		}

		msg, err := mail.Normalize(body, raw.InternalDate)
		if err != nil {
			m.opts.Logger.Warn("imap.message.unparsable", "seq", raw.SeqNum, "error", err)
			continue
		}
		if msg.MessageID == "" {
			m.opts.Logger.Warn("imap.message.no_id", "seq", raw.SeqNum, "subject", msg.Subject)
			continue
		}
		out = append(out, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", core.ErrTransport, err)
	}

	m.opts.Logger.Debug("imap.fetch", "folder", m.opts.Folder, "count", len(out))
	return out, nil
}
