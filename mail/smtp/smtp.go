// Package smtp implements core.Mailer by submitting composed messages to an
// SMTP relay with PLAIN authentication. Sends are rate limited so a burst of
// replies does not trip provider throttling.
package smtp

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"golang.org/x/time/rate"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/logging"
	"github.com/hupe1980/mailagent/mail"
)

// SendFunc matches gosmtp.SendMail and exists so tests can capture the wire
// message without a server.
type SendFunc func(addr string, a sasl.Client, from string, to []string, r *bytes.Reader) error

// Options configures a Mailer.
type Options struct {
	// Addr is host:port of the submission endpoint (STARTTLS is used when offered).
	Addr     string
	Username string
	Password string
	// From is the envelope sender; defaults to the message From.
	From string
	// RatePerMinute caps sends; zero disables limiting.
	RatePerMinute int
	Logger        logging.Logger
	Now           func() time.Time
	Send          SendFunc
}

// Mailer delivers outbound messages over SMTP.
type Mailer struct {
	opts    Options
	limiter *rate.Limiter
}

// New creates an SMTP Mailer.
func New(optFns ...func(o *Options)) *Mailer {
	opts := Options{
		RatePerMinute: 30,
		Logger:        logging.NoOpLogger{},
		Now:           time.Now,
		Send: func(addr string, a sasl.Client, from string, to []string, r *bytes.Reader) error {
			return gosmtp.SendMail(addr, a, from, to, r)
		},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	m := &Mailer{opts: opts}
	if opts.RatePerMinute > 0 {
		m.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1)
	}
	return m
}

// Send implements core.Mailer.
func (m *Mailer) Send(ctx context.Context, msg core.OutboundMessage) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit: %v", core.ErrTransport, err)
		}
	}

	var buf bytes.Buffer
	if err := mail.Compose(&buf, msg, m.opts.Now()); err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	from := m.opts.From
	if from == "" {
		from = msg.From
	}

	var auth sasl.Client
	if m.opts.Username != "" {
		auth = sasl.NewPlainClient("", m.opts.Username, m.opts.Password)
	}

	if err := m.opts.Send(m.opts.Addr, auth, from, []string{msg.To}, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("%w: send to %s: %v", core.ErrTransport, msg.To, err)
	}

	m.opts.Logger.Debug("smtp.submitted", "message_id", msg.MessageID, "to", msg.To, "bytes", buf.Len())
	return nil
}
