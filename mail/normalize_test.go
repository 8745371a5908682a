package mail

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mailagent/core"
)

func TestNormalize_MultipartPrefersPlainText(t *testing.T) {
	raw := strings.Join([]string{
		"From: Jane Doe <jane@example.com>",
		"To: agent@example.com",
		"Subject: =?UTF-8?Q?Find_me_a_job?= =?UTF-8?Q?_please?=",
		"Message-ID: <m2@example.com>",
		"In-Reply-To: <m1@example.com>",
		"References: <root@example.com> <m1@example.com>",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		`Content-Type: text/plain; charset="utf-8"`,
		"Content-Disposition: attachment; filename=notes.txt",
		"",
		"attached notes",
		"--outer",
		`Content-Type: multipart/alternative; boundary="inner"`,
		"",
		"--inner",
		`Content-Type: text/html; charset="utf-8"`,
		"",
		"<p>html body</p>",
		"--inner",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		"plain body",
		"--inner--",
		"--outer--",
		"",
	}, "\r\n")

	received := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msg, err := Normalize(strings.NewReader(raw), received)
	require.NoError(t, err)

	assert.Equal(t, "m2@example.com", msg.MessageID)
	assert.Equal(t, "m1@example.com", msg.InReplyTo)
	assert.Equal(t, []string{"root@example.com", "m1@example.com"}, msg.References)
	assert.Equal(t, "Find me a job please", msg.Subject)
	assert.Equal(t, "jane@example.com", msg.Sender)
	assert.Equal(t, "plain body", strings.TrimSpace(msg.BodyText))
	assert.Equal(t, core.ThreadID("root@example.com"), msg.ThreadID())
	assert.Equal(t, received, msg.ReceivedAt)
}

func TestNormalize_FallsBackToHTML(t *testing.T) {
	raw := strings.Join([]string{
		"From: jane@example.com",
		"Subject: html only",
		"Message-ID: <h1@example.com>",
		`Content-Type: multipart/alternative; boundary="b"`,
		"",
		"--b",
		`Content-Type: text/html; charset="utf-8"`,
		"",
		"<p>only html</p>",
		"--b--",
		"",
	}, "\r\n")

	msg, err := Normalize(strings.NewReader(raw), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "<p>only html</p>", strings.TrimSpace(msg.BodyText))
	assert.Empty(t, msg.InReplyTo)
	assert.Equal(t, core.ThreadID("h1@example.com"), msg.ThreadID())
}

func TestNormalize_InvalidBytesReplaced(t *testing.T) {
	raw := "From: jane@example.com\r\nSubject: bytes\r\nMessage-ID: <b@example.com>\r\n" +
		"Content-Type: text/plain\r\n\r\nok \xff\xfe end\r\n"

	msg, err := Normalize(strings.NewReader(raw), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ok �� end", strings.TrimSpace(msg.BodyText))
}

func TestComposeThenNormalize(t *testing.T) {
	out := core.OutboundMessage{
		MessageID:  "reply-1@agent.example.com",
		From:       "agent@agent.example.com",
		To:         "jane@example.com",
		Subject:    "Re: Find me a job",
		InReplyTo:  "m2@example.com",
		References: []string{"root@example.com", "m2@example.com"},
		TextBody:   "Task completed! Here's a summary of what I did:\n\nDone.\n",
		HTMLBody:   "<p>Task completed!</p>",
	}

	var buf bytes.Buffer
	require.NoError(t, Compose(&buf, out, time.Now()))
	assert.Contains(t, buf.String(), "multipart/alternative")

	in, err := Normalize(&buf, time.Now())
	require.NoError(t, err)
	assert.Equal(t, out.MessageID, in.MessageID)
	assert.Equal(t, out.InReplyTo, in.InReplyTo)
	assert.Equal(t, out.References, in.References)
	assert.Equal(t, out.Subject, in.Subject)
	assert.Equal(t, strings.TrimSpace(out.TextBody), strings.TrimSpace(in.BodyText))
}

func TestCompose_RejectsBadAddress(t *testing.T) {
	err := Compose(&bytes.Buffer{}, core.OutboundMessage{From: "not an address", To: "jane@example.com"}, time.Now())
	assert.Error(t, err)
}
