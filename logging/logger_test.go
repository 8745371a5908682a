package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	entries []string
	args    [][]any
}

func (r *recordingLogger) record(msg string, args []any) {
	r.entries = append(r.entries, msg)
	r.args = append(r.args, args)
}

func (r *recordingLogger) Debug(msg string, args ...any) { r.record(msg, args) }
func (r *recordingLogger) Info(msg string, args ...any)  { r.record(msg, args) }
func (r *recordingLogger) Warn(msg string, args ...any)  { r.record(msg, args) }
func (r *recordingLogger) Error(msg string, args ...any) { r.record(msg, args) }

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"":        LogLevelInfo,
		" INFO ":  LogLevelInfo,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "json", Output: &buf, Component: "poller"})

	l.Info("dropped")
	l.Warn("kept", "thread_id", "A")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "A", entry["thread_id"])
	assert.Equal(t, "poller", entry["component"])
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "text", Output: &buf})
	l.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestWith(t *testing.T) {
	assert.Equal(t, NoOpLogger{}, With(nil, "k", "v"))

	var buf bytes.Buffer
	slogger := NewLogger(&LoggerConfig{Format: "json", Output: &buf})
	With(slogger, "thread_id", "A").Info("scoped")
	assert.Contains(t, buf.String(), `"thread_id":"A"`)

	rec := &recordingLogger{}
	With(rec, "thread_id", "B").Info("scoped", "phase", "Completed")
	require.Len(t, rec.args, 1)
	assert.Equal(t, []any{"thread_id", "B", "phase", "Completed"}, rec.args[0])

	assert.Same(t, rec, With(rec))
}

func TestDomainHelpers(t *testing.T) {
	rec := &recordingLogger{}

	LogTransition(rec, "A", "AnalyzingTask", "ExecutingTask")
	LogCollaboratorCall(rec, "interpreter", "A", time.Second, nil)
	LogCollaboratorCall(rec, "executor", "A", time.Second, errors.New("boom"))
	LogDelivery(rec, "completion", "A", "m1", 1, nil)
	LogDelivery(rec, "completion", "A", "m1", 3, errors.New("smtp down"))

	assert.Equal(t, []string{
		"workflow.transition",
		"collaborator.call.completed",
		"collaborator.call.failed",
		"mail.delivered",
		"mail.delivery.failed",
	}, rec.entries)
}

func TestOrNoOp(t *testing.T) {
	assert.Equal(t, NoOpLogger{}, OrNoOp(nil))
	rec := &recordingLogger{}
	assert.Same(t, rec, OrNoOp(rec))
}
