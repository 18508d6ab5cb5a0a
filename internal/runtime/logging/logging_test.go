package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedLog struct {
	level  string
	msg    string
	err    error
	fields LogFields
}

type recordingLogger struct {
	base LogFields
	logs *[]recordedLog
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{logs: &[]recordedLog{}}
}

func (r *recordingLogger) merged(fields LogFields) LogFields {
	out := LogFields{}
	for k, v := range r.base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (r *recordingLogger) With(fields LogFields) ServiceLogger {
	return &recordingLogger{base: r.merged(fields), logs: r.logs}
}

func (r *recordingLogger) Debug(msg string, fields LogFields) {
	*r.logs = append(*r.logs, recordedLog{level: "debug", msg: msg, fields: r.merged(fields)})
}

func (r *recordingLogger) Info(msg string, fields LogFields) {
	*r.logs = append(*r.logs, recordedLog{level: "info", msg: msg, fields: r.merged(fields)})
}

func (r *recordingLogger) Error(msg string, err error, fields LogFields) {
	*r.logs = append(*r.logs, recordedLog{level: "error", msg: msg, err: err, fields: r.merged(fields)})
}

func (r *recordingLogger) Trace(msg string, fields LogFields) {
	*r.logs = append(*r.logs, recordedLog{level: "trace", msg: msg, fields: r.merged(fields)})
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug")

	logger.With(LogFields{"kind": "echo"}).Info("batch received", LogFields{"batch_size": 3})
	logger.Error("send failed", errors.New("boom"), nil)

	out := buf.String()
	assert.Contains(t, out, `"msg":"batch received"`)
	assert.Contains(t, out, `"kind":"echo"`)
	assert.Contains(t, out, `"batch_size":3`)
	assert.Contains(t, out, "boom")
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "error")

	logger.Info("hidden", nil)
	logger.Debug("hidden", nil)
	assert.Empty(t, buf.String())

	logger.Error("shown", nil, nil)
	assert.Equal(t, 1, strings.Count(buf.String(), "shown"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("trace"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillAdapterDelegates(t *testing.T) {
	rec := newRecordingLogger()
	adapter := NewWatermillAdapter(rec)

	child := adapter.With(watermill.LogFields{"queue": "echo"})
	child.Info("subscribed", watermill.LogFields{"topic": "t"})
	child.Debug("polling", nil)
	boom := errors.New("boom")
	child.Error("failed", boom, nil)
	child.Trace("tick", nil)

	logs := *rec.logs
	require.Len(t, logs, 4)
	assert.Equal(t, "info", logs[0].level)
	assert.Equal(t, "echo", logs[0].fields["queue"])
	assert.Equal(t, "t", logs[0].fields["topic"])
	assert.Equal(t, "debug", logs[1].level)
	assert.Equal(t, boom, logs[2].err)
	assert.Equal(t, "trace", logs[3].level)
}

func TestWatermillAdapterUnwrapsWatermillLogger(t *testing.T) {
	inner := watermill.NopLogger{}
	logger := NewWatermillServiceLogger(inner)

	assert.Equal(t, inner, NewWatermillAdapter(logger))
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	assert.NotPanics(t, func() {
		logger.With(LogFields{"a": 1}).Info("x", nil)
		logger.Error("y", errors.New("z"), nil)
	})
}
