package envelope

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
)

func TestMessageWireFormat(t *testing.T) {
	msg := NewMessage("echo", GenericItem{
		ID:          StringID("abc"),
		CallbackURL: "http://localhost/cb",
		Text:        "hi",
		Result:      &TextResult{Text: "HI"},
	})
	msg.RetryCount = 1

	data, err := msg.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"body": {"id":"abc","callback_url":"http://localhost/cb","text":"hi","raw":{},"parameters":{},"result":{"text":"HI"}},
		"model_name": "echo",
		"retry_count": 1
	}`, string(data))
}

func TestMessageFail(t *testing.T) {
	msg := NewMessage("echo", GenericItem{ID: IntID(1)})
	assert.False(t, msg.Failed())

	msg.Fail(prestoerrors.NewValidationError("bad", nil))
	require.True(t, msg.Failed())
	assert.Equal(t, 422, msg.Body.Result.(*ErrorResult).ErrorCode)
}

func TestMessageClone(t *testing.T) {
	msg := NewMessage("echo", GenericItem{ID: IntID(1)})
	clone := msg.Clone()
	clone.RetryCount = 4

	assert.Equal(t, 0, msg.RetryCount)
	assert.Equal(t, 4, clone.RetryCount)
}

func TestDecodeCallbackTarget(t *testing.T) {
	target, err := DecodeCallbackTarget([]byte(`{"body":{"id":9,"callback_url":"http://x/y","result":{"anything":true}},"model_name":"whatever"}`))
	require.NoError(t, err)
	assert.Equal(t, "http://x/y", target.Body.CallbackURL)
	assert.Equal(t, "9", target.Body.ID.String())
	assert.Equal(t, "whatever", target.Kind)

	_, err = DecodeCallbackTarget([]byte(`nope`))
	assert.Error(t, err)
}

func TestProcessFunc(t *testing.T) {
	kernel := ProcessFunc(func(ctx context.Context, msg *Message) error {
		msg.Body.Result = &TextResult{Text: msg.Body.Text + "!"}
		return nil
	})

	batch := []*Message{
		NewMessage("k", GenericItem{ID: IntID(1), Text: "a"}),
		NewMessage("k", GenericItem{ID: IntID(2), Text: "b"}),
	}
	out, err := kernel.Respond(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a!", out[0].Body.Result.(*TextResult).Text)
	assert.Equal(t, "b!", out[1].Body.Result.(*TextResult).Text)
}

func TestProcessFuncStopsOnError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	kernel := ProcessFunc(func(ctx context.Context, msg *Message) error {
		calls++
		return boom
	})

	_, err := kernel.Respond(context.Background(), []*Message{{}, {}})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestProcessFuncHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	kernel := ProcessFunc(func(ctx context.Context, msg *Message) error { return nil })
	_, err := kernel.Respond(ctx, []*Message{{}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"body":{"id":"1","text":"hello","result":{"text":"x"}},"model_name":"not-registered","retry_count":3}`))
	require.NoError(t, err)
	assert.Equal(t, "not-registered", msg.Kind)
	assert.Equal(t, 3, msg.RetryCount)
	assert.Nil(t, msg.Body.Result)
	assert.JSONEq(t, `{"text":"x"}`, string(msg.Body.RawResult()))

	for _, raw := range []string{`{`, `[]`, `{"model_name":"echo"}`, `{"body":{}}`, `{"body":{},"model_name":""}`, `{"body":{},"model_name":"e","retry_count":-1}`} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, prestoerrors.ErrInvalidEnvelope, raw)
	}
}
