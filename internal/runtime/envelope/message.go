package envelope

import (
	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/jsoncodec"
)

// Message is the unit travelling through the queues. Kind is fixed at
// creation; RetryCount only ever grows.
type Message struct {
	Body       GenericItem `json:"body"`
	Kind       string      `json:"model_name"`
	RetryCount int         `json:"retry_count"`
}

// NewMessage wraps body for kind with a zero retry count.
func NewMessage(kind string, body GenericItem) *Message {
	return &Message{Body: body, Kind: kind}
}

type wireMessage struct {
	Body       *GenericItem `json:"body"`
	Kind       *string      `json:"model_name"`
	RetryCount int          `json:"retry_count"`
}

// Decode checks the envelope structure of raw without consulting a
// registry. The result stays untyped until Registry.Prepare.
func Decode(raw []byte) (*Message, error) {
	if !jsoncodec.Valid(raw) {
		return nil, prestoerrors.NewValidationError("malformed json", nil)
	}
	var w wireMessage
	if err := jsoncodec.Unmarshal(raw, &w); err != nil {
		return nil, prestoerrors.NewValidationError("decode envelope", err)
	}
	if w.Body == nil {
		return nil, prestoerrors.NewValidationError("body is required", nil)
	}
	if w.Kind == nil || *w.Kind == "" {
		return nil, prestoerrors.NewValidationError("model_name is required", nil)
	}
	if w.RetryCount < 0 {
		return nil, prestoerrors.NewValidationError("retry_count cannot be negative", nil)
	}
	return &Message{Body: *w.Body, Kind: *w.Kind, RetryCount: w.RetryCount}, nil
}

// Marshal encodes the message in its wire form.
func (m *Message) Marshal() ([]byte, error) {
	return jsoncodec.Marshal(m)
}

// Fail replaces the result with an ErrorResult describing err.
func (m *Message) Fail(err error) {
	m.Body.Result = NewErrorResult(err)
}

// Failed reports whether the message carries an ErrorResult.
func (m *Message) Failed() bool {
	_, ok := m.Body.Result.(*ErrorResult)
	return ok
}

// Clone returns a shallow copy sharing Raw, Parameters and Result.
func (m *Message) Clone() *Message {
	out := *m
	return &out
}

// CallbackTarget is the minimal view of an output message the processor
// needs. Decoding into it never depends on the kind registry.
type CallbackTarget struct {
	Body struct {
		ID          ItemID `json:"id"`
		CallbackURL string `json:"callback_url"`
	} `json:"body"`
	Kind string `json:"model_name"`
}

// DecodeCallbackTarget extracts the callback coordinates from raw.
func DecodeCallbackTarget(raw []byte) (*CallbackTarget, error) {
	var target CallbackTarget
	if err := jsoncodec.Unmarshal(raw, &target); err != nil {
		return nil, err
	}
	return &target, nil
}
