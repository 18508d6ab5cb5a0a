package errors

import (
	sterrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigRequired", ErrConfigRequired, "presto: configuration is required"},
		{"ErrBackendRequired", ErrBackendRequired, "presto: queue backend is required"},
		{"ErrKindRequired", ErrKindRequired, "presto: kind is required"},
		{"ErrUnknownKind", ErrUnknownKind, "presto: unknown kind"},
		{"ErrKernelTimeout", ErrKernelTimeout, "presto: kernel dispatch timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestValidationError(t *testing.T) {
	t.Run("unprocessable", func(t *testing.T) {
		cause := sterrors.New("body is required")
		err := NewValidationError("decode envelope", cause)

		assert.Equal(t, http.StatusUnprocessableEntity, err.Code)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
		assert.Contains(t, err.Error(), "422")
		assert.Contains(t, err.Error(), "body is required")
	})

	t.Run("unknown kind", func(t *testing.T) {
		err := NewUnknownKindError("audio.hasher")

		assert.Equal(t, http.StatusNotFound, err.Code)
		assert.ErrorIs(t, err, ErrUnknownKind)
		assert.Contains(t, err.Error(), "audio.hasher")
	})

	t.Run("wrapped", func(t *testing.T) {
		err := fmt.Errorf("parse: %w", NewUnknownKindError("x"))

		var target *ValidationError
		require.ErrorAs(t, err, &target)
		assert.Equal(t, http.StatusNotFound, target.Code)
		assert.Equal(t, http.StatusNotFound, StatusCode(err))
	})
}

func TestKernelError(t *testing.T) {
	cause := sterrors.New("boom")
	err := &KernelError{Kind: "echo", Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, `presto: kernel "echo" failed: boom`, err.Error())
}

func TestTransient(t *testing.T) {
	assert.NoError(t, Transient("send", nil))

	cause := sterrors.New("connection reset")
	err := Transient("send", cause)
	assert.ErrorIs(t, err, ErrTransientBackend)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "send")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Category
		retryable bool
	}{
		{"nil", nil, CategoryNone, false},
		{"validation", NewValidationError("bad", nil), CategoryValidation, false},
		{"timeout", fmt.Errorf("dispatch: %w", ErrKernelTimeout), CategoryTimeout, true},
		{"transient", Transient("receive", sterrors.New("eof")), CategoryTransient, true},
		{"kernel", &KernelError{Kind: "k", Cause: sterrors.New("x")}, CategoryKernel, true},
		{"callback", fmt.Errorf("%w: 500", ErrCallbackDelivery), CategoryCallback, false},
		{"unknown", sterrors.New("mystery"), CategoryKernel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.retryable, got.Retryable())
		})
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, StatusCode(ErrKernelTimeout))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(sterrors.New("x")))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusCode(NewValidationError("m", nil)))
}
