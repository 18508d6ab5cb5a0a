package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/presto/internal/runtime/envelope"
	"github.com/drblury/presto/internal/runtime/logging"
)

type hookRecorder struct {
	mu      sync.Mutex
	events  []string
	started []DispatchInfo
	dead    []DeadLetterInfo
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		OnDispatchStart: func(_ context.Context, info DispatchInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "start")
			r.started = append(r.started, info)
		},
		OnDispatchDone: func(context.Context, DispatchInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "done")
		},
		OnDispatchError: func(_ context.Context, _ DispatchInfo, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "error:"+err.Error())
		},
		OnDeadLetter: func(_ context.Context, info DeadLetterInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "dead:"+info.Reason)
			r.dead = append(r.dead, info)
		},
	}
}

func TestHooks_DispatchDone(t *testing.T) {
	f := newFixture(t, echoKernel(), Options{})
	rec := &hookRecorder{}
	f.worker.hooks = rec.hooks()
	f.enqueue(t, `{"body":{"id":"1","text":"a"},"model_name":"echo","retry_count":3}`)
	f.enqueue(t, `{"body":{"id":"2","text":"b"},"model_name":"echo"}`)

	f.runOnce(t)

	assert.Equal(t, []string{"start", "done"}, rec.events)
	require.Len(t, rec.started, 1)
	assert.Equal(t, kind, rec.started[0].Kind)
	assert.Equal(t, []string{"1", "2"}, rec.started[0].MessageIDs)
	assert.Equal(t, 3, rec.started[0].MaxRetryCount)
	assert.False(t, rec.started[0].StartedAt.IsZero())
}

func TestHooks_DispatchErrorAndDeadLetter(t *testing.T) {
	f := newFixture(t, func(context.Context, []*envelope.Message) ([]*envelope.Message, error) {
		return nil, errors.New("boom")
	}, Options{MaxRetries: -1})
	rec := &hookRecorder{}
	f.worker.hooks = rec.hooks()
	f.enqueue(t, `{"body":{"id":"7","text":"a"},"model_name":"echo"}`)

	f.runOnce(t)

	require.Len(t, rec.events, 3)
	assert.Equal(t, "start", rec.events[0])
	assert.Contains(t, rec.events[1], "error:")
	assert.Equal(t, "dead:"+ReasonMaxRetries, rec.events[2])
	require.Len(t, rec.dead, 1)
	assert.Equal(t, "7", rec.dead[0].MessageID)
	assert.Equal(t, 1, rec.dead[0].RetryCount)
	assert.Error(t, rec.dead[0].Cause)
}

func TestHooks_InvalidMessage(t *testing.T) {
	f := newFixture(t, echoKernel(), Options{})
	rec := &hookRecorder{}
	f.worker.hooks = rec.hooks()
	f.enqueue(t, `not json`)

	f.runOnce(t)

	assert.Equal(t, []string{"dead:" + ReasonInvalid}, rec.events)
	assert.Empty(t, rec.dead[0].MessageID)
}

func TestHooks_Merge(t *testing.T) {
	var calls []string
	a := Hooks{OnDeadLetter: func(context.Context, DeadLetterInfo) { calls = append(calls, "a") }}
	b := AlertingHooks(func(context.Context, DeadLetterInfo) { calls = append(calls, "b") })

	merged := a.Merge(b).Merge(Hooks{})
	merged.deadLetter(context.Background(), DeadLetterInfo{})
	merged.dispatchStart(context.Background(), DispatchInfo{})
	merged.dispatchEnd(context.Background(), DispatchInfo{}, errors.New("x"))

	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Nil(t, merged.OnDispatchStart)
}

func TestLoggingHooks(t *testing.T) {
	h := LoggingHooks(logging.NewNopLogger())
	ctx := context.Background()
	assert.NotPanics(t, func() {
		h.dispatchStart(ctx, DispatchInfo{Kind: kind})
		h.dispatchEnd(ctx, DispatchInfo{Kind: kind}, nil)
		h.dispatchEnd(ctx, DispatchInfo{Kind: kind}, errors.New("x"))
		h.deadLetter(ctx, DeadLetterInfo{Kind: kind, Reason: ReasonInvalid})
	})
}
